package model

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidTopology is returned by Topology.Validate.
var ErrInvalidTopology = errors.New("invalid topology")

// Connector is a named inter-router link initiated by Owner towards Peer.
// Connectors are only ever deleted during a run, never recreated.
type Connector struct {
	Name  string
	Owner NodeID
	Peer  NodeID
	Cost  int
}

// Joins reports whether the connector links a and b in either direction.
func (c Connector) Joins(a, b NodeID) bool {
	return (c.Owner == a && c.Peer == b) || (c.Owner == b && c.Peer == a)
}

// Topology is the set of connectors of a mesh.
type Topology struct {
	Connectors []Connector
}

// Mesh connector names used by the built-in scenarios.
const (
	ConnectorAB  = "AB_connector"
	ConnectorAC  = "AC_connector"
	ConnectorAD  = "AD_connector"
	ConnectorBC  = "BC_connector"
	ConnectorBD  = "BD_connector"
	ConnectorCD  = "CD_connector"
	ConnectorAD2 = "AD2_connector"
)

// FourMesh returns the fully connected four router mesh plus the extra
// high-cost AD2 connector between A and D. Costs: AB=100 AC=50 AD=1 BC=1
// BD=20 CD=1 AD2=11. Each connector is owned by the later router of its pair.
func FourMesh() Topology {
	return Topology{Connectors: []Connector{
		{Name: ConnectorAB, Owner: NodeB, Peer: NodeA, Cost: 100},
		{Name: ConnectorAC, Owner: NodeC, Peer: NodeA, Cost: 50},
		{Name: ConnectorBC, Owner: NodeC, Peer: NodeB, Cost: 1},
		{Name: ConnectorAD, Owner: NodeD, Peer: NodeA, Cost: 1},
		{Name: ConnectorAD2, Owner: NodeD, Peer: NodeA, Cost: 11},
		{Name: ConnectorBD, Owner: NodeD, Peer: NodeB, Cost: 20},
		{Name: ConnectorCD, Owner: NodeD, Peer: NodeC, Cost: 1},
	}}
}

// Lookup returns the connector with the given name.
func (t Topology) Lookup(name string) (Connector, bool) {
	for _, c := range t.Connectors {
		if c.Name == name {
			return c, true
		}
	}
	return Connector{}, false
}

// OwnedBy returns the connectors initiated by id, in declaration order.
func (t Topology) OwnedBy(id NodeID) []Connector {
	var out []Connector
	for _, c := range t.Connectors {
		if c.Owner == id {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the sorted connector names.
func (t Topology) Names() []string {
	names := make([]string, 0, len(t.Connectors))
	for _, c := range t.Connectors {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Without returns a copy of t minus the named connectors.
func (t Topology) Without(names ...string) Topology {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	out := Topology{Connectors: make([]Connector, 0, len(t.Connectors))}
	for _, c := range t.Connectors {
		if _, ok := drop[c.Name]; ok {
			continue
		}
		out.Connectors = append(out.Connectors, c)
	}
	return out
}

// Validate checks that connector names are unique, endpoints are known
// routers, no connector loops back to its owner and costs are positive.
func (t Topology) Validate() error {
	seen := make(map[string]struct{}, len(t.Connectors))
	for _, c := range t.Connectors {
		if c.Name == "" {
			return fmt.Errorf("%w: connector without name", ErrInvalidTopology)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate connector %q", ErrInvalidTopology, c.Name)
		}
		seen[c.Name] = struct{}{}
		if !c.Owner.Valid() || !c.Peer.Valid() {
			return fmt.Errorf("%w: connector %q: %w", ErrInvalidTopology, c.Name, ErrUnknownNode)
		}
		if c.Owner == c.Peer {
			return fmt.Errorf("%w: connector %q loops back to %s", ErrInvalidTopology, c.Name, c.Owner)
		}
		if c.Cost <= 0 {
			return fmt.Errorf("%w: connector %q has cost %d", ErrInvalidTopology, c.Name, c.Cost)
		}
	}
	return nil
}
