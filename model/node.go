package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownNode is returned when a node name does not map to a NodeID.
var ErrUnknownNode = errors.New("unknown node")

// NodeID identifies one router of the mesh under test.
type NodeID int

const (
	NodeA NodeID = iota
	NodeB
	NodeC
	NodeD

	// NumNodes is the size of the mesh. Per-node bookkeeping is kept in
	// arrays of this length indexed by NodeID.
	NumNodes
)

// AllNodes returns every NodeID in order.
func AllNodes() []NodeID {
	return []NodeID{NodeA, NodeB, NodeC, NodeD}
}

// Valid reports whether n names a node of the mesh.
func (n NodeID) Valid() bool { return n >= NodeA && n < NumNodes }

func (n NodeID) String() string {
	if !n.Valid() {
		return fmt.Sprintf("NodeID(%d)", int(n))
	}
	return string(rune('A' + int(n)))
}

// ParseNodeID maps "A".."D" (case-insensitive) to a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if len(s) != 1 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownNode, s)
	}
	id := NodeID(strings.ToUpper(s)[0] - 'A')
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownNode, s)
	}
	return id, nil
}

// MarshalText implements encoding.TextMarshaler.
func (n NodeID) MarshalText() ([]byte, error) {
	if !n.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, int(n))
	}
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NodeID) UnmarshalText(b []byte) error {
	id, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// Node is a router as seen by a client: where to reach it and which
// connectors it initiates.
type Node struct {
	ID      NodeID
	Address string

	// Connectors lists the connectors this node owns. Peers accept them via
	// their inter-router listeners.
	Connectors []Connector
}
