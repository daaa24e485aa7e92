// Package netsim is an in-process model of an interior router mesh. It
// implements transport.Network on top of a sched.EventScheduler, so a run
// against it is fully deterministic under the fake scheduler.
//
// The model keeps only what disposition checks observe: least-cost routing
// that lags behind topology changes by a convergence delay, per-link credit
// windows, hop-by-hop forwarding with latency, settlement flowing back to the
// sender, and a $management node per router.
package netsim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/mgmt"
	"github.com/signalsfoundry/disposition-checker/internal/sched"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

// ErrNoSuchConnector is returned when removing a connector that is not live.
var ErrNoSuchConnector = errors.New("no such connector")

// Scheme prefixes client addresses served by the mesh, e.g. "sim://A".
const Scheme = "sim://"

const defaultLinkCapacity = 1000

// Options configures a Mesh.
type Options struct {
	Topology         model.Topology
	LinkCapacity     int
	HopLatency       time.Duration
	ConvergenceDelay time.Duration

	// StrandOnRemoval silently drops deliveries that hit a removed
	// connector instead of returning them as modified.
	StrandOnRemoval bool
}

// Mesh is a simulated router mesh. It is not safe for concurrent use: every
// method, and every callback it makes, runs on the scheduler's thread.
type Mesh struct {
	sched sched.EventScheduler
	log   logging.Logger
	opts  Options

	routers [model.NumNodes]*router
	live    map[string]model.Connector

	routes     *routeTable
	routeConns map[string]model.Connector

	linkSeq     int
	deliverySeq uint64
}

type router struct {
	id        model.NodeID
	receivers map[string][]*receiver
	endpoints []*mgmt.LinkRow
	inter     map[string]*mgmt.LinkRow
	tempSeq   int
}

// New builds a mesh for opts.Topology with converged routes.
func New(s sched.EventScheduler, opts Options, log logging.Logger) (*Mesh, error) {
	if s == nil {
		return nil, errors.New("netsim: nil scheduler")
	}
	if log == nil {
		log = logging.Noop()
	}
	if err := opts.Topology.Validate(); err != nil {
		return nil, err
	}
	if opts.LinkCapacity <= 0 {
		opts.LinkCapacity = defaultLinkCapacity
	}

	m := &Mesh{
		sched: s,
		log:   log.With(logging.String("component", "netsim")),
		opts:  opts,
		live:  make(map[string]model.Connector, len(opts.Topology.Connectors)),
	}
	for _, id := range model.AllNodes() {
		m.routers[id] = &router{
			id:        id,
			receivers: make(map[string][]*receiver),
			inter:     make(map[string]*mgmt.LinkRow),
		}
	}
	for _, c := range opts.Topology.Connectors {
		m.live[c.Name] = c
		m.routers[c.Owner].inter[c.Name] = &mgmt.LinkRow{Type: "inter-router", Dir: "out", Name: c.Name, Capacity: opts.LinkCapacity}
		m.routers[c.Peer].inter[c.Name] = &mgmt.LinkRow{Type: "inter-router", Dir: "in", Name: c.Name, Capacity: opts.LinkCapacity}
	}
	m.recompute()
	return m, nil
}

// Connect implements transport.Network for "sim://<node>" addresses.
func (m *Mesh) Connect(addr string, h transport.Handler) (transport.Connection, error) {
	if !strings.HasPrefix(addr, Scheme) {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnsupportedAddress, addr)
	}
	id, err := model.ParseNodeID(strings.TrimPrefix(addr, Scheme))
	if err != nil {
		return nil, err
	}
	return m.ConnectNode(id, h)
}

// ConnectNode opens a client connection directly on router id.
func (m *Mesh) ConnectNode(id model.NodeID, h transport.Handler) (transport.Connection, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", model.ErrUnknownNode, int(id))
	}
	if h == nil {
		return nil, errors.New("netsim: nil handler")
	}
	return &conn{mesh: m, router: m.routers[id], addr: Scheme + id.String(), h: h}, nil
}

// RemoveConnector deletes a live connector. Links over it fail at once;
// routes catch up after the convergence delay.
func (m *Mesh) RemoveConnector(name string) error {
	c, ok := m.live[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchConnector, name)
	}
	delete(m.live, name)
	delete(m.routers[c.Owner].inter, name)
	delete(m.routers[c.Peer].inter, name)
	m.log.Info(context.Background(), "connector removed",
		logging.String("connector", name),
		logging.String("owner", c.Owner.String()),
		logging.String("peer", c.Peer.String()),
	)

	if m.opts.ConvergenceDelay <= 0 {
		m.recompute()
		return nil
	}
	m.after(m.opts.ConvergenceDelay, m.recompute)
	return nil
}

// LiveConnectors returns the sorted names of connectors still in place.
func (m *Mesh) LiveConnectors() []string {
	names := make([]string, 0, len(m.live))
	for n := range m.live {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Converged reports whether the route table reflects the live connectors.
func (m *Mesh) Converged() bool {
	if len(m.routeConns) != len(m.live) {
		return false
	}
	for n := range m.live {
		if _, ok := m.routeConns[n]; !ok {
			return false
		}
	}
	return true
}

// Route returns the current path and cost from one router to another.
func (m *Mesh) Route(from, to model.NodeID) ([]model.NodeID, int, bool) {
	if !from.Valid() || !to.Valid() || !m.routes.Reachable(from, to) {
		return nil, 0, false
	}
	return m.routes.path(from, to, m.routeConns), m.routes.cost[from][to], true
}

func (m *Mesh) recompute() {
	conns := make([]model.Connector, 0, len(m.live))
	m.routeConns = make(map[string]model.Connector, len(m.live))
	for _, c := range m.live {
		conns = append(conns, c)
		m.routeConns[c.Name] = c
	}
	m.routes = computeRoutes(conns)
	m.log.Debug(context.Background(), "routes recomputed", logging.Int("connectors", len(conns)))
}

func (m *Mesh) after(d time.Duration, f func()) {
	sched.After(m.sched, d, f)
}

// closestConsumer finds the nearest router, by current route cost, with an
// attached receiver for addr.
func (m *Mesh) closestConsumer(from model.NodeID, addr string) (model.NodeID, bool) {
	best := model.NodeID(-1)
	for _, id := range model.AllNodes() {
		if !m.routers[id].hasConsumer(addr) || !m.routes.Reachable(from, id) {
			continue
		}
		if best < 0 || m.routes.cost[from][id] < m.routes.cost[from][best] {
			best = id
		}
	}
	return best, best >= 0
}

func (r *router) hasConsumer(addr string) bool {
	for _, rcv := range r.receivers[addr] {
		if rcv.attached() {
			return true
		}
	}
	return false
}

func (r *router) removeEndpoint(row *mgmt.LinkRow) {
	for i, e := range r.endpoints {
		if e == row {
			r.endpoints = append(r.endpoints[:i], r.endpoints[i+1:]...)
			return
		}
	}
}

func (r *router) linkTable() mgmt.LinkTable {
	table := make(mgmt.LinkTable, 0, len(r.endpoints)+len(r.inter))
	for _, row := range r.endpoints {
		table = append(table, *row)
	}
	names := make([]string, 0, len(r.inter))
	for n := range r.inter {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		table = append(table, *r.inter[n])
	}
	return table
}
