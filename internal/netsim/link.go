package netsim

import (
	"fmt"

	"github.com/signalsfoundry/disposition-checker/internal/mgmt"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
)

type conn struct {
	mesh   *Mesh
	router *router
	addr   string
	h      transport.Handler
	closed bool

	senders   []*sender
	receivers []*receiver
}

func (c *conn) Address() string { return c.addr }

func (c *conn) nextName(prefix string) string {
	c.mesh.linkSeq++
	return fmt.Sprintf("%s-%d", prefix, c.mesh.linkSeq)
}

func (c *conn) OpenSender(target string, opts transport.SenderOptions) (transport.Sender, error) {
	if c.closed {
		return nil, transport.ErrClosed
	}
	name := opts.Name
	if name == "" {
		name = c.nextName("sender")
	}
	s := &sender{
		conn:   c,
		name:   name,
		target: target,
		row: &mgmt.LinkRow{
			Type: "endpoint", Dir: "in", Name: name, OwningAddr: target,
			Capacity: c.mesh.opts.LinkCapacity,
		},
	}
	c.senders = append(c.senders, s)
	c.router.endpoints = append(c.router.endpoints, s.row)

	c.mesh.after(0, func() {
		if s.closed {
			return
		}
		s.opened = true
		c.h.OnLinkOpened(s)
	})
	return s, nil
}

func (c *conn) OpenReceiver(source string, opts transport.ReceiverOptions) (transport.Receiver, error) {
	if c.closed {
		return nil, transport.ErrClosed
	}
	name := opts.Name
	if name == "" {
		name = c.nextName("receiver")
	}
	credit := opts.Credit
	if credit <= 0 {
		credit = c.mesh.opts.LinkCapacity
	}
	addr := source
	if opts.Dynamic {
		c.router.tempSeq++
		addr = fmt.Sprintf("_topo/0/%s/temp.%d", c.router.id, c.router.tempSeq)
	}

	r := &receiver{
		conn:    c,
		name:    name,
		dynamic: opts.Dynamic,
		credit:  credit,
		row: &mgmt.LinkRow{
			Type: "endpoint", Dir: "out", Name: name, OwningAddr: addr,
			Capacity: credit,
		},
	}
	c.receivers = append(c.receivers, r)

	c.mesh.after(0, func() {
		if r.closed {
			return
		}
		r.address = addr
		r.opened = true
		c.router.receivers[addr] = append(c.router.receivers[addr], r)
		c.router.endpoints = append(c.router.endpoints, r.row)
		c.h.OnLinkOpened(r)
	})
	return r, nil
}

// Close detaches every link of the connection. Deliveries waiting for one of
// its receivers are released; outcomes still travelling to one of its
// senders are dropped.
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, s := range c.senders {
		s.closed = true
		c.router.removeEndpoint(s.row)
	}
	for _, r := range c.receivers {
		r.detach()
	}
	return nil
}

type sender struct {
	conn      *conn
	name      string
	target    string
	row       *mgmt.LinkRow
	opened    bool
	closed    bool
	unsettled int
}

func (s *sender) Name() string                     { return s.name }
func (s *sender) Connection() transport.Connection { return s.conn }
func (s *sender) Target() string                   { return s.target }

func (s *sender) Credit() int {
	if !s.opened || s.closed {
		return 0
	}
	free := s.conn.mesh.opts.LinkCapacity - s.unsettled
	if free <= 0 {
		return 0
	}
	if s.target == transport.ManagementAddress {
		return free
	}
	if _, ok := s.conn.mesh.closestConsumer(s.conn.router.id, s.target); !ok {
		return 0
	}
	return free
}

func (s *sender) Send(msg *transport.Message, tag string) error {
	if s.closed {
		return transport.ErrClosed
	}
	if s.Credit() <= 0 {
		return transport.ErrNoCredit
	}
	m := s.conn.mesh
	m.deliverySeq++
	d := &delivery{
		id:      m.deliverySeq,
		tag:     tag,
		msg:     cloneMessage(msg),
		from:    s,
		at:      s.conn.router.id,
		address: s.target,
	}
	s.unsettled++
	s.row.Unsettled++

	if s.target == transport.ManagementAddress {
		r := s.conn.router
		m.after(0, func() {
			m.settle(d, transport.Accepted)
			m.handleManagement(r, d.msg)
		})
		return nil
	}
	m.after(0, func() { m.forward(d) })
	return nil
}

type receiver struct {
	conn    *conn
	name    string
	address string
	dynamic bool
	credit  int
	opened  bool
	closed  bool
	row     *mgmt.LinkRow
	queue   []*delivery
}

func (r *receiver) Name() string                     { return r.name }
func (r *receiver) Connection() transport.Connection { return r.conn }
func (r *receiver) Address() string                  { return r.address }

func (r *receiver) attached() bool { return r.opened && !r.closed }

func (r *receiver) Flow(n int) {
	if n <= 0 || r.closed {
		return
	}
	r.credit += n
	r.row.Capacity = max(r.row.Capacity, r.credit)
	r.conn.mesh.drain(r)
}

func (r *receiver) detach() {
	if r.closed {
		return
	}
	r.closed = true
	rt := r.conn.router
	if r.opened {
		list := rt.receivers[r.address]
		for i, x := range list {
			if x == r {
				rt.receivers[r.address] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(rt.receivers[r.address]) == 0 {
			delete(rt.receivers, r.address)
		}
		rt.removeEndpoint(r.row)
	}
	queued := r.queue
	r.queue = nil
	for _, d := range queued {
		r.row.Undelivered--
		r.conn.mesh.settle(d, transport.Released)
	}
}

func cloneMessage(msg *transport.Message) *transport.Message {
	if msg == nil {
		return &transport.Message{}
	}
	out := *msg
	if msg.Properties != nil {
		out.Properties = make(map[string]any, len(msg.Properties))
		for k, v := range msg.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}
