package netsim

import (
	"context"
	"time"

	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/mgmt"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

// delivery is one message moving through the mesh. from is nil for
// pre-settled traffic such as management replies.
type delivery struct {
	id      uint64
	tag     string
	msg     *transport.Message
	from    *sender
	at      model.NodeID
	address string
	path    []*mgmt.LinkRow
	hops    int
	settled bool
}

// forward moves d one step towards the closest consumer of its address,
// using the routing table of the router it currently sits on.
func (m *Mesh) forward(d *delivery) {
	if d.settled {
		return
	}
	dest, ok := m.closestConsumer(d.at, d.address)
	if !ok {
		m.settle(d, transport.Released)
		return
	}
	if dest == d.at {
		m.deliverLocal(m.routers[d.at], d)
		return
	}

	name := m.routes.nextHop[d.at][dest]
	c, live := m.live[name]
	if !live {
		m.lost(d, name)
		return
	}
	row := m.routers[d.at].inter[name]
	row.Unsettled++
	d.path = append(d.path, row)
	d.hops++

	next := c.Peer
	if next == d.at {
		next = c.Owner
	}
	m.after(m.opts.HopLatency, func() {
		if _, ok := m.live[name]; !ok {
			m.lost(d, name)
			return
		}
		d.at = next
		m.forward(d)
	})
}

// lost handles a delivery whose next hop no longer exists.
func (m *Mesh) lost(d *delivery, connector string) {
	if m.opts.StrandOnRemoval {
		m.log.Debug(context.Background(), "delivery stranded",
			logging.String("connector", connector),
			logging.String("tag", d.tag),
			logging.String("router", d.at.String()),
		)
		return
	}
	m.settle(d, transport.Modified)
}

func (m *Mesh) deliverLocal(r *router, d *delivery) {
	var target *receiver
	for _, rcv := range r.receivers[d.address] {
		if !rcv.attached() {
			continue
		}
		if target == nil {
			target = rcv
		}
		if rcv.credit > 0 {
			target = rcv
			break
		}
	}
	if target == nil {
		m.settle(d, transport.Released)
		return
	}
	if target.credit <= 0 || len(target.queue) > 0 {
		target.queue = append(target.queue, d)
		target.row.Undelivered++
		return
	}
	m.hand(target, d)
}

// hand gives d to the receiver's client. Data is accepted as soon as the
// handler returns and the credit it used is granted again.
func (m *Mesh) hand(r *receiver, d *delivery) {
	r.credit--
	r.row.Unsettled++
	d.path = append(d.path, r.row)
	m.after(0, func() {
		if r.closed {
			m.settle(d, transport.Released)
			return
		}
		r.conn.h.OnMessage(r, cloneMessage(d.msg))
		m.settle(d, transport.Accepted)
		if r.closed {
			return
		}
		r.credit++
		m.drain(r)
	})
}

func (m *Mesh) drain(r *receiver) {
	for r.credit > 0 && len(r.queue) > 0 && !r.closed {
		d := r.queue[0]
		r.queue = r.queue[1:]
		r.row.Undelivered--
		m.hand(r, d)
	}
}

// settle records the terminal outcome of d on every link it crossed and sends
// it back to the originating sender.
func (m *Mesh) settle(d *delivery, o transport.Outcome) {
	if d.settled {
		return
	}
	d.settled = true
	for _, row := range d.path {
		row.Unsettled--
		count(row, o)
	}
	s := d.from
	if s == nil {
		return
	}
	m.after(m.opts.HopLatency*time.Duration(d.hops), func() {
		s.unsettled--
		s.row.Unsettled--
		count(s.row, o)
		if s.closed {
			return
		}
		s.conn.h.OnOutcome(s, d.tag, o)
	})
}

func count(row *mgmt.LinkRow, o transport.Outcome) {
	switch o {
	case transport.Accepted:
		row.Accepted++
	case transport.Released:
		row.Released++
	case transport.Modified:
		row.Modified++
	case transport.Rejected:
		row.Rejected++
	}
}
