package amqp

import (
	"context"
	"errors"
	"sync/atomic"

	goamqp "github.com/Azure/go-amqp"
	"golang.org/x/sync/semaphore"

	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
)

type sender struct {
	conn     *conn
	name     string
	target   string
	link     *goamqp.Sender
	opened   bool
	window   *semaphore.Weighted
	inflight atomic.Int64
}

func newSender(c *conn, target, name string) *sender {
	return &sender{
		conn:   c,
		name:   name,
		target: target,
		window: semaphore.NewWeighted(int64(c.net.capacity)),
	}
}

func (s *sender) Name() string                     { return s.name }
func (s *sender) Connection() transport.Connection { return s.conn }
func (s *sender) Target() string                   { return s.target }

// Credit is the part of the send window not taken by unsettled deliveries.
func (s *sender) Credit() int {
	if !s.opened || s.conn.closed {
		return 0
	}
	return s.conn.net.capacity - int(s.inflight.Load())
}

func (s *sender) attached(link *goamqp.Sender, err error) {
	if s.conn.closed {
		return
	}
	if err != nil {
		s.conn.h.OnLinkError(s, err)
		return
	}
	s.link = link
	s.opened = true
	s.conn.h.OnLinkOpened(s)
}

// Send transfers msg unsettled. The call returns at once; the outcome is
// posted when the router settles the delivery.
func (s *sender) Send(msg *transport.Message, tag string) error {
	if s.conn.closed {
		return transport.ErrClosed
	}
	if !s.opened || !s.window.TryAcquire(1) {
		return transport.ErrNoCredit
	}
	s.inflight.Add(1)
	m := toAMQP(msg, tag)
	go func() {
		defer func() {
			s.inflight.Add(-1)
			s.window.Release(1)
		}()
		err := s.link.Send(s.conn.ctx, m, nil)
		s.conn.post(func() { s.settled(tag, err) })
	}()
	return nil
}

func (s *sender) settled(tag string, err error) {
	if s.conn.closed {
		return
	}
	out, broken := classify(err)
	if broken {
		s.conn.h.OnLinkError(s, err)
		return
	}
	s.conn.h.OnOutcome(s, tag, out)
}

// classify maps the result of a send onto an outcome. broken is set when the
// link or connection went away and no outcome is known.
func classify(err error) (out transport.Outcome, broken bool) {
	if err == nil {
		return transport.Accepted, false
	}
	var (
		linkErr *goamqp.LinkError
		connErr *goamqp.ConnError
		sessErr *goamqp.SessionError
	)
	if errors.As(err, &linkErr) || errors.As(err, &connErr) || errors.As(err, &sessErr) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, true
	}
	var amqpErr *goamqp.Error
	if errors.As(err, &amqpErr) {
		return transport.Rejected, false
	}
	return transport.Released, false
}

type receiver struct {
	conn    *conn
	name    string
	address string
	link    *goamqp.Receiver
	opened  bool
}

func (r *receiver) Name() string                     { return r.name }
func (r *receiver) Connection() transport.Connection { return r.conn }
func (r *receiver) Address() string                  { return r.address }

func (r *receiver) attached(link *goamqp.Receiver, err error) {
	if r.conn.closed {
		return
	}
	if err != nil {
		r.conn.h.OnLinkError(r, err)
		return
	}
	r.link = link
	r.opened = true
	if addr := link.Address(); addr != "" {
		r.address = addr
	}
	r.conn.h.OnLinkOpened(r)
}

// Flow issues extra credit. Receivers opened with a credit window replenish
// it themselves, in which case the router refuses manual credit.
func (r *receiver) Flow(n int) {
	if n <= 0 || !r.opened || r.conn.closed {
		return
	}
	if err := r.link.IssueCredit(uint32(n)); err != nil {
		r.conn.net.log.Debug(r.conn.ctx, "issue credit", logging.String("link", r.name), logging.Err(err))
	}
}

// receive runs until the connection closes, accepting every message and
// posting it to the handler.
func (r *receiver) receive(link *goamqp.Receiver) {
	ctx := r.conn.ctx
	for {
		m, err := link.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() == nil {
				r.conn.post(func() {
					if !r.conn.closed {
						r.conn.h.OnLinkError(r, err)
					}
				})
			}
			return
		}
		if err := link.AcceptMessage(ctx, m); err != nil && ctx.Err() == nil {
			r.conn.net.log.Warn(ctx, "accept failed", logging.String("link", r.name), logging.Err(err))
		}
		msg := fromAMQP(m)
		r.conn.post(func() {
			if !r.conn.closed {
				r.conn.h.OnMessage(r, msg)
			}
		})
	}
}
