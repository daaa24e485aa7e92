// Package amqp implements transport.Network over AMQP 1.0 for checks against
// real interior routers.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goamqp "github.com/Azure/go-amqp"

	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
)

const (
	defaultCapacity = 250
	opsBuffer       = 64
)

// Network dials routers at amqp:// or amqps:// addresses. Blocking AMQP
// calls run on per-connection goroutines; their results reach the handler
// through the Poster.
type Network struct {
	ctx      context.Context
	poster   transport.Poster
	log      logging.Logger
	capacity int
	connOpts *goamqp.ConnOptions
}

var _ transport.Network = (*Network)(nil)

// NewNetwork creates a network. capacity bounds the unsettled deliveries per
// sender link.
func NewNetwork(ctx context.Context, poster transport.Poster, log logging.Logger, capacity int) *Network {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = logging.Noop()
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Network{
		ctx:      ctx,
		poster:   poster,
		log:      log.With(logging.String("component", "amqp")),
		capacity: capacity,
		connOpts: &goamqp.ConnOptions{SASLType: goamqp.SASLTypeAnonymous()},
	}
}

// Connect implements transport.Network. Dialling happens in the background;
// a failure is reported as a link error on every link opened meanwhile.
func (n *Network) Connect(addr string, h transport.Handler) (transport.Connection, error) {
	if !strings.HasPrefix(addr, "amqp://") && !strings.HasPrefix(addr, "amqps://") {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnsupportedAddress, addr)
	}
	if h == nil {
		return nil, errors.New("amqp: nil handler")
	}
	ctx, cancel := context.WithCancel(n.ctx)
	c := &conn{
		net:    n,
		addr:   addr,
		h:      h,
		ctx:    ctx,
		cancel: cancel,
		ops:    make(chan func(*goamqp.Session), opsBuffer),
	}
	go c.run()
	return c, nil
}

// conn fields after ops are only touched on the poster's goroutine.
type conn struct {
	net    *Network
	addr   string
	h      transport.Handler
	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func(*goamqp.Session)

	closed bool
	failed error
	links  []transport.Link
}

func (c *conn) Address() string { return c.addr }

func (c *conn) run() {
	client, err := goamqp.Dial(c.ctx, c.addr, c.net.connOpts)
	if err != nil {
		c.post(func() { c.failAll(fmt.Errorf("dial %s: %w", c.addr, err)) })
		return
	}
	defer client.Close()

	session, err := client.NewSession(c.ctx, nil)
	if err != nil {
		c.post(func() { c.failAll(fmt.Errorf("session %s: %w", c.addr, err)) })
		return
	}
	c.net.log.Debug(c.ctx, "connected", logging.String("address", c.addr))

	for {
		select {
		case <-c.ctx.Done():
			return
		case op := <-c.ops:
			op(session)
		}
	}
}

func (c *conn) post(f func()) {
	if c.net.poster == nil {
		f()
		return
	}
	c.net.poster.Post(f)
}

func (c *conn) submit(op func(*goamqp.Session)) error {
	select {
	case c.ops <- op:
		return nil
	case <-c.ctx.Done():
		return transport.ErrClosed
	}
}

func (c *conn) OpenSender(target string, opts transport.SenderOptions) (transport.Sender, error) {
	if c.closed || c.failed != nil {
		return nil, transport.ErrClosed
	}
	s := newSender(c, target, opts.Name)
	err := c.submit(func(session *goamqp.Session) {
		link, err := session.NewSender(c.ctx, target, &goamqp.SenderOptions{Name: opts.Name})
		c.post(func() { s.attached(link, err) })
	})
	if err != nil {
		return nil, err
	}
	c.links = append(c.links, s)
	return s, nil
}

func (c *conn) OpenReceiver(source string, opts transport.ReceiverOptions) (transport.Receiver, error) {
	if c.closed || c.failed != nil {
		return nil, transport.ErrClosed
	}
	r := &receiver{conn: c, name: opts.Name}
	if !opts.Dynamic {
		r.address = source
	}
	ropts := &goamqp.ReceiverOptions{Name: opts.Name, DynamicAddress: opts.Dynamic}
	if opts.Credit > 0 {
		ropts.Credit = int32(opts.Credit)
	}
	if opts.Dynamic {
		source = ""
	}
	err := c.submit(func(session *goamqp.Session) {
		link, err := session.NewReceiver(c.ctx, source, ropts)
		c.post(func() { r.attached(link, err) })
		if err == nil {
			go r.receive(link)
		}
	})
	if err != nil {
		return nil, err
	}
	c.links = append(c.links, r)
	return r, nil
}

// Close cancels every blocking call and closes the AMQP connection.
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return nil
}

func (c *conn) failAll(err error) {
	if c.closed || c.failed != nil {
		return
	}
	c.failed = err
	c.net.log.Warn(c.ctx, "connection failed", logging.String("address", c.addr), logging.Err(err))
	for _, l := range c.links {
		if c.closed {
			return
		}
		c.h.OnLinkError(l, err)
	}
}
