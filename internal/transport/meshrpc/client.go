package meshrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

// Scheme prefixes addresses served by Network: grpc://host:port/<node>.
const Scheme = "grpc://"

// ParseAddress splits a client address into the gRPC target and the router.
func ParseAddress(addr string) (string, model.NodeID, error) {
	if !strings.HasPrefix(addr, Scheme) {
		return "", 0, fmt.Errorf("%w: %q", transport.ErrUnsupportedAddress, addr)
	}
	rest := strings.TrimPrefix(addr, Scheme)
	slash := strings.LastIndex(rest, "/")
	if slash <= 0 || slash == len(rest)-1 {
		return "", 0, fmt.Errorf("%w: %q has no node", transport.ErrUnsupportedAddress, addr)
	}
	id, err := model.ParseNodeID(rest[slash+1:])
	if err != nil {
		return "", 0, err
	}
	return rest[:slash], id, nil
}

// Network is a transport.Network whose routers live in a remote Server.
// Handler callbacks are delivered through the Poster.
type Network struct {
	ctx      context.Context
	poster   transport.Poster
	log      logging.Logger
	dialOpts []grpc.DialOption

	mu      sync.Mutex
	clients map[string]*grpc.ClientConn
}

var _ transport.Network = (*Network)(nil)

// NewNetwork creates a client. Connections use plaintext and the otelgrpc
// client handler unless opts override them.
func NewNetwork(ctx context.Context, poster transport.Poster, log logging.Logger, opts ...grpc.DialOption) *Network {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = logging.Noop()
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	return &Network{
		ctx:      ctx,
		poster:   poster,
		log:      log.With(logging.String("component", "meshrpc-client")),
		dialOpts: append(base, opts...),
		clients:  make(map[string]*grpc.ClientConn),
	}
}

// Connect implements transport.Network. The stream is opened in the
// background; link events follow through h.
func (n *Network) Connect(addr string, h transport.Handler) (transport.Connection, error) {
	target, id, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("meshrpc: nil handler")
	}
	cc, err := n.client(target)
	if err != nil {
		return nil, err
	}

	md := []string{nodeMetadataKey, id.String()}
	if reqID := logging.RequestIDFromContext(n.ctx); reqID != "" {
		md = append(md, requestIDMetadataKey, reqID)
	}
	ctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(n.ctx, md...))

	c := &clientConn{
		net:    n,
		addr:   addr,
		h:      h,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan *structpb.Struct, outboundBuffer),
		links:  make(map[string]clientLink),
	}
	go c.run(cc)
	return c, nil
}

// Close tears down every gRPC client connection.
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	for target, cc := range n.clients {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", target, err))
		}
		delete(n.clients, target)
	}
	return errors.Join(errs...)
}

func (n *Network) client(target string) (*grpc.ClientConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cc, ok := n.clients[target]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(target, n.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	n.clients[target] = cc
	return cc, nil
}

type clientLink interface {
	transport.Link
	handle() string
}

// clientConn fields below out are only touched on the poster's goroutine.
type clientConn struct {
	net    *Network
	addr   string
	h      transport.Handler
	ctx    context.Context
	cancel context.CancelFunc
	out    chan *structpb.Struct

	closed   bool
	nextLink int
	links    map[string]clientLink
	order    []string
}

func (c *clientConn) Address() string { return c.addr }

func (c *clientConn) OpenSender(target string, opts transport.SenderOptions) (transport.Sender, error) {
	if c.closed {
		return nil, transport.ErrClosed
	}
	s := &clientSender{conn: c, id: c.newHandle(), name: opts.Name, target: target}
	if err := c.enqueue(frame{Op: OpAttach, Link: s.id, Role: RoleSender, Name: opts.Name, Address: target}); err != nil {
		return nil, err
	}
	c.register(s)
	return s, nil
}

func (c *clientConn) OpenReceiver(source string, opts transport.ReceiverOptions) (transport.Receiver, error) {
	if c.closed {
		return nil, transport.ErrClosed
	}
	r := &clientReceiver{conn: c, id: c.newHandle(), name: opts.Name}
	if !opts.Dynamic {
		r.address = source
	}
	f := frame{Op: OpAttach, Link: r.id, Role: RoleReceiver, Name: opts.Name, Address: source, Dynamic: opts.Dynamic, Credit: opts.Credit}
	if err := c.enqueue(f); err != nil {
		return nil, err
	}
	c.register(r)
	return r, nil
}

// Close cancels the stream; the server detaches every link of it.
func (c *clientConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return nil
}

func (c *clientConn) newHandle() string {
	c.nextLink++
	return fmt.Sprintf("l%d", c.nextLink)
}

func (c *clientConn) register(l clientLink) {
	c.links[l.handle()] = l
	c.order = append(c.order, l.handle())
}

func (c *clientConn) enqueue(f frame) error {
	m, err := f.encode()
	if err != nil {
		return err
	}
	select {
	case c.out <- m:
		return nil
	case <-c.ctx.Done():
		return transport.ErrClosed
	}
}

func (c *clientConn) run(cc *grpc.ClientConn) {
	stream, err := newAttachClient(c.ctx, cc)
	if err != nil {
		c.post(func() { c.failAll(err) })
		return
	}
	go c.recv(stream)
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.out:
			if err := stream.Send(m); err != nil {
				return
			}
		}
	}
}

func (c *clientConn) recv(stream attachClient) {
	for {
		in, err := stream.Recv()
		if err != nil {
			if c.ctx.Err() == nil {
				c.post(func() { c.failAll(err) })
			}
			return
		}
		f, err := decodeFrame(in)
		if err != nil {
			c.post(func() { c.failAll(err) })
			return
		}
		c.post(func() { c.dispatch(f) })
	}
}

func (c *clientConn) post(f func()) {
	if c.net.poster == nil {
		f()
		return
	}
	c.net.poster.Post(f)
}

func (c *clientConn) failAll(err error) {
	if c.closed {
		return
	}
	c.net.log.Warn(c.ctx, "stream failed", logging.String("address", c.addr), logging.Err(err))
	for _, id := range c.order {
		if c.closed {
			return
		}
		c.h.OnLinkError(c.links[id], err)
	}
}

func (c *clientConn) dispatch(f frame) {
	if c.closed {
		return
	}
	l, ok := c.links[f.Link]
	if !ok {
		if f.Op == OpError {
			c.failAll(errors.New(f.Error))
		}
		return
	}
	switch f.Op {
	case OpAttached:
		if r, ok := l.(*clientReceiver); ok && f.Address != "" {
			r.address = f.Address
		}
		c.h.OnLinkOpened(l)
	case OpTransfer:
		if r, ok := l.(*clientReceiver); ok {
			c.h.OnMessage(r, f.Message)
		}
	case OpOutcome:
		if s, ok := l.(*clientSender); ok {
			c.h.OnOutcome(s, f.Tag, f.Outcome)
		}
	case OpFlow:
		if s, ok := l.(*clientSender); ok {
			s.credit = f.Credit
		}
	case OpError:
		c.h.OnLinkError(l, errors.New(f.Error))
	}
}

type clientSender struct {
	conn   *clientConn
	id     string
	name   string
	target string
	credit int
}

func (s *clientSender) Name() string                     { return s.name }
func (s *clientSender) Connection() transport.Connection { return s.conn }
func (s *clientSender) Target() string                   { return s.target }
func (s *clientSender) Credit() int                      { return s.credit }
func (s *clientSender) handle() string                   { return s.id }

func (s *clientSender) Send(msg *transport.Message, tag string) error {
	if s.conn.closed {
		return transport.ErrClosed
	}
	if s.credit <= 0 {
		return transport.ErrNoCredit
	}
	if err := s.conn.enqueue(frame{Op: OpTransfer, Link: s.id, Tag: tag, Message: msg}); err != nil {
		return err
	}
	s.credit--
	return nil
}

type clientReceiver struct {
	conn    *clientConn
	id      string
	name    string
	address string
}

func (r *clientReceiver) Name() string                     { return r.name }
func (r *clientReceiver) Connection() transport.Connection { return r.conn }
func (r *clientReceiver) Address() string                  { return r.address }
func (r *clientReceiver) handle() string                   { return r.id }

func (r *clientReceiver) Flow(n int) {
	if n <= 0 || r.conn.closed {
		return
	}
	if err := r.conn.enqueue(frame{Op: OpFlow, Link: r.id, Credit: n}); err != nil {
		r.conn.net.log.Debug(r.conn.ctx, "flow dropped", logging.String("link", r.name), logging.Err(err))
	}
}
