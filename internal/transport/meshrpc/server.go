package meshrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/disposition-checker/internal/eventloop"
	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/netsim"
	"github.com/signalsfoundry/disposition-checker/internal/observability"
	"github.com/signalsfoundry/disposition-checker/internal/sched"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

const (
	creditSyncInterval = 10 * time.Millisecond
	outboundBuffer     = 4096
)

// Server exposes a netsim.Mesh over the Attach stream. The mesh and all
// sessions are only touched on the event loop goroutine.
type Server struct {
	mesh    *netsim.Mesh
	loop    *eventloop.Loop
	log     logging.Logger
	metrics *observability.RPCCollector

	sessions map[*session]struct{}
	syncing  bool
}

var _ MeshServer = (*Server)(nil)

// NewServer wraps mesh. The mesh must be driven by loop's scheduler.
func NewServer(mesh *netsim.Mesh, loop *eventloop.Loop, log logging.Logger, metrics *observability.RPCCollector) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		mesh:     mesh,
		loop:     loop,
		log:      log.With(logging.String("component", "meshrpc")),
		metrics:  metrics,
		sessions: make(map[*session]struct{}),
	}
}

// NewGRPCServer builds an instrumented grpc.Server with s registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainStreamInterceptor(
			RequestIDStreamServerInterceptor(s.log),
			TracingStreamServerInterceptor(),
			s.metrics.StreamServerInterceptor(),
		),
	}
	g := grpc.NewServer(append(base, opts...)...)
	RegisterMeshServer(g, s)
	return g
}

// Attach implements MeshServer. The stream is bound to the router named by
// the x-mesh-node metadata for its whole life.
func (s *Server) Attach(stream AttachStream) error {
	ctx := stream.Context()
	log := logging.LoggerFromContext(ctx)
	if log == nil {
		log = s.log
	}

	header := firstHeaderFromContext(ctx, nodeMetadataKey)
	if header == "" {
		return toStatusError(ErrMissingNode)
	}
	id, err := model.ParseNodeID(header)
	if err != nil {
		return toStatusError(err)
	}

	sess := &session{
		server: s,
		node:   id,
		log:    log.With(logging.String("node", id.String())),
		out:    make(chan *structpb.Struct, outboundBuffer),
		stop:   make(chan struct{}),
		links:  make(map[string]transport.Link),
		ids:    make(map[transport.Link]string),
		credit: make(map[string]int),
	}

	connected := make(chan error, 1)
	s.loop.Post(func() {
		conn, err := s.mesh.ConnectNode(id, sess)
		if err == nil {
			sess.conn = conn
			s.sessions[sess] = struct{}{}
			s.ensureSync()
		}
		connected <- err
	})
	select {
	case err := <-connected:
		if err != nil {
			return toStatusError(err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loop.Done():
		return toStatusError(transport.ErrClosed)
	}
	sess.log.Info(ctx, "stream attached")

	pumped := make(chan error, 1)
	go func() { pumped <- sess.pump(stream) }()
	defer func() {
		close(sess.stop)
		<-pumped
		s.loop.Post(func() { s.detach(sess) })
		sess.log.Info(context.Background(), "stream detached")
	}()

	for {
		in, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		f, err := decodeFrame(in)
		if err != nil {
			return toStatusError(err)
		}
		s.metrics.ObserveFrame("in", f.Op)
		s.loop.Post(func() { sess.handle(f) })
	}
}

func (s *Server) detach(sess *session) {
	delete(s.sessions, sess)
	sess.closed = true
	if sess.conn != nil {
		_ = sess.conn.Close()
	}
}

func (s *Server) ensureSync() {
	if s.syncing {
		return
	}
	s.syncing = true
	sched.After(s.loop.Scheduler(), creditSyncInterval, s.syncCredit)
}

// syncCredit pushes sender credit changes to clients. Credit moves with
// settlement, consumer presence and route changes, so it is polled.
func (s *Server) syncCredit() {
	s.metrics.SetMeshCounts(int(model.NumNodes), len(s.mesh.LiveConnectors()))
	if len(s.sessions) == 0 {
		s.syncing = false
		return
	}
	for sess := range s.sessions {
		sess.syncCredit()
	}
	sched.After(s.loop.Scheduler(), creditSyncInterval, s.syncCredit)
}

// session is one Attach stream. Its transport.Handler methods run on the
// event loop.
type session struct {
	server *Server
	node   model.NodeID
	log    logging.Logger
	conn   transport.Connection
	closed bool

	out  chan *structpb.Struct
	stop chan struct{}

	links  map[string]transport.Link
	ids    map[transport.Link]string
	order  []string
	credit map[string]int
}

func (ss *session) pump(stream AttachStream) error {
	for {
		select {
		case <-ss.stop:
			return nil
		case m := <-ss.out:
			if err := stream.Send(m); err != nil {
				return err
			}
		}
	}
}

func (ss *session) send(f frame) {
	if ss.closed {
		return
	}
	m, err := f.encode()
	if err != nil {
		ss.log.Warn(context.Background(), "dropping frame", logging.String("op", f.Op), logging.Err(err))
		return
	}
	select {
	case ss.out <- m:
		ss.server.metrics.ObserveFrame("out", f.Op)
	case <-ss.stop:
	}
}

func (ss *session) fail(link string, err error) {
	ss.send(frame{Op: OpError, Link: link, Error: err.Error()})
}

func (ss *session) handle(f frame) {
	if ss.closed {
		return
	}
	switch f.Op {
	case OpAttach:
		ss.attach(f)
	case OpTransfer:
		snd, ok := ss.links[f.Link].(transport.Sender)
		if !ok {
			ss.fail(f.Link, fmt.Errorf("%w: no sender %q", ErrBadFrame, f.Link))
			return
		}
		err := snd.Send(f.Message, f.Tag)
		switch {
		case errors.Is(err, transport.ErrNoCredit):
			ss.send(frame{Op: OpOutcome, Link: f.Link, Tag: f.Tag, Outcome: transport.Released})
		case err != nil:
			ss.fail(f.Link, err)
		}
	case OpFlow:
		rcv, ok := ss.links[f.Link].(transport.Receiver)
		if !ok {
			ss.fail(f.Link, fmt.Errorf("%w: no receiver %q", ErrBadFrame, f.Link))
			return
		}
		rcv.Flow(f.Credit)
	case OpDetach:
		ss.server.detach(ss)
	default:
		ss.fail(f.Link, fmt.Errorf("%w: unexpected op %q", ErrBadFrame, f.Op))
	}
}

func (ss *session) attach(f frame) {
	if f.Link == "" || ss.links[f.Link] != nil {
		ss.fail(f.Link, fmt.Errorf("%w: link handle %q", ErrBadFrame, f.Link))
		return
	}
	var (
		l   transport.Link
		err error
	)
	switch f.Role {
	case RoleSender:
		l, err = ss.conn.OpenSender(f.Address, transport.SenderOptions{Name: f.Name})
	case RoleReceiver:
		l, err = ss.conn.OpenReceiver(f.Address, transport.ReceiverOptions{Name: f.Name, Credit: f.Credit, Dynamic: f.Dynamic})
	default:
		err = fmt.Errorf("%w: role %q", ErrBadFrame, f.Role)
	}
	if err != nil {
		ss.fail(f.Link, err)
		return
	}
	ss.links[f.Link] = l
	ss.ids[l] = f.Link
	ss.order = append(ss.order, f.Link)
}

func (ss *session) syncCredit() {
	for _, id := range ss.order {
		snd, ok := ss.links[id].(transport.Sender)
		if !ok {
			continue
		}
		ss.pushCredit(id, snd)
	}
}

func (ss *session) pushCredit(id string, snd transport.Sender) {
	c := snd.Credit()
	if last, ok := ss.credit[id]; ok && last == c {
		return
	}
	ss.credit[id] = c
	ss.send(frame{Op: OpFlow, Link: id, Credit: c})
}

func (ss *session) OnLinkOpened(l transport.Link) {
	id, ok := ss.ids[l]
	if !ok {
		return
	}
	f := frame{Op: OpAttached, Link: id}
	if rcv, ok := l.(transport.Receiver); ok {
		f.Address = rcv.Address()
	}
	ss.send(f)
	if snd, ok := l.(transport.Sender); ok {
		ss.pushCredit(id, snd)
	}
}

func (ss *session) OnMessage(r transport.Receiver, msg *transport.Message) {
	if id, ok := ss.ids[r]; ok {
		ss.send(frame{Op: OpTransfer, Link: id, Message: msg})
	}
}

func (ss *session) OnOutcome(s transport.Sender, tag string, o transport.Outcome) {
	if id, ok := ss.ids[s]; ok {
		ss.send(frame{Op: OpOutcome, Link: id, Tag: tag, Outcome: o})
	}
}

func (ss *session) OnLinkError(l transport.Link, err error) {
	if id, ok := ss.ids[l]; ok {
		ss.fail(id, err)
	}
}
