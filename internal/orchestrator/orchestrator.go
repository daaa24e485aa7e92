// Package orchestrator drives one disposition check: it verifies the router
// topology over the management plane, streams tagged messages from the
// sender node to the receiver node, removes connectors while traffic flows
// and decides whether every message reached a terminal disposition.
//
// All state is owned by a single logical thread. Every entry point (Start,
// timer callbacks and the transport.Handler methods) must be invoked from the
// goroutine that runs the scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/disposition-checker/internal/config"
	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/mgmt"
	"github.com/signalsfoundry/disposition-checker/internal/observability"
	"github.com/signalsfoundry/disposition-checker/internal/perturb"
	"github.com/signalsfoundry/disposition-checker/internal/sched"
	"github.com/signalsfoundry/disposition-checker/internal/tracker"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

// Failure reasons that do not carry counters.
const (
	reasonPostMortem     = "failed: dispositions stalled"
	reasonNoConfirmation = "no confirmed removal of connector"
)

// nodeLinks is the control-plane pair kept open to one router.
type nodeLinks struct {
	conn      transport.Connection
	sender    transport.Sender
	replies   transport.Receiver
	senderUp  bool
	repliesUp bool
	queried   bool
}

// Orchestrator runs a single check. Create it with New, call Start once on
// the scheduler's thread and wait for Done.
type Orchestrator struct {
	run     config.Run
	net     transport.Network
	sched   sched.EventScheduler
	log     logging.Logger
	metrics *observability.RunCollector

	ctx       context.Context
	runSpan   trace.Span
	phaseSpan trace.Span

	phase   Phase
	started time.Time

	nodes    [model.NumNodes]nodeLinks
	sendConn transport.Connection
	recvConn transport.Connection
	sender   transport.Sender
	receiver transport.Receiver

	pending  *mgmt.Pending
	expected map[string]bool
	found    map[string]bool

	tracker        *tracker.Tracker
	plan           *perturb.Plan
	ticks          int
	received       int
	confirmedKills int
	linkChecks     int
	troubleStart   time.Time

	deadlineTimer string
	sendTimer     string

	result Result
	done   chan struct{}
}

// New prepares a run. It does not touch the network until Start.
func New(run config.Run, net transport.Network, s sched.EventScheduler, log logging.Logger, metrics *observability.RunCollector) (*Orchestrator, error) {
	if net == nil {
		return nil, errors.New("orchestrator: nil network")
	}
	if s == nil {
		return nil, errors.New("orchestrator: nil scheduler")
	}
	if run.TotalMessages <= 0 || run.BurstSize <= 0 || run.SendInterval <= 0 || run.Deadline <= 0 {
		return nil, fmt.Errorf("%w: traffic and deadline must be positive", config.ErrInvalidConfig)
	}
	if len(run.ExpectedEdges) == 0 {
		return nil, fmt.Errorf("%w: no expected edges", config.ErrInvalidConfig)
	}
	if log == nil {
		log = logging.Noop()
	}

	expected := make(map[string]bool, len(run.ExpectedEdges))
	for _, e := range run.ExpectedEdges {
		expected[e] = true
	}

	return &Orchestrator{
		run:      run,
		net:      net,
		sched:    s,
		log:      log,
		metrics:  metrics,
		pending:  mgmt.NewPending(),
		expected: expected,
		found:    make(map[string]bool, len(expected)),
		tracker:  tracker.New(),
		plan:     perturb.NewPlan(run.Steps...),
		done:     make(chan struct{}),
	}, nil
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase { return o.phase }

// Done is closed once the run has bailed, successfully or not.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Finished reports whether the run has bailed.
func (o *Orchestrator) Finished() bool { return o.phase == PhaseBailing }

// Result returns the verdict. It is only meaningful after Done is closed.
func (o *Orchestrator) Result() Result { return o.result }

// Tracker exposes the disposition records for diagnostics.
func (o *Orchestrator) Tracker() *tracker.Tracker { return o.tracker }

// Start arms the timers and opens every connection and link. Link events
// then drive the run.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.phase != PhaseStarting || o.ctx != nil {
		return errors.New("orchestrator: already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, o.log = logging.WithRequestLogger(ctx, o.log)
	o.log = o.log.With(logging.String("scenario", o.run.Name))
	ctx = logging.ContextWithLogger(ctx, o.log)
	o.ctx, o.runSpan = observability.StartSpan(ctx, "dispocheck.run",
		attribute.String("scenario", o.run.Name),
		attribute.Int("messages", o.run.TotalMessages),
		attribute.String("destination", o.run.Address),
	)
	o.started = o.sched.Now()
	o.metrics.SetRunning()
	o.enterPhase(PhaseStarting, "run started")

	o.deadlineTimer = sched.After(o.sched, o.run.Deadline, o.onDeadline)
	first := o.run.InitialDelay
	if first <= 0 {
		first = o.run.SendInterval
	}
	o.sendTimer = sched.After(o.sched, first, o.onSendTimer)

	if err := o.openLinks(); err != nil {
		o.bail(fmt.Sprintf("open links: %v", err))
		return err
	}
	return nil
}

func (o *Orchestrator) openLinks() error {
	var err error
	if o.sendConn, err = o.net.Connect(o.run.Addresses[o.run.Sender], o); err != nil {
		return fmt.Errorf("connect sender %s: %w", o.run.Sender, err)
	}
	if o.recvConn, err = o.net.Connect(o.run.Addresses[o.run.Receiver], o); err != nil {
		return fmt.Errorf("connect receiver %s: %w", o.run.Receiver, err)
	}
	if o.sender, err = o.sendConn.OpenSender(o.run.Address, transport.SenderOptions{Name: "traffic-sender"}); err != nil {
		return fmt.Errorf("open sender: %w", err)
	}
	if o.receiver, err = o.recvConn.OpenReceiver(o.run.Address, transport.ReceiverOptions{Name: "traffic-receiver", Credit: o.run.Prefetch}); err != nil {
		return fmt.Errorf("open receiver: %w", err)
	}

	for _, id := range model.AllNodes() {
		n := &o.nodes[id]
		if n.conn, err = o.net.Connect(o.run.Addresses[id], o); err != nil {
			return fmt.Errorf("connect management %s: %w", id, err)
		}
		if n.sender, err = n.conn.OpenSender(transport.ManagementAddress, transport.SenderOptions{Name: "mgmt-sender-" + id.String()}); err != nil {
			return fmt.Errorf("open management sender %s: %w", id, err)
		}
		n.replies, err = n.conn.OpenReceiver("", transport.ReceiverOptions{
			Name:    "mgmt-replies-" + id.String(),
			Credit:  o.run.ManagementCredit,
			Dynamic: true,
		})
		if err != nil {
			return fmt.Errorf("open management receiver %s: %w", id, err)
		}
	}
	return nil
}

func (o *Orchestrator) enterPhase(p Phase, why string) {
	if o.phaseSpan != nil {
		o.phaseSpan.End()
		o.phaseSpan = nil
	}
	from := o.phase
	o.phase = p
	o.metrics.SetPhase(int(p))
	o.log.Info(o.ctx, "phase transition",
		logging.String("from", from.String()),
		logging.String("to", p.String()),
		logging.String("because", why),
	)
	if p != PhaseBailing {
		_, o.phaseSpan = observability.StartSpan(o.ctx, "dispocheck.phase."+p.String())
	}
}

// onDeadline fails the run whatever phase it is in.
func (o *Orchestrator) onDeadline() {
	o.deadlineTimer = ""
	if o.phase == PhaseBailing {
		return
	}
	o.logUnsettled("deadline expired")
	o.bail(fmt.Sprintf("deadline expired: sent=%d released=%d accepted=%d",
		o.tracker.Sent(), o.tracker.Released(), o.tracker.Accepted()))
}

// onSendTimer fires every SendInterval: it handles the tick, then schedules
// the next one unless the run has ended.
func (o *Orchestrator) onSendTimer() {
	o.sendTimer = ""
	if o.phase == PhaseBailing {
		return
	}
	o.ticks++
	o.handleTick()
	if o.phase != PhaseBailing {
		o.sendTimer = sched.After(o.sched, o.run.SendInterval, o.onSendTimer)
	}
}

func (o *Orchestrator) handleTick() {
	switch o.phase {
	case PhaseSending:
		if o.run.Trigger.Due(perturb.TriggerTicks, o.ticks) {
			o.perturb()
		}
		o.sendBurst()
		if o.phase == PhaseSending && o.tracker.Sent() >= o.run.TotalMessages {
			o.enterPhase(PhaseDoneSending, fmt.Sprintf("sent %d messages", o.run.TotalMessages))
		}
	case PhaseDoneSending:
		if o.tracker.Settled() {
			o.finish()
			return
		}
	}

	gap := o.tracker.Pending()
	o.metrics.SetGap(gap)
	if o.phase != PhaseDoneSending {
		return
	}
	now := o.sched.Now()
	if gap < o.run.BurstSize {
		if !o.troubleStart.IsZero() {
			o.metrics.ObserveTrouble(now.Sub(o.troubleStart))
			o.troubleStart = time.Time{}
		}
		return
	}
	if o.troubleStart.IsZero() {
		o.troubleStart = now
		o.log.Debug(o.ctx, "disposition gap opened", logging.Int("gap", gap))
		return
	}
	trouble := now.Sub(o.troubleStart)
	if trouble >= o.run.TroubleThreshold {
		o.metrics.ObserveTrouble(trouble)
		o.enterPhase(PhasePostMortem, fmt.Sprintf("gap of %d lasted %s", gap, trouble))
		o.logUnsettled("post-mortem")
		o.checkLinks()
	}
}

// finish ends a run whose every message has a disposition.
func (o *Orchestrator) finish() {
	if o.run.RequireConfirmation && (o.confirmedKills == 0 || o.confirmedKills < o.plan.Cursor()) {
		o.bail(reasonNoConfirmation)
		return
	}
	o.bail("")
}

func (o *Orchestrator) sendBurst() {
	for i := 0; i < o.run.BurstSize && o.tracker.Sent() < o.run.TotalMessages; i++ {
		if o.sender.Credit() <= 0 {
			o.log.Debug(o.ctx, "sender out of credit", logging.Int("sent", o.tracker.Sent()))
			return
		}
		seq := o.tracker.Sent()
		msg := &transport.Message{To: o.run.Address, Body: seq}
		if err := o.sender.Send(msg, fmt.Sprint(seq)); err != nil {
			o.log.Warn(o.ctx, "send failed", logging.Int("seq", seq), logging.Err(err))
			return
		}
		o.tracker.Track(o.sched.Now())
		o.metrics.IncSent()
	}
}

// perturb issues the next removal of the plan, if any.
func (o *Orchestrator) perturb() {
	step, ok := o.plan.Next()
	if !ok {
		return
	}
	n := &o.nodes[step.Node]
	req := mgmt.BuildDelete(step.Node, step.Connector, n.replies.Address())
	o.log.Info(o.ctx, "removing connector",
		logging.String("step", step.String()),
		logging.Int("cursor", o.plan.Cursor()),
		logging.Int("sent", o.tracker.Sent()),
	)
	o.metrics.ObservePerturbation("issued")
	o.request(req)
}

// checkLinks asks every router for its link table and counts the replies.
func (o *Orchestrator) checkLinks() {
	o.linkChecks = int(model.NumNodes)
	for _, id := range model.AllNodes() {
		o.request(mgmt.BuildLinkQuery(id, o.nodes[id].replies.Address()))
		if o.phase == PhaseBailing {
			return
		}
	}
}

// queryTopology reads every expected connector owned by node.
func (o *Orchestrator) queryTopology(id model.NodeID) {
	n := &o.nodes[id]
	if n.queried || !n.senderUp || !n.repliesUp {
		return
	}
	n.queried = true
	for _, c := range o.run.Topology.OwnedBy(id) {
		if !o.expected[c.Name] {
			continue
		}
		o.log.Debug(o.ctx, "checking connector", logging.String("node", id.String()), logging.String("connector", c.Name))
		o.request(mgmt.BuildQuery(id, c.Name, n.replies.Address()))
		if o.phase == PhaseBailing {
			return
		}
	}
}

func (o *Orchestrator) request(req mgmt.Request) {
	n := &o.nodes[req.Node]
	if err := n.sender.Send(req.Message, req.ID); err != nil {
		o.bail(fmt.Sprintf("%s request to %s: %v", req.Kind, req.Node, err))
		return
	}
	o.pending.Add(req)
}

func (o *Orchestrator) logUnsettled(when string) {
	s := o.tracker.Summary()
	o.log.Warn(o.ctx, "unsettled messages",
		logging.String("when", when),
		logging.Int("unsettled", s.Unsettled),
		logging.String("first", s.First),
		logging.String("last", s.Last),
		logging.Duration("oldest_age", o.age(s.Oldest)),
	)
}

func (o *Orchestrator) age(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return o.sched.Now().Sub(t)
}

// bail ends the run. An empty reason is success. It is the only way into
// PhaseBailing and runs at most once.
func (o *Orchestrator) bail(reason string) {
	if o.phase == PhaseBailing {
		return
	}
	if o.deadlineTimer != "" {
		o.sched.Cancel(o.deadlineTimer)
		o.deadlineTimer = ""
	}
	if o.sendTimer != "" {
		o.sched.Cancel(o.sendTimer)
		o.sendTimer = ""
	}
	why := "success"
	if reason != "" {
		why = reason
	}
	o.enterPhase(PhaseBailing, why)

	for _, c := range o.connections() {
		if err := c.Close(); err != nil {
			o.log.Warn(o.ctx, "close connection", logging.String("address", c.Address()), logging.Err(err))
		}
	}
	o.pending.Clear()

	o.result = Result{
		Passed:         reason == "",
		Reason:         reason,
		Sent:           o.tracker.Sent(),
		Accepted:       o.tracker.Accepted(),
		Released:       o.tracker.Released(),
		Received:       o.received,
		ConfirmedKills: o.confirmedKills,
		Elapsed:        o.sched.Now().Sub(o.started),
	}
	o.metrics.SetResult(o.result.Passed)

	fields := []logging.Field{
		logging.Bool("passed", o.result.Passed),
		logging.Int("sent", o.result.Sent),
		logging.Int("accepted", o.result.Accepted),
		logging.Int("released", o.result.Released),
		logging.Int("received", o.result.Received),
		logging.Int("confirmed_kills", o.result.ConfirmedKills),
		logging.Duration("elapsed", o.result.Elapsed),
	}
	if o.runSpan != nil {
		o.runSpan.SetAttributes(
			attribute.Int("sent", o.result.Sent),
			attribute.Int("accepted", o.result.Accepted),
			attribute.Int("released", o.result.Released),
		)
		if !o.result.Passed {
			o.runSpan.SetStatus(codes.Error, reason)
		}
		o.runSpan.End()
	}
	if o.result.Passed {
		o.log.Info(o.ctx, "run passed", fields...)
	} else {
		o.log.Error(o.ctx, "run failed", append(fields, logging.String("reason", reason))...)
	}
	close(o.done)
}

// connections lists every opened connection once.
func (o *Orchestrator) connections() []transport.Connection {
	out := make([]transport.Connection, 0, 2+model.NumNodes)
	for _, c := range []transport.Connection{o.sendConn, o.recvConn} {
		if c != nil {
			out = append(out, c)
		}
	}
	for _, n := range o.nodes {
		if n.conn != nil {
			out = append(out, n.conn)
		}
	}
	return out
}
