package orchestrator

import (
	"fmt"
	"strconv"

	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/mgmt"
	"github.com/signalsfoundry/disposition-checker/internal/perturb"
	"github.com/signalsfoundry/disposition-checker/internal/tracker"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

var _ transport.Handler = (*Orchestrator)(nil)

// OnLinkOpened implements transport.Handler. Once both halves of a router's
// control-plane pair are open its connectors are queried.
func (o *Orchestrator) OnLinkOpened(l transport.Link) {
	if o.phase == PhaseBailing {
		return
	}
	if o.phase == PhaseStarting {
		o.enterPhase(PhaseTopologyChecking, "link opened")
	}
	for _, id := range model.AllNodes() {
		n := &o.nodes[id]
		switch {
		case n.sender != nil && l == transport.Link(n.sender):
			n.senderUp = true
		case n.replies != nil && l == transport.Link(n.replies):
			n.repliesUp = true
		default:
			continue
		}
		if o.phase == PhaseTopologyChecking {
			o.queryTopology(id)
		}
		return
	}
}

// OnMessage implements transport.Handler.
func (o *Orchestrator) OnMessage(r transport.Receiver, msg *transport.Message) {
	if o.phase == PhaseBailing {
		return
	}
	if o.receiver != nil && r == o.receiver {
		o.received++
		o.metrics.IncReceived()
		if o.phase == PhaseSending && o.run.Trigger.Due(perturb.TriggerReceived, o.received) {
			o.perturb()
		}
		return
	}
	id, ok := o.replyNode(r)
	if !ok {
		o.log.Warn(o.ctx, "message on unknown link", logging.String("link", r.Name()))
		return
	}
	o.handleReply(id, msg)
}

// OnOutcome implements transport.Handler. Only outcomes of the traffic
// sender are tracked; control requests are answered through replies.
func (o *Orchestrator) OnOutcome(s transport.Sender, tag string, out transport.Outcome) {
	if o.phase == PhaseBailing || o.sender == nil || s != o.sender {
		return
	}
	if out == transport.Rejected {
		o.metrics.ObserveDisposition(out.String())
		o.bail(fmt.Sprintf("message %s was rejected", tag))
		return
	}
	rec, ok := o.tracker.Settle(tag, out, o.sched.Now())
	if !ok {
		o.log.Debug(o.ctx, "ignoring outcome", logging.String("tag", tag), logging.String("outcome", out.String()))
		return
	}
	o.metrics.ObserveDisposition(out.String())
	if rec.Status == tracker.StatusReleased && o.run.FailOnRelease {
		o.bail(fmt.Sprintf("message %s was %s", tag, out))
	}
}

// OnLinkError implements transport.Handler. A broken link ends the run.
func (o *Orchestrator) OnLinkError(l transport.Link, err error) {
	if o.phase == PhaseBailing {
		return
	}
	o.bail(fmt.Sprintf("link %s failed: %v", l.Name(), err))
}

func (o *Orchestrator) replyNode(r transport.Receiver) (model.NodeID, bool) {
	for _, id := range model.AllNodes() {
		if o.nodes[id].replies != nil && r == o.nodes[id].replies {
			return id, true
		}
	}
	return 0, false
}

func (o *Orchestrator) handleReply(id model.NodeID, msg *transport.Message) {
	req, err := o.pending.Match(id, msg)
	if err != nil {
		o.bail(err.Error())
		return
	}
	reply, err := mgmt.ParseReply(req, msg)
	if err != nil {
		o.bail(err.Error())
		return
	}
	o.metrics.ObserveControlReply(id.String(), req.Kind.String(), strconv.Itoa(reply.StatusCode))

	switch req.Kind {
	case mgmt.KindQuery:
		o.handleConnectorReply(reply)
	case mgmt.KindDelete:
		o.handleDeleteReply(reply)
	case mgmt.KindLinkQuery:
		o.handleLinkReply(reply)
	}
}

func (o *Orchestrator) handleConnectorReply(reply mgmt.Reply) {
	if o.phase != PhaseTopologyChecking {
		return
	}
	if reply.StatusCode != mgmt.StatusOK {
		o.log.Warn(o.ctx, "connector check failed",
			logging.String("node", reply.Request.Node.String()),
			logging.String("connector", reply.Request.Connector),
			logging.Int("status", reply.StatusCode),
			logging.String("description", reply.StatusDescription),
		)
		return
	}
	if !o.expected[reply.Name] {
		o.bail(fmt.Sprintf("%v: bad connection name: %s", mgmt.ErrProtocolDesync, reply.Name))
		return
	}
	o.found[reply.Name] = true
	o.log.Debug(o.ctx, "connector found", logging.String("connector", reply.Name), logging.Int("found", len(o.found)))
	if len(o.found) == len(o.expected) {
		o.enterPhase(PhaseLinkChecking, fmt.Sprintf("found %d connectors", len(o.found)))
		o.checkLinks()
	}
}

func (o *Orchestrator) handleDeleteReply(reply mgmt.Reply) {
	fields := []logging.Field{
		logging.String("node", reply.Request.Node.String()),
		logging.String("connector", reply.Request.Connector),
		logging.Int("status", reply.StatusCode),
	}
	if !reply.Confirmed() {
		o.log.Warn(o.ctx, "connector removal not confirmed", fields...)
		return
	}
	o.confirmedKills++
	o.metrics.ObservePerturbation("confirmed")
	o.log.Info(o.ctx, "connector removal confirmed", append(fields, logging.Int("confirmed", o.confirmedKills))...)
}

func (o *Orchestrator) handleLinkReply(reply mgmt.Reply) {
	node := reply.Request.Node.String()
	if reply.StatusCode == mgmt.StatusOK {
		totals := reply.Links.Totals()
		o.log.Info(o.ctx, "link table",
			logging.String("node", node),
			logging.String("phase", o.phase.String()),
			logging.Int("links", len(reply.Links)),
			logging.Int("undelivered", totals.Undelivered),
			logging.Int("unsettled", totals.Unsettled),
			logging.Int("released", totals.Released),
			logging.Int("modified", totals.Modified),
		)
		o.log.Debug(o.ctx, "link table rows", logging.String("node", node), logging.String("table", reply.Links.String()))
	} else {
		o.log.Warn(o.ctx, "link query failed", logging.String("node", node), logging.Int("status", reply.StatusCode))
	}

	if o.phase != PhaseLinkChecking && o.phase != PhasePostMortem {
		return
	}
	o.linkChecks--
	if o.linkChecks > 0 {
		return
	}
	if o.phase == PhaseLinkChecking {
		o.enterPhase(PhaseSending, "link check complete")
		if o.run.InitialDelay <= 0 {
			o.sendBurst()
		}
		return
	}
	o.bail(reasonPostMortem)
}
