package netsim

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/disposition-checker/internal/mgmt"
	"github.com/signalsfoundry/disposition-checker/internal/sched"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	opened   []transport.Link
	messages map[transport.Receiver][]*transport.Message
	outcomes map[string]transport.Outcome
	errs     []error
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(map[transport.Receiver][]*transport.Message),
		outcomes: make(map[string]transport.Outcome),
	}
}

func (r *recorder) OnLinkOpened(l transport.Link) { r.opened = append(r.opened, l) }
func (r *recorder) OnMessage(rcv transport.Receiver, msg *transport.Message) {
	r.messages[rcv] = append(r.messages[rcv], msg)
}
func (r *recorder) OnOutcome(s transport.Sender, tag string, o transport.Outcome) {
	if s.Target() == transport.ManagementAddress {
		return
	}
	r.outcomes[tag] = o
}
func (r *recorder) OnLinkError(l transport.Link, err error) { r.errs = append(r.errs, err) }

func newMesh(t *testing.T, opts Options) (*Mesh, *sched.FakeEventScheduler) {
	t.Helper()
	if opts.Topology.Connectors == nil {
		opts.Topology = model.FourMesh()
	}
	s := sched.NewFakeEventScheduler(t0)
	m, err := New(s, opts, nil)
	require.NoError(t, err)
	return m, s
}

func TestRoutesFollowLowestCost(t *testing.T) {
	m, _ := newMesh(t, Options{})

	steps := []struct {
		remove string
		path   []model.NodeID
		cost   int
	}{
		{"", []model.NodeID{model.NodeA, model.NodeD, model.NodeC, model.NodeB}, 3},
		{model.ConnectorCD, []model.NodeID{model.NodeA, model.NodeD, model.NodeB}, 21},
		{model.ConnectorBD, []model.NodeID{model.NodeA, model.NodeC, model.NodeB}, 51},
		{model.ConnectorBC, []model.NodeID{model.NodeA, model.NodeB}, 100},
	}
	for _, step := range steps {
		if step.remove != "" {
			require.NoError(t, m.RemoveConnector(step.remove))
		}
		path, cost, ok := m.Route(model.NodeA, model.NodeB)
		require.True(t, ok, "after removing %q", step.remove)
		assert.Equal(t, step.path, path, "after removing %q", step.remove)
		assert.Equal(t, step.cost, cost, "after removing %q", step.remove)
	}

	assert.ErrorIs(t, m.RemoveConnector(model.ConnectorBC), ErrNoSuchConnector)
	assert.Equal(t, []string{model.ConnectorAB, model.ConnectorAC, model.ConnectorAD2, model.ConnectorAD}, m.LiveConnectors())
}

func TestParallelConnectorPrefersCheaper(t *testing.T) {
	m, _ := newMesh(t, Options{})
	path, cost, ok := m.Route(model.NodeA, model.NodeD)
	require.True(t, ok)
	assert.Equal(t, []model.NodeID{model.NodeA, model.NodeD}, path)
	assert.Equal(t, 1, cost)

	require.NoError(t, m.RemoveConnector(model.ConnectorAD))
	_, cost, _ = m.Route(model.NodeA, model.NodeD)
	assert.Equal(t, 11, cost, "AD2 takes over")
}

func TestRoutesConvergeAfterDelay(t *testing.T) {
	m, s := newMesh(t, Options{ConvergenceDelay: time.Second})
	require.NoError(t, m.RemoveConnector(model.ConnectorCD))
	assert.False(t, m.Converged())

	_, cost, _ := m.Route(model.NodeA, model.NodeB)
	assert.Equal(t, 3, cost, "stale route until convergence")

	s.Advance(time.Second)
	assert.True(t, m.Converged())
	_, cost, _ = m.Route(model.NodeA, model.NodeB)
	assert.Equal(t, 21, cost)
}

type endpoints struct {
	rec      *recorder
	sendConn transport.Connection
	recvConn transport.Connection
	sender   transport.Sender
	receiver transport.Receiver
}

func attach(t *testing.T, m *Mesh, s *sched.FakeEventScheduler, credit int) *endpoints {
	t.Helper()
	rec := newRecorder()
	sc, err := m.Connect("sim://A", rec)
	require.NoError(t, err)
	rc, err := m.Connect("sim://B", rec)
	require.NoError(t, err)

	snd, err := sc.OpenSender("closest/02", transport.SenderOptions{Name: "sender"})
	require.NoError(t, err)
	assert.Zero(t, snd.Credit(), "no credit before the link opens")

	rcv, err := rc.OpenReceiver("closest/02", transport.ReceiverOptions{Name: "receiver", Credit: credit})
	require.NoError(t, err)
	s.RunDue()
	require.Len(t, rec.opened, 2)
	return &endpoints{rec: rec, sendConn: sc, recvConn: rc, sender: snd, receiver: rcv}
}

func TestDeliveryAndSettlement(t *testing.T) {
	m, s := newMesh(t, Options{HopLatency: 5 * time.Millisecond})
	ep := attach(t, m, s, 2)
	assert.Equal(t, 1000, ep.sender.Credit())

	for i := 0; i < 5; i++ {
		require.NoError(t, ep.sender.Send(&transport.Message{Body: i}, strconv.Itoa(i)))
	}
	assert.Equal(t, 995, ep.sender.Credit())

	require.True(t, s.RunUntil(5*time.Millisecond, time.Second, func() bool { return len(ep.rec.outcomes) == 5 }))
	for i := 0; i < 5; i++ {
		assert.Equal(t, transport.Accepted, ep.rec.outcomes[strconv.Itoa(i)])
	}
	got := ep.rec.messages[ep.receiver]
	require.Len(t, got, 5)
	assert.Equal(t, 0, got[0].Body)
	assert.Equal(t, 4, got[4].Body)
	assert.Equal(t, 1000, ep.sender.Credit())
}

func TestNoConsumerMeansNoCredit(t *testing.T) {
	m, s := newMesh(t, Options{})
	rec := newRecorder()
	c, err := m.Connect("sim://A", rec)
	require.NoError(t, err)
	snd, err := c.OpenSender("closest/99", transport.SenderOptions{})
	require.NoError(t, err)
	s.RunDue()

	assert.Zero(t, snd.Credit())
	assert.ErrorIs(t, snd.Send(&transport.Message{}, "0"), transport.ErrNoCredit)
}

func TestRemovalReturnsInFlightAsModified(t *testing.T) {
	m, s := newMesh(t, Options{HopLatency: 10 * time.Millisecond, ConvergenceDelay: time.Second})
	ep := attach(t, m, s, 10)

	require.NoError(t, ep.sender.Send(&transport.Message{Body: 0}, "0"))
	s.Advance(5 * time.Millisecond)
	require.NoError(t, m.RemoveConnector(model.ConnectorCD))

	require.True(t, s.RunUntil(5*time.Millisecond, time.Second, func() bool { return len(ep.rec.outcomes) == 1 }))
	assert.Equal(t, transport.Modified, ep.rec.outcomes["0"])
	assert.Empty(t, ep.rec.messages[ep.receiver])

	s.Advance(time.Second)
	require.NoError(t, ep.sender.Send(&transport.Message{Body: 1}, "1"))
	require.True(t, s.RunUntil(5*time.Millisecond, time.Second, func() bool { return len(ep.rec.outcomes) == 2 }))
	assert.Equal(t, transport.Accepted, ep.rec.outcomes["1"], "converged route avoids CD")
}

func TestStrandOnRemovalKeepsDeliveryUnsettled(t *testing.T) {
	m, s := newMesh(t, Options{HopLatency: 10 * time.Millisecond, ConvergenceDelay: time.Second, StrandOnRemoval: true})
	ep := attach(t, m, s, 10)

	require.NoError(t, ep.sender.Send(&transport.Message{}, "0"))
	s.Advance(5 * time.Millisecond)
	require.NoError(t, m.RemoveConnector(model.ConnectorCD))

	s.Advance(2 * time.Second)
	assert.Empty(t, ep.rec.outcomes)
	assert.Equal(t, 999, ep.sender.Credit())
}

func TestReceiverDetachReleasesQueued(t *testing.T) {
	m, s := newMesh(t, Options{})
	ep := attach(t, m, s, 1)

	rcv := ep.receiver.(*receiver)
	rcv.credit = 0
	require.NoError(t, ep.sender.Send(&transport.Message{}, "0"))
	s.RunDue()
	require.Len(t, rcv.queue, 1)

	require.NoError(t, ep.recvConn.Close())
	require.NoError(t, ep.recvConn.Close())
	s.RunDue()
	assert.Equal(t, transport.Released, ep.rec.outcomes["0"])
	assert.Zero(t, ep.sender.Credit(), "consumer gone")
}

func TestConnectErrors(t *testing.T) {
	m, _ := newMesh(t, Options{})
	_, err := m.Connect("amqp://A", newRecorder())
	assert.ErrorIs(t, err, transport.ErrUnsupportedAddress)
	_, err = m.Connect("sim://Q", newRecorder())
	assert.ErrorIs(t, err, model.ErrUnknownNode)

	c, err := m.Connect("sim://A", newRecorder())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, err = c.OpenSender("x", transport.SenderOptions{})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

type mgmtClient struct {
	rec    *recorder
	sender transport.Sender
	reply  transport.Receiver
}

func openManagement(t *testing.T, m *Mesh, s *sched.FakeEventScheduler, node model.NodeID) *mgmtClient {
	t.Helper()
	rec := newRecorder()
	c, err := m.ConnectNode(node, rec)
	require.NoError(t, err)
	snd, err := c.OpenSender(transport.ManagementAddress, transport.SenderOptions{})
	require.NoError(t, err)
	rcv, err := c.OpenReceiver("", transport.ReceiverOptions{Dynamic: true, Credit: 100})
	require.NoError(t, err)
	assert.Empty(t, rcv.Address())
	s.RunDue()
	require.NotEmpty(t, rcv.Address())
	return &mgmtClient{rec: rec, sender: snd, reply: rcv}
}

func (c *mgmtClient) call(t *testing.T, s *sched.FakeEventScheduler, req mgmt.Request) mgmt.Reply {
	t.Helper()
	before := len(c.rec.messages[c.reply])
	require.NoError(t, c.sender.Send(req.Message, ""))
	require.True(t, s.RunUntil(time.Millisecond, time.Second, func() bool { return len(c.rec.messages[c.reply]) > before }))
	msg := c.rec.messages[c.reply][before]
	assert.Equal(t, req.ID, msg.CorrelationID)
	reply, err := mgmt.ParseReply(req, msg)
	require.NoError(t, err)
	return reply
}

func TestManagementReadDeleteQuery(t *testing.T) {
	m, s := newMesh(t, Options{HopLatency: time.Millisecond})
	d := openManagement(t, m, s, model.NodeD)

	reply := d.call(t, s, mgmt.BuildQuery(model.NodeD, model.ConnectorCD, d.reply.Address()))
	assert.Equal(t, mgmt.StatusOK, reply.StatusCode)
	assert.Equal(t, model.ConnectorCD, reply.Name)

	reply = d.call(t, s, mgmt.BuildQuery(model.NodeD, model.ConnectorAB, d.reply.Address()))
	assert.Equal(t, mgmt.StatusNotFound, reply.StatusCode, "AB is owned by B")

	reply = d.call(t, s, mgmt.BuildDelete(model.NodeD, model.ConnectorAD2, d.reply.Address()))
	assert.True(t, reply.Confirmed())
	assert.NotContains(t, m.LiveConnectors(), model.ConnectorAD2)

	reply = d.call(t, s, mgmt.BuildDelete(model.NodeD, model.ConnectorAD2, d.reply.Address()))
	assert.False(t, reply.Confirmed())

	reply = d.call(t, s, mgmt.BuildLinkQuery(model.NodeD, d.reply.Address()))
	require.True(t, reply.OK())
	var inter, endpoint int
	for _, row := range reply.Links {
		switch row.Type {
		case "inter-router":
			inter++
		case "endpoint":
			endpoint++
		}
	}
	assert.Equal(t, 3, inter, "AD, BD and CD remain on D")
	assert.Equal(t, 2, endpoint, "management sender and reply receiver")
}

func TestLinkQueryCountsDispositions(t *testing.T) {
	m, s := newMesh(t, Options{HopLatency: time.Millisecond})
	ep := attach(t, m, s, 10)
	for i := 0; i < 3; i++ {
		require.NoError(t, ep.sender.Send(&transport.Message{}, strconv.Itoa(i)))
	}
	require.True(t, s.RunUntil(time.Millisecond, time.Second, func() bool { return len(ep.rec.outcomes) == 3 }))

	a := openManagement(t, m, s, model.NodeA)
	reply := a.call(t, s, mgmt.BuildLinkQuery(model.NodeA, a.reply.Address()))
	var found bool
	for _, row := range reply.Links {
		if row.Name == "sender" {
			found = true
			assert.Equal(t, 3, row.Accepted)
			assert.Zero(t, row.Unsettled)
		}
		if row.Name == model.ConnectorAD {
			assert.Equal(t, 3, row.Accepted)
		}
	}
	assert.True(t, found)
}
