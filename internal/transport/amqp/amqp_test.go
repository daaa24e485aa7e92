package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/disposition-checker/internal/eventloop"
	"github.com/signalsfoundry/disposition-checker/internal/mgmt"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		out    transport.Outcome
		broken bool
	}{
		{"accepted", nil, transport.Accepted, false},
		{"rejected", &goamqp.Error{Condition: goamqp.ErrCondNotAllowed}, transport.Rejected, false},
		{"wrapped rejected", fmt.Errorf("send: %w", &goamqp.Error{Condition: goamqp.ErrCondInternalError}), transport.Rejected, false},
		{"link detached", &goamqp.LinkError{}, 0, true},
		{"connection gone", &goamqp.ConnError{}, 0, true},
		{"cancelled", context.Canceled, 0, true},
		{"other outcome", errors.New("unexpected message outcome"), transport.Released, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, broken := classify(tc.err)
			assert.Equal(t, tc.broken, broken)
			if !tc.broken {
				assert.Equal(t, tc.out, out)
			}
		})
	}
}

func TestManagementRequestMapping(t *testing.T) {
	req := mgmt.BuildDelete(model.NodeD, model.ConnectorCD, "_topo/0/D/temp.1")
	m := toAMQP(req.Message, req.ID)

	assert.Equal(t, []byte(req.ID), m.DeliveryTag)
	require.NotNil(t, m.Properties)
	assert.Equal(t, req.ID, m.Properties.MessageID)
	require.NotNil(t, m.Properties.To)
	assert.Equal(t, transport.ManagementAddress, *m.Properties.To)
	require.NotNil(t, m.Properties.ReplyTo)
	assert.Equal(t, "_topo/0/D/temp.1", *m.Properties.ReplyTo)
	assert.Equal(t, mgmt.OperationDelete, m.ApplicationProperties[mgmt.PropOperation])
	assert.Equal(t, model.ConnectorCD, m.ApplicationProperties[mgmt.PropName])
	assert.Equal(t, mgmt.TypeConnector, m.ApplicationProperties[mgmt.PropType])
}

func TestReplyMapping(t *testing.T) {
	corr := "c-9"
	m := &goamqp.Message{
		Properties: &goamqp.MessageProperties{CorrelationID: corr},
		ApplicationProperties: map[string]any{
			mgmt.PropStatusCode:        int32(204),
			mgmt.PropStatusDescription: "No Content",
		},
	}
	msg := fromAMQP(m)
	assert.Equal(t, corr, msg.CorrelationID)
	assert.Empty(t, msg.MessageID)
	assert.Nil(t, msg.Body)

	reply, err := mgmt.ParseReply(mgmt.Request{ID: corr, Node: model.NodeD, Kind: mgmt.KindDelete}, msg)
	require.NoError(t, err)
	assert.True(t, reply.Confirmed())
}

func TestReadReplyWithAMQPMapBody(t *testing.T) {
	m := &goamqp.Message{
		ApplicationProperties: map[string]any{mgmt.PropStatusCode: int32(200), mgmt.PropStatusDescription: "OK"},
		Value:                 map[any]any{"name": model.ConnectorBD, "role": "inter-router"},
	}
	reply, err := mgmt.ParseReply(mgmt.Request{Node: model.NodeD, Kind: mgmt.KindQuery}, fromAMQP(m))
	require.NoError(t, err)
	assert.Equal(t, model.ConnectorBD, reply.Name)
}

func TestConnectRejectsOtherSchemes(t *testing.T) {
	n := NewNetwork(context.Background(), transport.Inline, nil, 10)
	_, err := n.Connect("sim://A", nopHandler{})
	assert.ErrorIs(t, err, transport.ErrUnsupportedAddress)
}

type nopHandler struct{}

func (nopHandler) OnLinkOpened(transport.Link)                           {}
func (nopHandler) OnMessage(transport.Receiver, *transport.Message)      {}
func (nopHandler) OnOutcome(transport.Sender, string, transport.Outcome) {}
func (nopHandler) OnLinkError(transport.Link, error)                     {}

type errHandler struct {
	nopHandler
	errs chan error
}

func (h errHandler) OnLinkError(_ transport.Link, err error) { h.errs <- err }

func TestDialFailureFailsOpenLinks(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := eventloop.New(nil)
	go func() { _ = loop.Run(ctx) }()
	defer loop.Stop()

	h := errHandler{errs: make(chan error, 4)}
	n := NewNetwork(ctx, loop, nil, 10)

	opened := make(chan transport.Sender, 1)
	loop.Post(func() {
		defer close(opened)
		c, err := n.Connect("amqp://"+addr, h)
		if !assert.NoError(t, err) {
			return
		}
		s, err := c.OpenSender("closest/02", transport.SenderOptions{Name: "s"})
		if !assert.NoError(t, err) {
			return
		}
		assert.Zero(t, s.Credit())
		assert.ErrorIs(t, s.Send(&transport.Message{Body: 1}, "0"), transport.ErrNoCredit)
		opened <- s
	})
	require.NotNil(t, <-opened)

	select {
	case err := <-h.errs:
		assert.Contains(t, err.Error(), "dial")
	case <-time.After(10 * time.Second):
		t.Fatal("no link error after dial failure")
	}
}
