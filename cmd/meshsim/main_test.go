package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/disposition-checker/internal/config"
	"github.com/signalsfoundry/disposition-checker/internal/eventloop"
	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/internal/transport/meshrpc"
)

type openedHandler struct {
	opened chan transport.Link
	errs   chan error
}

func (openedHandler) OnMessage(transport.Receiver, *transport.Message)      {}
func (openedHandler) OnOutcome(transport.Sender, string, transport.Outcome) {}

func (h openedHandler) OnLinkOpened(l transport.Link) {
	select {
	case h.opened <- l:
	default:
	}
}

func (h openedHandler) OnLinkError(_ transport.Link, err error) {
	select {
	case h.errs <- err:
	default:
	}
}

func TestMeshServerStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := Config{
		ListenAddress: lis.Addr().String(),
		Scenario:      config.ScenarioSpurious,
	}
	serverCtx, stopServer := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- run(serverCtx, cfg, logging.Noop(), lis) }()

	loop := eventloop.New(nil)
	go func() { _ = loop.Run(ctx) }()
	defer loop.Stop()
	network := meshrpc.NewNetwork(ctx, loop, nil)
	defer network.Close()

	h := openedHandler{opened: make(chan transport.Link, 1), errs: make(chan error, 1)}
	loop.Post(func() {
		c, err := network.Connect(meshrpc.Scheme+cfg.ListenAddress+"/B", h)
		if err != nil {
			h.OnLinkError(nil, err)
			return
		}
		if _, err := c.OpenReceiver("closest/01", transport.ReceiverOptions{Name: "smoke", Credit: 10}); err != nil {
			h.OnLinkError(nil, err)
		}
	})

	select {
	case l := <-h.opened:
		assert.Equal(t, "smoke", l.Name())
	case err := <-h.errs:
		t.Fatalf("attach failed: %v", err)
	case <-ctx.Done():
		t.Fatal("receiver never opened")
	}

	require.NoError(t, network.Close())
	stopServer()
	require.NoError(t, <-errCh)
}

func TestMeshOptionsFromScenario(t *testing.T) {
	opts, err := meshOptions(Config{Scenario: config.ScenarioChurn, Strand: true})
	require.NoError(t, err)
	assert.Len(t, opts.Topology.Connectors, 7)
	assert.True(t, opts.StrandOnRemoval)

	_, err = meshOptions(Config{Scenario: "unknown"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
