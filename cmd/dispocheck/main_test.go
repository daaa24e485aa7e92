package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/disposition-checker/internal/config"
	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/observability"
)

func newCollector(t *testing.T) *observability.RunCollector {
	t.Helper()
	c, err := observability.NewRunCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func TestSimulatedScenariosPass(t *testing.T) {
	for _, scenario := range []string{config.ScenarioChurn, config.ScenarioSpurious} {
		t.Run(scenario, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			metrics := newCollector(t)

			res, err := run(ctx, Options{
				Scenario:    scenario,
				Transport:   transportSim,
				Accelerated: true,
				Tick:        10 * time.Millisecond,
			}, logging.Noop(), metrics)
			require.NoError(t, err)
			require.True(t, res.Passed, res.Reason)
			assert.Equal(t, res.Sent, res.Accepted+res.Released)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Result))
		})
	}
}

func TestRunFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: small
nodes:
  - {id: A, address: "sim://A"}
  - {id: B, address: "sim://B"}
  - {id: C, address: "sim://C"}
  - {id: D, address: "sim://D"}
connectors:
  - {name: AB, owner: B, peer: A, cost: 100}
  - {name: AC, owner: C, peer: A, cost: 50}
  - {name: BC, owner: C, peer: B, cost: 1}
  - {name: AD, owner: D, peer: A, cost: 1}
  - {name: BD, owner: D, peer: B, cost: 20}
  - {name: CD, owner: D, peer: C, cost: 1}
expected_edges: [AB, AC, AD, BC, BD, CD]
traffic:
  sender: A
  receiver: B
  address: closest/02
  total_messages: 40
  burst_size: 4
  send_interval: 500ms
  prefetch: 10
perturb:
  trigger: ticks
  every: 4
  steps:
    - {node: D, connector: CD}
deadline: 60s
trouble_threshold: 20s
management_credit: 100
`), 0o600))

	res, err := run(context.Background(), Options{ConfigPath: path, Transport: transportSim, Accelerated: true}, logging.Noop(), newCollector(t))
	require.NoError(t, err)
	require.True(t, res.Passed, res.Reason)
	assert.Equal(t, 40, res.Sent)
	assert.Equal(t, 1, res.ConfirmedKills)
}

func TestRunRejectsBadOptions(t *testing.T) {
	_, err := run(context.Background(), Options{Scenario: "nope", Transport: transportSim}, logging.Noop(), newCollector(t))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = run(context.Background(), Options{Scenario: config.ScenarioChurn, Transport: "carrier-pigeon"}, logging.Noop(), newCollector(t))
	assert.ErrorContains(t, err, "unknown transport")

	_, err = run(context.Background(), Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}, logging.Noop(), newCollector(t))
	assert.Error(t, err)
}

func TestAddressPrefixSelectsTransport(t *testing.T) {
	cfg, err := loadConfig(Options{Scenario: config.ScenarioSpurious, AddressPrefix: "amqp://127.0.0.1:5672/"})
	require.NoError(t, err)
	r, err := cfg.Run()
	require.NoError(t, err)
	for _, addr := range r.Addresses {
		assert.Contains(t, addr, "amqp://127.0.0.1:5672/")
	}
}

func TestInterruptedSimulationReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := run(ctx, Options{Scenario: config.ScenarioChurn, Transport: transportSim, Tick: 10 * time.Millisecond}, logging.Noop(), newCollector(t))
	assert.ErrorIs(t, err, errInterrupted)
}
