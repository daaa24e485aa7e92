package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/disposition-checker/internal/perturb"
	"github.com/signalsfoundry/disposition-checker/model"
)

const sampleYAML = `
name: two-removals
nodes:
  - {id: A, address: "grpc://localhost:7070/A"}
  - {id: B, address: "grpc://localhost:7070/B"}
  - {id: C, address: "grpc://localhost:7070/C"}
  - {id: D, address: "grpc://localhost:7070/D"}
connectors:
  - {name: AB_connector, owner: B, peer: A, cost: 100}
  - {name: BC_connector, owner: C, peer: B, cost: 1}
  - {name: CD_connector, owner: D, peer: C, cost: 1}
  - {name: AD_connector, owner: D, peer: A, cost: 1}
expected_edges: [AB_connector, BC_connector, CD_connector, AD_connector]
traffic:
  sender: A
  receiver: B
  address: closest/03
  total_messages: 50
  burst_size: 5
  send_interval: 250ms
perturb:
  every: 4
  steps:
    - {node: D, connector: CD_connector}
deadline: 30s
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Traffic.SendInterval)
	assert.Equal(t, 10, cfg.Traffic.Prefetch)
	assert.Equal(t, "ticks", cfg.Perturb.Trigger)
	assert.Equal(t, 1000, cfg.Mesh.LinkCapacity)
	assert.Equal(t, 100, cfg.ManagementCredit)
	assert.Equal(t, 20*time.Second, cfg.TroubleThreshold)

	run, err := cfg.Run()
	require.NoError(t, err)
	assert.Equal(t, "grpc://localhost:7070/C", run.Addresses[model.NodeC])
	assert.Equal(t, model.NodeA, run.Sender)
	assert.Equal(t, model.NodeB, run.Receiver)
	assert.Equal(t, perturb.Trigger{Kind: perturb.TriggerTicks, Every: 4}, run.Trigger)
	assert.Equal(t, []perturb.Step{{Node: model.NodeD, Connector: model.ConnectorCD}}, run.Steps)
	assert.Len(t, run.Topology.Connectors, 4)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "two-removals", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPresetsValidate(t *testing.T) {
	for _, name := range []string{ScenarioChurn, ScenarioSpurious} {
		cfg, ok := Preset(name)
		require.True(t, ok, name)
		require.NoError(t, cfg.Validate(), name)
	}
	_, ok := Preset("nope")
	assert.False(t, ok)
}

func TestChurnPreset(t *testing.T) {
	run, err := Churn().Run()
	require.NoError(t, err)

	assert.Equal(t, 700, run.TotalMessages)
	assert.Equal(t, 10, run.BurstSize)
	assert.Equal(t, 500*time.Millisecond, run.SendInterval)
	assert.Equal(t, 100*time.Second, run.Deadline)
	assert.Len(t, run.ExpectedEdges, 6)
	assert.NotContains(t, run.ExpectedEdges, model.ConnectorAD2)
	assert.Equal(t, []perturb.Step{
		{Node: model.NodeD, Connector: model.ConnectorCD},
		{Node: model.NodeD, Connector: model.ConnectorBD},
		{Node: model.NodeC, Connector: model.ConnectorBC},
	}, run.Steps)
	assert.False(t, run.FailOnRelease)
}

func TestSpuriousPreset(t *testing.T) {
	run, err := SpuriousConnector().Run()
	require.NoError(t, err)

	assert.Equal(t, 30, run.TotalMessages)
	assert.Equal(t, 2*time.Second, run.InitialDelay)
	assert.Len(t, run.ExpectedEdges, 7)
	assert.Equal(t, perturb.Trigger{Kind: perturb.TriggerReceived, Every: 13}, run.Trigger)
	assert.True(t, run.FailOnRelease)
	assert.True(t, run.RequireConfirmation)
}

func TestValidateRejectsBadReferences(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown expected edge": func(c *Config) { c.ExpectedEdges = append(c.ExpectedEdges, "XY_connector") },
		"duplicate expected":    func(c *Config) { c.ExpectedEdges = append(c.ExpectedEdges, model.ConnectorAB) },
		"step wrong owner":      func(c *Config) { c.Perturb.Steps[0].Node = "A" },
		"step unknown":          func(c *Config) { c.Perturb.Steps[0].Connector = "nope" },
		"bad sender":            func(c *Config) { c.Traffic.Sender = "Z" },
		"duplicate node":        func(c *Config) { c.Nodes[1].ID = "A" },
		"zero burst":            func(c *Config) { c.Traffic.BurstSize = 0 },
		"zero deadline":         func(c *Config) { c.Deadline = 0 },
		"bad trigger":           func(c *Config) { c.Perturb.Trigger = "hourly" },
		"three nodes":           func(c *Config) { c.Nodes = c.Nodes[:3] },
		"self loop":             func(c *Config) { c.Connectors[0].Peer = c.Connectors[0].Owner },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Churn()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DISPOCHECK_TOTAL_MESSAGES":    "40",
		"DISPOCHECK_DEADLINE":          "15s",
		"DISPOCHECK_STRAND_ON_REMOVAL": "true",
		"DISPOCHECK_ADDR_B":            "amqp://router-b:5672",
	}
	cfg := Churn()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, 40, cfg.Traffic.TotalMessages)
	assert.Equal(t, 15*time.Second, cfg.Deadline)
	assert.True(t, cfg.Mesh.StrandOnRemoval)

	run, err := cfg.Run()
	require.NoError(t, err)
	assert.Equal(t, "amqp://router-b:5672", run.Addresses[model.NodeB])
	assert.Equal(t, "sim://A", run.Addresses[model.NodeA])

	bad := Churn()
	err = bad.applyEnv(func(k string) string {
		if k == "DISPOCHECK_BURST_SIZE" {
			return "ten"
		}
		return ""
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWithAddressPrefix(t *testing.T) {
	cfg := Churn()
	cfg.WithAddressPrefix("grpc://127.0.0.1:7070/")
	run, err := cfg.Run()
	require.NoError(t, err)
	assert.Equal(t, "grpc://127.0.0.1:7070/D", run.Addresses[model.NodeD])
}
