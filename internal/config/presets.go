package config

import (
	"time"

	"github.com/signalsfoundry/disposition-checker/model"
)

// Scenario names accepted by Preset.
const (
	ScenarioChurn    = "churn"
	ScenarioSpurious = "spurious"
)

// Preset returns the built-in config for a scenario name.
func Preset(name string) (*Config, bool) {
	switch name {
	case ScenarioChurn:
		return Churn(), true
	case ScenarioSpurious:
		return SpuriousConnector(), true
	default:
		return nil, false
	}
}

// Churn sends 700 messages from A to B in bursts of ten every half second
// while three connectors are removed, one every twenty sender ticks, in
// lowest-alternate-cost-first order: CD, then BD, then BC.
func Churn() *Config {
	return &Config{
		Name:          ScenarioChurn,
		Nodes:         simNodes(),
		Connectors:    fourMesh(),
		ExpectedEdges: []string{model.ConnectorAB, model.ConnectorAC, model.ConnectorAD, model.ConnectorBC, model.ConnectorBD, model.ConnectorCD},
		Traffic: TrafficConfig{
			Sender:        "A",
			Receiver:      "B",
			Address:       "closest/02",
			TotalMessages: 700,
			BurstSize:     10,
			SendInterval:  500 * time.Millisecond,
			Prefetch:      10,
		},
		Perturb: PerturbConfig{
			Trigger: "ticks",
			Every:   20,
			Steps: []StepConfig{
				{Node: "D", Connector: model.ConnectorCD},
				{Node: "D", Connector: model.ConnectorBD},
				{Node: "C", Connector: model.ConnectorBC},
			},
		},
		Mesh:             defaultMesh(),
		ManagementCredit: 100,
		Deadline:         100 * time.Second,
		TroubleThreshold: 20 * time.Second,
	}
}

// SpuriousConnector sends 30 messages from A to B and, once B has received
// thirteen of them, deletes AD2, a connector no route uses. Any release fails
// the run and the removal must be confirmed.
func SpuriousConnector() *Config {
	return &Config{
		Name:       ScenarioSpurious,
		Nodes:      simNodes(),
		Connectors: fourMesh(),
		ExpectedEdges: []string{
			model.ConnectorAB, model.ConnectorAC, model.ConnectorAD, model.ConnectorAD2,
			model.ConnectorBC, model.ConnectorBD, model.ConnectorCD,
		},
		Traffic: TrafficConfig{
			Sender:        "A",
			Receiver:      "B",
			Address:       "closest/01",
			TotalMessages: 30,
			BurstSize:     3,
			InitialDelay:  2 * time.Second,
			SendInterval:  500 * time.Millisecond,
			Prefetch:      100,
		},
		Perturb: PerturbConfig{
			Trigger: "received",
			Every:   13,
			Steps:   []StepConfig{{Node: "D", Connector: model.ConnectorAD2}},
		},
		Mesh:                defaultMesh(),
		ManagementCredit:    100,
		Deadline:            60 * time.Second,
		TroubleThreshold:    20 * time.Second,
		FailOnRelease:       true,
		RequireConfirmation: true,
	}
}

func simNodes() []NodeConfig {
	nodes := make([]NodeConfig, 0, model.NumNodes)
	for _, id := range model.AllNodes() {
		nodes = append(nodes, NodeConfig{ID: id.String(), Address: "sim://" + id.String()})
	}
	return nodes
}

func fourMesh() []ConnectorConfig {
	mesh := model.FourMesh()
	out := make([]ConnectorConfig, 0, len(mesh.Connectors))
	for _, c := range mesh.Connectors {
		out = append(out, ConnectorConfig{Name: c.Name, Owner: c.Owner.String(), Peer: c.Peer.String(), Cost: c.Cost})
	}
	return out
}

func defaultMesh() MeshConfig {
	return MeshConfig{
		LinkCapacity:     1000,
		HopLatency:       2 * time.Millisecond,
		ConvergenceDelay: 1 * time.Second,
	}
}
