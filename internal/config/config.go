// Package config loads and validates the parameters of one disposition
// check: the mesh under test, where to reach each router, the traffic
// profile and the order in which connectors are removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/disposition-checker/internal/perturb"
	"github.com/signalsfoundry/disposition-checker/model"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// NodeConfig is one router as reached by the orchestrator.
type NodeConfig struct {
	ID      string `yaml:"id" validate:"required,len=1"`
	Address string `yaml:"address" validate:"required"`
}

// ConnectorConfig describes one inter-router connector.
type ConnectorConfig struct {
	Name  string `yaml:"name" validate:"required"`
	Owner string `yaml:"owner" validate:"required,len=1"`
	Peer  string `yaml:"peer" validate:"required,len=1"`
	Cost  int    `yaml:"cost" validate:"min=1"`
}

// StepConfig is one connector removal.
type StepConfig struct {
	Node      string `yaml:"node" validate:"required,len=1"`
	Connector string `yaml:"connector" validate:"required"`
}

// PerturbConfig controls when and what gets removed.
type PerturbConfig struct {
	Trigger string       `yaml:"trigger" validate:"omitempty,oneof=ticks received"`
	Every   int          `yaml:"every" validate:"min=1"`
	Steps   []StepConfig `yaml:"steps" validate:"dive"`
}

// TrafficConfig is the message profile of a run.
type TrafficConfig struct {
	Sender        string        `yaml:"sender" validate:"required,len=1"`
	Receiver      string        `yaml:"receiver" validate:"required,len=1"`
	Address       string        `yaml:"address" validate:"required"`
	TotalMessages int           `yaml:"total_messages" validate:"min=1"`
	BurstSize     int           `yaml:"burst_size" validate:"min=1"`
	InitialDelay  time.Duration `yaml:"initial_delay" validate:"gte=0"`
	SendInterval  time.Duration `yaml:"send_interval" validate:"gt=0"`
	Prefetch      int           `yaml:"prefetch" validate:"min=1"`
}

// MeshConfig parameterises the simulated mesh and the link windows of real
// transports.
type MeshConfig struct {
	LinkCapacity     int           `yaml:"link_capacity" validate:"min=1"`
	HopLatency       time.Duration `yaml:"hop_latency" validate:"gte=0"`
	ConvergenceDelay time.Duration `yaml:"convergence_delay" validate:"gte=0"`
	StrandOnRemoval  bool          `yaml:"strand_on_removal"`
}

// Config is the on-disk form of a run.
type Config struct {
	Name             string            `yaml:"name" validate:"required"`
	Nodes            []NodeConfig      `yaml:"nodes" validate:"len=4,dive"`
	Connectors       []ConnectorConfig `yaml:"connectors" validate:"required,dive"`
	ExpectedEdges    []string          `yaml:"expected_edges" validate:"required,dive,required"`
	Traffic          TrafficConfig     `yaml:"traffic"`
	Perturb          PerturbConfig     `yaml:"perturb"`
	Mesh             MeshConfig        `yaml:"mesh"`
	ManagementCredit int               `yaml:"management_credit" validate:"min=1"`
	Deadline         time.Duration     `yaml:"deadline" validate:"gt=0"`
	TroubleThreshold time.Duration     `yaml:"trouble_threshold" validate:"gt=0"`

	// FailOnRelease makes any released or modified delivery fatal.
	FailOnRelease bool `yaml:"fail_on_release"`
	// RequireConfirmation fails a run whose removals were never confirmed
	// with 204 No Content.
	RequireConfirmation bool `yaml:"require_confirmation"`
}

// Run is a validated Config resolved into domain types.
type Run struct {
	Name             string
	Addresses        [model.NumNodes]string
	Topology         model.Topology
	ExpectedEdges    []string
	Sender           model.NodeID
	Receiver         model.NodeID
	Address          string
	TotalMessages    int
	BurstSize        int
	InitialDelay     time.Duration
	SendInterval     time.Duration
	Prefetch         int
	ManagementCredit int
	LinkCapacity     int
	Deadline         time.Duration
	TroubleThreshold time.Duration
	Trigger          perturb.Trigger
	Steps            []perturb.Step

	FailOnRelease       bool
	RequireConfirmation bool
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Traffic.Prefetch == 0 {
		cfg.Traffic.Prefetch = 10
	}
	if cfg.Traffic.SendInterval == 0 {
		cfg.Traffic.SendInterval = 500 * time.Millisecond
	}
	if cfg.Perturb.Trigger == "" {
		cfg.Perturb.Trigger = "ticks"
	}
	if cfg.Perturb.Every == 0 {
		cfg.Perturb.Every = 20
	}
	if cfg.Mesh.LinkCapacity == 0 {
		cfg.Mesh.LinkCapacity = 1000
	}
	if cfg.ManagementCredit == 0 {
		cfg.ManagementCredit = 100
	}
	if cfg.TroubleThreshold == 0 {
		cfg.TroubleThreshold = 20 * time.Second
	}
}

// Validate checks struct tags first and then the cross references between
// nodes, connectors, expected edges and plan steps.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, formatValidationError(err))
	}
	_, err := c.Run()
	return err
}

// Run resolves the config into domain types.
func (c *Config) Run() (Run, error) {
	run := Run{
		Name:                c.Name,
		Address:             c.Traffic.Address,
		TotalMessages:       c.Traffic.TotalMessages,
		BurstSize:           c.Traffic.BurstSize,
		InitialDelay:        c.Traffic.InitialDelay,
		SendInterval:        c.Traffic.SendInterval,
		Prefetch:            c.Traffic.Prefetch,
		ManagementCredit:    c.ManagementCredit,
		LinkCapacity:        c.Mesh.LinkCapacity,
		Deadline:            c.Deadline,
		TroubleThreshold:    c.TroubleThreshold,
		FailOnRelease:       c.FailOnRelease,
		RequireConfirmation: c.RequireConfirmation,
	}

	seen := [model.NumNodes]bool{}
	for _, n := range c.Nodes {
		id, err := model.ParseNodeID(n.ID)
		if err != nil {
			return Run{}, fmt.Errorf("%w: nodes: %w", ErrInvalidConfig, err)
		}
		if seen[id] {
			return Run{}, fmt.Errorf("%w: node %s listed twice", ErrInvalidConfig, id)
		}
		seen[id] = true
		run.Addresses[id] = n.Address
	}

	for _, cc := range c.Connectors {
		owner, err := model.ParseNodeID(cc.Owner)
		if err != nil {
			return Run{}, fmt.Errorf("%w: connector %q owner: %w", ErrInvalidConfig, cc.Name, err)
		}
		peer, err := model.ParseNodeID(cc.Peer)
		if err != nil {
			return Run{}, fmt.Errorf("%w: connector %q peer: %w", ErrInvalidConfig, cc.Name, err)
		}
		run.Topology.Connectors = append(run.Topology.Connectors, model.Connector{
			Name: cc.Name, Owner: owner, Peer: peer, Cost: cc.Cost,
		})
	}
	if err := run.Topology.Validate(); err != nil {
		return Run{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	dup := make(map[string]struct{}, len(c.ExpectedEdges))
	for _, name := range c.ExpectedEdges {
		if _, ok := run.Topology.Lookup(name); !ok {
			return Run{}, fmt.Errorf("%w: expected edge %q is not a configured connector", ErrInvalidConfig, name)
		}
		if _, ok := dup[name]; ok {
			return Run{}, fmt.Errorf("%w: expected edge %q listed twice", ErrInvalidConfig, name)
		}
		dup[name] = struct{}{}
	}
	run.ExpectedEdges = append([]string(nil), c.ExpectedEdges...)

	sender, err := model.ParseNodeID(c.Traffic.Sender)
	if err != nil {
		return Run{}, fmt.Errorf("%w: sender: %w", ErrInvalidConfig, err)
	}
	receiver, err := model.ParseNodeID(c.Traffic.Receiver)
	if err != nil {
		return Run{}, fmt.Errorf("%w: receiver: %w", ErrInvalidConfig, err)
	}
	run.Sender, run.Receiver = sender, receiver

	kind, err := perturb.ParseTriggerKind(c.Perturb.Trigger)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	run.Trigger = perturb.Trigger{Kind: kind, Every: c.Perturb.Every}

	for _, s := range c.Perturb.Steps {
		node, err := model.ParseNodeID(s.Node)
		if err != nil {
			return Run{}, fmt.Errorf("%w: step %s: %w", ErrInvalidConfig, s.Connector, err)
		}
		conn, ok := run.Topology.Lookup(s.Connector)
		if !ok {
			return Run{}, fmt.Errorf("%w: step references unknown connector %q", ErrInvalidConfig, s.Connector)
		}
		if conn.Owner != node {
			return Run{}, fmt.Errorf("%w: connector %q is owned by %s, not %s", ErrInvalidConfig, s.Connector, conn.Owner, node)
		}
		run.Steps = append(run.Steps, perturb.Step{Node: node, Connector: s.Connector})
	}

	return run, nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "gt":
			return fmt.Errorf("%s: must be greater than %s", field, param)
		case "len":
			return fmt.Errorf("%s: must have length %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}
	return err
}
