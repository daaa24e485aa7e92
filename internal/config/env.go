package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/disposition-checker/model"
)

// ApplyEnv overrides fields from DISPOCHECK_* environment variables. Unset
// variables leave the config untouched.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"DISPOCHECK_TOTAL_MESSAGES", &c.Traffic.TotalMessages},
		{"DISPOCHECK_BURST_SIZE", &c.Traffic.BurstSize},
		{"DISPOCHECK_PREFETCH", &c.Traffic.Prefetch},
		{"DISPOCHECK_LINK_CAPACITY", &c.Mesh.LinkCapacity},
	}
	for _, f := range ints {
		raw := getenv(f.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, f.key, err)
		}
		*f.dst = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DISPOCHECK_SEND_INTERVAL", &c.Traffic.SendInterval},
		{"DISPOCHECK_DEADLINE", &c.Deadline},
		{"DISPOCHECK_TROUBLE_THRESHOLD", &c.TroubleThreshold},
		{"DISPOCHECK_CONVERGENCE_DELAY", &c.Mesh.ConvergenceDelay},
	}
	for _, f := range durations {
		raw := getenv(f.key)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, f.key, err)
		}
		*f.dst = v
	}

	if raw := getenv("DISPOCHECK_STRAND_ON_REMOVAL"); raw != "" {
		c.Mesh.StrandOnRemoval = strings.EqualFold(raw, "true")
	}

	for i := range c.Nodes {
		id, err := model.ParseNodeID(c.Nodes[i].ID)
		if err != nil {
			continue
		}
		if addr := getenv("DISPOCHECK_ADDR_" + id.String()); addr != "" {
			c.Nodes[i].Address = addr
		}
	}
	return nil
}

// WithAddressPrefix rewrites every node address to prefix+node id, e.g.
// "grpc://localhost:7070/" yields "grpc://localhost:7070/A".
func (c *Config) WithAddressPrefix(prefix string) {
	for i := range c.Nodes {
		c.Nodes[i].Address = prefix + strings.ToUpper(c.Nodes[i].ID)
	}
}
