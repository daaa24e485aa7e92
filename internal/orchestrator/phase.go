package orchestrator

import (
	"fmt"
	"time"
)

// Phase is the stage a run is in. Phases only move forward; Bailing is
// terminal and reachable from every other phase.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseTopologyChecking
	PhaseLinkChecking
	PhaseSending
	PhaseDoneSending
	PhasePostMortem
	PhaseBailing
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseTopologyChecking:
		return "topology-checking"
	case PhaseLinkChecking:
		return "link-checking"
	case PhaseSending:
		return "sending"
	case PhaseDoneSending:
		return "done-sending"
	case PhasePostMortem:
		return "post-mortem"
	case PhaseBailing:
		return "bailing"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Result is the verdict of a finished run. Reason is empty on success.
type Result struct {
	Passed         bool
	Reason         string
	Sent           int
	Accepted       int
	Released       int
	Received       int
	ConfirmedKills int
	Elapsed        time.Duration
}

func (r Result) String() string {
	verdict := "PASS"
	if !r.Passed {
		verdict = "FAIL: " + r.Reason
	}
	return fmt.Sprintf("%s (sent=%d accepted=%d released=%d received=%d confirmed_kills=%d elapsed=%s)",
		verdict, r.Sent, r.Accepted, r.Released, r.Received, r.ConfirmedKills, r.Elapsed)
}
