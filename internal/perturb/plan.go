// Package perturb holds the ordered list of connector removals applied to the
// mesh while traffic is flowing.
package perturb

import (
	"fmt"

	"github.com/signalsfoundry/disposition-checker/model"
)

// Step names one connector to delete and the router that owns it.
type Step struct {
	Node      model.NodeID
	Connector string
}

func (s Step) String() string { return fmt.Sprintf("%s/%s", s.Node, s.Connector) }

// Plan is an ordered sequence of steps with a forward-only cursor. It is not
// safe for concurrent use; the orchestrator only touches it from its loop.
type Plan struct {
	steps  []Step
	cursor int
}

// NewPlan copies steps into a new plan.
func NewPlan(steps ...Step) *Plan {
	return &Plan{steps: append([]Step(nil), steps...)}
}

// Next returns the step under the cursor and advances it. Once the plan is
// exhausted Next keeps returning false without moving.
func (p *Plan) Next() (Step, bool) {
	if p == nil || p.cursor >= len(p.steps) {
		return Step{}, false
	}
	s := p.steps[p.cursor]
	p.cursor++
	return s, true
}

// Cursor is the number of steps already handed out.
func (p *Plan) Cursor() int {
	if p == nil {
		return 0
	}
	return p.cursor
}

// Len is the total number of steps.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.steps)
}

// Remaining reports how many steps Next can still return.
func (p *Plan) Remaining() int { return p.Len() - p.Cursor() }

// Steps returns a copy of the full plan.
func (p *Plan) Steps() []Step {
	if p == nil {
		return nil
	}
	return append([]Step(nil), p.steps...)
}
