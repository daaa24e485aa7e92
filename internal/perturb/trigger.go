package perturb

import (
	"fmt"
	"strings"
)

// TriggerKind selects which counter drives perturbations.
type TriggerKind int

const (
	// TriggerTicks fires on every Nth sender timer firing.
	TriggerTicks TriggerKind = iota
	// TriggerReceived fires once, when the receiver has seen N messages.
	TriggerReceived
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerTicks:
		return "ticks"
	case TriggerReceived:
		return "received"
	default:
		return fmt.Sprintf("TriggerKind(%d)", int(k))
	}
}

// ParseTriggerKind accepts "ticks" or "received".
func ParseTriggerKind(s string) (TriggerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ticks", "":
		return TriggerTicks, nil
	case "received":
		return TriggerReceived, nil
	default:
		return 0, fmt.Errorf("unknown trigger kind %q", s)
	}
}

// Trigger decides when the next plan step is due.
type Trigger struct {
	Kind  TriggerKind
	Every int
}

// Due reports whether count hits the trigger. For TriggerTicks that is every
// positive multiple of Every; for TriggerReceived it is exactly Every, so
// the trigger fires at most once per run.
func (t Trigger) Due(kind TriggerKind, count int) bool {
	if kind != t.Kind || t.Every <= 0 || count <= 0 {
		return false
	}
	if t.Kind == TriggerReceived {
		return count == t.Every
	}
	return count%t.Every == 0
}
