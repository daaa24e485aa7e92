package perturb

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/disposition-checker/model"
)

func churnSteps() []Step {
	return []Step{
		{Node: model.NodeD, Connector: model.ConnectorCD},
		{Node: model.NodeD, Connector: model.ConnectorBD},
		{Node: model.NodeC, Connector: model.ConnectorBC},
	}
}

func TestPlanWalksInOrder(t *testing.T) {
	p := NewPlan(churnSteps()...)
	require.Equal(t, 3, p.Len())
	require.Equal(t, 3, p.Remaining())

	for i, want := range churnSteps() {
		got, ok := p.Next()
		require.True(t, ok)
		assert.Equal(t, want, got)
		assert.Equal(t, i+1, p.Cursor())
	}

	_, ok := p.Next()
	assert.False(t, ok)
	assert.Equal(t, 3, p.Cursor(), "exhausted plan must not move")
	assert.Equal(t, 0, p.Remaining())
}

func TestPlanCopiesInput(t *testing.T) {
	steps := churnSteps()
	p := NewPlan(steps...)
	steps[0].Connector = "mutated"

	got, _ := p.Next()
	assert.Equal(t, model.ConnectorCD, got.Connector)

	out := p.Steps()
	out[1].Connector = "mutated"
	assert.Equal(t, model.ConnectorBD, p.Steps()[1].Connector)
}

func TestNilPlan(t *testing.T) {
	var p *Plan
	_, ok := p.Next()
	assert.False(t, ok)
	assert.Zero(t, p.Len())
	assert.Zero(t, p.Remaining())
	assert.Nil(t, p.Steps())
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "D/CD_connector", churnSteps()[0].String())
}

func TestTriggerTicks(t *testing.T) {
	tr := Trigger{Kind: TriggerTicks, Every: 20}
	assert.False(t, tr.Due(TriggerTicks, 0))
	assert.False(t, tr.Due(TriggerTicks, 19))
	assert.True(t, tr.Due(TriggerTicks, 20))
	assert.True(t, tr.Due(TriggerTicks, 40))
	assert.False(t, tr.Due(TriggerReceived, 20), "wrong counter kind")
}

func TestTriggerReceivedFiresOnce(t *testing.T) {
	tr := Trigger{Kind: TriggerReceived, Every: 13}
	fired := 0
	for n := 1; n <= 30; n++ {
		if tr.Due(TriggerReceived, n) {
			fired++
		}
	}
	assert.Equal(t, 1, fired)
}

func TestParseTriggerKind(t *testing.T) {
	k, err := ParseTriggerKind("Received")
	require.NoError(t, err)
	assert.Equal(t, TriggerReceived, k)

	k, err = ParseTriggerKind("")
	require.NoError(t, err)
	assert.Equal(t, TriggerTicks, k)

	_, err = ParseTriggerKind("hourly")
	assert.Error(t, err)
	assert.Equal(t, "received", TriggerReceived.String())
}

func TestPlanCursorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("cursor is monotone and bounded", prop.ForAll(
		func(size, calls int) bool {
			steps := make([]Step, size)
			for i := range steps {
				steps[i] = Step{Node: model.NodeD, Connector: string(rune('a' + i))}
			}
			p := NewPlan(steps...)
			prev := p.Cursor()
			handed := 0
			for i := 0; i < calls; i++ {
				if _, ok := p.Next(); ok {
					handed++
				}
				if p.Cursor() < prev || p.Cursor() > p.Len() {
					return false
				}
				if p.Cursor()-prev > 1 {
					return false
				}
				prev = p.Cursor()
			}
			return handed == min(size, calls) && p.Remaining() == size-handed
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 25),
	))

	properties.Property("at most one tick trigger per interval", prop.ForAll(
		func(every, ticks int) bool {
			tr := Trigger{Kind: TriggerTicks, Every: every}
			last := 0
			for n := 1; n <= ticks; n++ {
				if tr.Due(TriggerTicks, n) {
					if last != 0 && n-last < every {
						return false
					}
					last = n
				}
			}
			return true
		},
		gen.IntRange(1, 30),
		gen.IntRange(0, 300),
	))

	properties.TestingRun(t)
}
