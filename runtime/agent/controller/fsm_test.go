package controller

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allSignals = []Signal{
	SignalAlways, SignalToolRequested, SignalStepFinished, SignalAnswerProposed,
	SignalPlanRevised, SignalAccepted, SignalRejected,
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from State
		sig  Signal
		to   State
	}{
		{StatePlan, SignalAlways, StateAct},
		{StateAct, SignalToolRequested, StateInvokeTool},
		{StateAct, SignalStepFinished, StateReplan},
		{StateInvokeTool, SignalAlways, StateAct},
		{StateReplan, SignalAnswerProposed, StateValidate},
		{StateReplan, SignalPlanRevised, StateAct},
		{StateValidate, SignalAccepted, StateDone},
		{StateValidate, SignalRejected, StateReplan},
	}
	for _, c := range cases {
		to, err := Next(c.from, c.sig)
		require.NoError(t, err)
		assert.Equal(t, c.to, to, "%s on %s", c.from, c.sig)
	}

	_, err := Next(StatePlan, SignalAccepted)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = Next(StateDone, SignalAlways)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, StateDone.Terminal())
	assert.False(t, StateValidate.Terminal())
}

// Done is only reachable from Validate on Accepted.
func TestDoneRequiresAcceptance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every walk reaching Done ends with Validate --Accepted-->", prop.ForAll(
		func(picks []int) bool {
			cur := StatePlan
			for _, p := range picks {
				sig := allSignals[p%len(allSignals)]
				next, err := Next(cur, sig)
				if err != nil {
					continue
				}
				if next == StateDone && (cur != StateValidate || sig != SignalAccepted) {
					return false
				}
				cur = next
				if cur == StateDone {
					return true
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
