package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/planact/runtime/agent/model/modeltest"
	"goa.design/planact/runtime/agent/task"
)

func proposed(answer string) *task.State {
	s := task.New("t1", "What is the capital of Canada? One word.", nil)
	s.Plan = []string{"Report it"}
	s.AppendPastStep(task.PastStep{Step: "Find it", Result: "Ottawa"})
	s.Answer = answer
	return s
}

func TestValidateAccepts(t *testing.T) {
	client := modeltest.New(modeltest.JSON(Verdict{Accepted: true}))
	s := proposed("Ottawa")

	v, err := New(client, Options{}).Validate(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, v.Accepted)
	assert.Equal(t, "Ottawa", s.Answer)
	assert.Len(t, s.PastSteps, 1)

	prompt := modeltest.UserText(client.Requests()[0])
	assert.Contains(t, prompt, "What is the capital of Canada? One word.")
	assert.Contains(t, prompt, "Assistant's answer:\nOttawa")
}

func TestValidateRejects(t *testing.T) {
	client := modeltest.New(modeltest.JSON(Verdict{Accepted: false, Feedback: "remove trailing punctuation"}))
	s := proposed("Ottawa.")

	v, err := New(client, Options{}).Validate(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Empty(t, s.Answer)
	require.Len(t, s.PastSteps, 2)
	last, _ := s.LastPastStep()
	assert.Equal(t, task.PastStepKindValidation, last.Kind)
	assert.Equal(t, task.ValidationStepName, last.Step)
	assert.Equal(t, "remove trailing punctuation", last.Result)
}

func TestValidateErrors(t *testing.T) {
	_, err := New(modeltest.New(), Options{}).Validate(context.Background(), proposed(""))
	require.Error(t, err)

	boom := errors.New("boom")
	_, err = New(modeltest.New(modeltest.Fail(boom)), Options{}).Validate(context.Background(), proposed("x"))
	require.ErrorIs(t, err, boom)

	s := proposed("x")
	_, err = New(modeltest.New(modeltest.Text("looks fine")), Options{}).Validate(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, "x", s.Answer)
	assert.Len(t, s.PastSteps, 1)
}

// A rejection always clears the answer and adds exactly one feedback entry.
func TestRejectionEffect(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rejection clears answer and appends one tagged entry", prop.ForAll(
		func(answer, feedback string, history int) bool {
			s := task.New("", "q", nil)
			for i := 0; i < history; i++ {
				s.AppendPastStep(task.PastStep{Step: "s", Result: "r"})
			}
			s.Answer = "a" + answer
			client := modeltest.New(modeltest.JSON(Verdict{Accepted: false, Feedback: feedback}))
			if _, err := New(client, Options{}).Validate(context.Background(), s); err != nil {
				return false
			}
			last, ok := s.LastPastStep()
			return ok && s.Answer == "" &&
				len(s.PastSteps) == history+1 &&
				last.Kind == task.PastStepKindValidation &&
				last.Result == feedback
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
