package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/planact/runtime/agent/actor"
	"goa.design/planact/runtime/agent/replanner"
	"goa.design/planact/runtime/agent/task"
	"goa.design/planact/runtime/agent/validator"
)

// flakyStages loop forever for the first failures attempts and answer
// afterwards.
type flakyStages struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	planErr  error
}

func (f *flakyStages) Plan(_ context.Context, s *task.State) ([]string, error) {
	if f.planErr != nil {
		return nil, f.planErr
	}
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[s.TaskID]++
	f.mu.Unlock()
	s.Plan = []string{"answer " + s.Question}
	return s.Plan, nil
}

func (f *flakyStages) attempt(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[taskID]
}

func (f *flakyStages) Act(_ context.Context, s *task.State) (actor.Outcome, error) {
	s.StepResult = "done"
	return actor.OutcomeStepDone, nil
}

func (f *flakyStages) Invoke(context.Context, *task.State) error { return nil }

func (f *flakyStages) Replan(_ context.Context, s *task.State) (replanner.Decision, error) {
	s.ResetStep()
	if f.attempt(s.TaskID) <= f.failures {
		return replanner.NewPlan{Steps: s.Plan}, nil
	}
	s.Answer = "answer to " + s.Question
	return replanner.Answer{Text: s.Answer}, nil
}

func (f *flakyStages) Validate(context.Context, *task.State) (validator.Verdict, error) {
	return validator.Verdict{Accepted: true}, nil
}

func newRunner(t *testing.T, f *flakyStages, attempts int) *Runner {
	t.Helper()
	c, err := New(Stages{Planner: f, Actor: f, Invoker: f, Replanner: f, Validator: f}, Options{MaxIterations: 10})
	require.NoError(t, err)
	return NewRunner(c, RunnerOptions{MaxAttempts: attempts})
}

func TestSolveFirstAttempt(t *testing.T) {
	f := &flakyStages{}
	res, err := newRunner(t, f, 0).Solve(context.Background(), Question{TaskID: "t", Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, "answer to q", res.Answer)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.RunID)
	require.NotNil(t, res.State)
	assert.Equal(t, "t", res.State.TaskID)
}

func TestSolveRetriesAfterRecursionLimit(t *testing.T) {
	f := &flakyStages{failures: 1}
	res, err := newRunner(t, f, 2).Solve(context.Background(), Question{TaskID: "t", Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, f.attempt("t"))
	assert.Equal(t, "answer to q", res.Answer)
}

func TestSolveGivesUp(t *testing.T) {
	f := &flakyStages{failures: 5}
	res, err := newRunner(t, f, 3).Solve(context.Background(), Question{TaskID: "t", Text: "q"})
	require.ErrorIs(t, err, ErrNoAnswer)
	require.ErrorIs(t, err, ErrRecursionExceeded)
	assert.Contains(t, err.Error(), "no answer produced")
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, f.attempt("t"))
	assert.Empty(t, res.Answer)
}

func TestSolveAbandonsOnOtherErrors(t *testing.T) {
	boom := errors.New("planning failed")
	var calls atomic.Int32
	f := &flakyStages{planErr: boom}
	r := newRunner(t, f, 3)
	r.opts.Telemetry.Logger = countingLogger{n: &calls}
	res, err := r.Solve(context.Background(), Question{TaskID: "t", Text: "q"})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoAnswer)
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 1, calls.Load(), "one solving log line")
}

func TestSolveAll(t *testing.T) {
	f := &flakyStages{}
	qs := make([]Question, 8)
	for i := range qs {
		qs[i] = Question{TaskID: fmt.Sprint("t", i), Text: fmt.Sprint("q", i)}
	}
	outs := newRunner(t, f, 1).SolveAll(context.Background(), qs, 3)
	require.Len(t, outs, len(qs))
	for i, o := range outs {
		require.NoError(t, o.Err)
		assert.Equal(t, qs[i], o.Question)
		assert.Equal(t, fmt.Sprint("answer to q", i), o.Result.Answer)
	}
}

type countingLogger struct{ n *atomic.Int32 }

func (l countingLogger) Debug(context.Context, string, ...any) {}
func (l countingLogger) Info(_ context.Context, msg string, _ ...any) {
	if msg == "solving task" {
		l.n.Add(1)
	}
}
func (l countingLogger) Warn(context.Context, string, ...any)  {}
func (l countingLogger) Error(context.Context, string, ...any) {}

func TestSolveAllReportsEachOutcome(t *testing.T) {
	f := &flakyStages{}
	c, err := New(Stages{Planner: f, Actor: f, Invoker: f, Replanner: f, Validator: f}, Options{MaxIterations: 10})
	require.NoError(t, err)
	var (
		mu   sync.Mutex
		seen []string
	)
	r := NewRunner(c, RunnerOptions{OnOutcome: func(_ context.Context, o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, o.Result.TaskID)
	}})
	qs := []Question{{TaskID: "a", Text: "1"}, {TaskID: "b", Text: "2"}, {TaskID: "c", Text: "3"}}
	r.SolveAll(context.Background(), qs, 2)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}
