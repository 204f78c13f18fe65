package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"goa.design/planact/runtime/agent/task"
	"goa.design/planact/runtime/agent/telemetry"
)

// DefaultMaxAttempts is the number of whole-task attempts made by a Runner.
const DefaultMaxAttempts = 2

// ErrNoAnswer reports that every attempt hit the recursion limit.
var ErrNoAnswer = errors.New("no answer produced")

type (
	// Question is one task to solve.
	Question struct {
		TaskID     string
		Text       string
		Attachment *task.Attachment
	}

	// Result is the outcome of a solved task.
	Result struct {
		TaskID string
		// RunID identifies the successful attempt.
		RunID    string
		Answer   string
		Attempts int
		// State is the final state of the successful attempt.
		State *task.State
	}

	// Outcome pairs a question with its result or error. SolveAll returns
	// one per question, in input order.
	Outcome struct {
		Question Question
		Result   Result
		Err      error
	}

	// RunnerOptions configures a Runner.
	RunnerOptions struct {
		// MaxAttempts bounds whole-task retries after a recursion limit
		// abort. Zero means DefaultMaxAttempts.
		MaxAttempts int
		// OnOutcome, when set, is called by SolveAll as soon as each task
		// finishes. Calls may be concurrent.
		OnOutcome func(ctx context.Context, o Outcome)
		Telemetry telemetry.Set
	}

	// Runner applies the whole-task retry policy around a Controller.
	Runner struct {
		controller *Controller
		opts       RunnerOptions
	}
)

// NewRunner returns a Runner driving c.
func NewRunner(c *Controller, opts RunnerOptions) *Runner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	opts.Telemetry = opts.Telemetry.WithDefaults()
	return &Runner{controller: c, opts: opts}
}

// Solve runs q from a fresh state until an answer is accepted. Attempts that
// hit the recursion limit are retried from scratch; any other error abandons
// the task. Once all attempts are exhausted Solve returns an error matching
// ErrNoAnswer.
func (r *Runner) Solve(ctx context.Context, q Question) (Result, error) {
	tel := r.opts.Telemetry
	var last error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		runID := uuid.NewString()
		s := task.New(q.TaskID, q.Text, q.Attachment)
		tel.Logger.Info(ctx, "solving task", "task_id", q.TaskID, "run_id", runID, "attempt", attempt)
		err := r.controller.RunAttempt(ctx, runID, s)
		if err == nil {
			tel.Metrics.IncCounter("planact.tasks", 1, "outcome", "answered")
			tel.Logger.Info(ctx, "task answered", "task_id", q.TaskID, "run_id", runID, "answer", s.Answer, "iterations", s.Iterations)
			return Result{TaskID: q.TaskID, RunID: runID, Answer: s.Answer, Attempts: attempt, State: s}, nil
		}
		if !errors.Is(err, ErrRecursionExceeded) {
			tel.Metrics.IncCounter("planact.tasks", 1, "outcome", "failed")
			return Result{TaskID: q.TaskID, Attempts: attempt}, fmt.Errorf("task %s: %w", q.TaskID, err)
		}
		tel.Logger.Warn(ctx, "retrying task", "task_id", q.TaskID, "attempt", attempt, "err", err)
		last = err
	}
	tel.Metrics.IncCounter("planact.tasks", 1, "outcome", "no_answer")
	return Result{TaskID: q.TaskID, Attempts: r.opts.MaxAttempts},
		fmt.Errorf("task %s: %w after %d attempts: %w", q.TaskID, ErrNoAnswer, r.opts.MaxAttempts, last)
}

// SolveAll solves independent questions with at most concurrency tasks in
// flight. Each task gets its own state; failures are reported per question.
func (r *Runner) SolveAll(ctx context.Context, questions []Question, concurrency int) []Outcome {
	if concurrency <= 0 {
		concurrency = 1
	}
	outcomes := make([]Outcome, len(questions))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, q := range questions {
		g.Go(func() error {
			res, err := r.Solve(ctx, q)
			outcomes[i] = Outcome{Question: q, Result: res, Err: err}
			if r.opts.OnOutcome != nil {
				r.opts.OnOutcome(ctx, outcomes[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
