// Package controller drives a task through the plan, act, replan and validate
// loop. The loop is a table driven state machine bounded by a global
// transition cap; it terminates only when the validator accepts an answer.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"goa.design/planact/runtime/agent/actor"
	"goa.design/planact/runtime/agent/replanner"
	"goa.design/planact/runtime/agent/runlog"
	"goa.design/planact/runtime/agent/task"
	"goa.design/planact/runtime/agent/telemetry"
	"goa.design/planact/runtime/agent/validator"
)

// DefaultMaxIterations bounds the number of transitions of one attempt.
const DefaultMaxIterations = 30

// ErrRecursionExceeded matches RecursionExceededError values.
var ErrRecursionExceeded = errors.New("recursion limit exceeded")

type (
	// Planner produces the initial plan.
	Planner interface {
		Plan(ctx context.Context, s *task.State) ([]string, error)
	}

	// Actor runs one turn of the current step.
	Actor interface {
		Act(ctx context.Context, s *task.State) (actor.Outcome, error)
	}

	// Invoker resolves pending tool calls.
	Invoker interface {
		Invoke(ctx context.Context, s *task.State) error
	}

	// Replanner folds the step result into history and decides what comes next.
	Replanner interface {
		Replan(ctx context.Context, s *task.State) (replanner.Decision, error)
	}

	// Validator reviews a proposed answer.
	Validator interface {
		Validate(ctx context.Context, s *task.State) (validator.Verdict, error)
	}

	// Stages groups the collaborators run by the controller.
	Stages struct {
		Planner   Planner
		Actor     Actor
		Invoker   Invoker
		Replanner Replanner
		Validator Validator
	}

	// Options configures a Controller.
	Options struct {
		// MaxIterations caps the transitions of one attempt. Zero means
		// DefaultMaxIterations.
		MaxIterations int
		// RunLog records every transition when set.
		RunLog runlog.Store
		// Telemetry receives logs, metrics and spans.
		Telemetry telemetry.Set
	}

	// Controller runs the state machine over a task state.
	Controller struct {
		stages Stages
		opts   Options
	}

	// RecursionExceededError reports that an attempt hit the transition cap
	// before an answer was accepted.
	RecursionExceededError struct {
		// Limit is the configured cap.
		Limit int
		// State is the state the machine was about to execute.
		State State
	}
)

// New returns a controller running stages.
func New(stages Stages, opts Options) (*Controller, error) {
	if stages.Planner == nil || stages.Actor == nil || stages.Invoker == nil ||
		stages.Replanner == nil || stages.Validator == nil {
		return nil, errors.New("controller: all stages are required")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	opts.Telemetry = opts.Telemetry.WithDefaults()
	return &Controller{stages: stages, opts: opts}, nil
}

// MaxIterations returns the effective transition cap.
func (c *Controller) MaxIterations() int { return c.opts.MaxIterations }

// Run solves s under a fresh run ID. See RunAttempt.
func (c *Controller) Run(ctx context.Context, s *task.State) error {
	return c.RunAttempt(ctx, uuid.NewString(), s)
}

// RunAttempt drives s from Plan until the validator accepts an answer. It
// returns a *RecursionExceededError once MaxIterations transitions happened
// without reaching Done, and any stage error unchanged.
func (c *Controller) RunAttempt(ctx context.Context, runID string, s *task.State) (err error) {
	tel := c.opts.Telemetry
	ctx, span := tel.Tracer.Start(ctx, "planact.attempt")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.record(ctx, runID, s.TaskID, runlog.EventAttemptFailed, map[string]any{
				"error":      err.Error(),
				"iterations": s.Iterations,
			})
		} else {
			span.SetStatus(codes.Ok, "")
			c.record(ctx, runID, s.TaskID, runlog.EventAttemptFinished, map[string]any{
				"answer":     s.Answer,
				"iterations": s.Iterations,
			})
		}
		span.End()
	}()
	c.record(ctx, runID, s.TaskID, runlog.EventAttemptStarted, map[string]any{"question": s.Question})

	cur := StatePlan
	for cur != StateDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Iterations >= c.opts.MaxIterations {
			tel.Logger.Warn(ctx, "recursion limit reached", "task_id", s.TaskID, "run_id", runID, "state", string(cur), "limit", c.opts.MaxIterations)
			return &RecursionExceededError{Limit: c.opts.MaxIterations, State: cur}
		}
		sig, err := c.execute(ctx, cur, s)
		if err != nil {
			tel.Logger.Error(ctx, "stage failed", "task_id", s.TaskID, "run_id", runID, "state", string(cur), "err", err)
			return err
		}
		next, err := Next(cur, sig)
		if err != nil {
			return err
		}
		s.Iterations++
		tel.Logger.Debug(ctx, "transition", "task_id", s.TaskID, "from", string(cur), "signal", string(sig), "to", string(next), "iteration", s.Iterations)
		tel.Metrics.IncCounter("planact.transitions", 1, "from", string(cur), "to", string(next))
		c.record(ctx, runID, s.TaskID, runlog.EventTransition, runlog.Transition{
			From:      string(cur),
			Signal:    string(sig),
			To:        string(next),
			Iteration: s.Iterations,
		})
		cur = next
	}
	return nil
}

// execute runs the stage bound to state and maps its outcome to a signal.
func (c *Controller) execute(ctx context.Context, state State, s *task.State) (Signal, error) {
	tel := c.opts.Telemetry
	ctx, span := tel.Tracer.Start(ctx, "planact.stage."+string(state))
	defer span.End()
	start := time.Now()
	defer func() {
		tel.Metrics.RecordTimer("planact.stage.duration", time.Since(start), "stage", string(state))
	}()

	sig, err := c.dispatch(ctx, state, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.AddEvent("signal", "signal", string(sig))
	return sig, nil
}

func (c *Controller) dispatch(ctx context.Context, state State, s *task.State) (Signal, error) {
	switch state {
	case StatePlan:
		if _, err := c.stages.Planner.Plan(ctx, s); err != nil {
			return "", err
		}
		return SignalAlways, nil

	case StateAct:
		outcome, err := c.stages.Actor.Act(ctx, s)
		if err != nil {
			return "", err
		}
		switch outcome {
		case actor.OutcomeToolCall:
			return SignalToolRequested, nil
		case actor.OutcomeStepDone:
			return SignalStepFinished, nil
		}
		return "", fmt.Errorf("act: unknown outcome %d", outcome)

	case StateInvokeTool:
		if err := c.stages.Invoker.Invoke(ctx, s); err != nil {
			return "", err
		}
		return SignalAlways, nil

	case StateReplan:
		decision, err := c.stages.Replanner.Replan(ctx, s)
		if err != nil {
			return "", err
		}
		switch decision.(type) {
		case replanner.Answer:
			if s.Answer == "" {
				return "", errors.New("replan: empty answer proposed")
			}
			return SignalAnswerProposed, nil
		case replanner.NewPlan:
			return SignalPlanRevised, nil
		}
		return "", fmt.Errorf("replan: unknown decision %T", decision)

	case StateValidate:
		verdict, err := c.stages.Validator.Validate(ctx, s)
		if err != nil {
			return "", err
		}
		if verdict.Accepted && s.Answer != "" {
			return SignalAccepted, nil
		}
		return SignalRejected, nil
	}
	return "", fmt.Errorf("no stage bound to state %s", state)
}

// record appends an event to the run log. Log failures are reported but do
// not abort the attempt.
func (c *Controller) record(ctx context.Context, runID, taskID string, typ runlog.EventType, payload any) {
	if c.opts.RunLog == nil {
		return
	}
	e, err := runlog.NewEvent(runID, taskID, typ, payload)
	if err == nil {
		err = c.opts.RunLog.Append(ctx, e)
	}
	if err != nil {
		c.opts.Telemetry.Logger.Warn(ctx, "run log append failed", "run_id", runID, "type", string(typ), "err", err)
	}
}

// Error implements error.
func (e *RecursionExceededError) Error() string {
	return fmt.Sprintf("recursion limit of %d reached without hitting a stop condition (state %s)", e.Limit, e.State)
}

// Is matches ErrRecursionExceeded.
func (e *RecursionExceededError) Is(target error) bool {
	return target == ErrRecursionExceeded
}
