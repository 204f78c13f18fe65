// Package planner produces the initial plan for a task: an ordered, non-empty
// list of self-contained steps whose last step yields the answer.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/structured"
	"goa.design/planact/runtime/agent/task"
	"goa.design/planact/runtime/agent/telemetry"
)

// Instructions is the default planning prompt.
const Instructions = "For the given objective, come up with a simple step by step plan. " +
	"This plan should involve individual tasks that, if executed correctly, will yield the correct answer. " +
	"Do not add any superfluous steps. The result of the final step should be the final answer. " +
	"Make sure that each step has all the information needed and does not refer to other steps by number. " +
	"You have tools for web search, audio transcription, video transcription and Python code execution at your disposal. " +
	"For simple tasks you MUST NOT generate many steps; a single step plan is preferred whenever it suffices."

// StepsSchema constrains plans to a non-empty list of step descriptions.
var StepsSchema = structured.MustCompile("plan", "Plan to follow, steps in execution order", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"steps": map[string]any{
			"type":        "array",
			"description": "different steps to follow, in sorted order",
			"items":       map[string]any{"type": "string", "minLength": 1},
			"minItems":    1,
		},
	},
	"required":             []string{"steps"},
	"additionalProperties": false,
})

type (
	// Options configures a Planner.
	Options struct {
		// Model overrides the client default model.
		Model string
		// MaxTokens caps the response size.
		MaxTokens int
		// Temperature sets sampling temperature.
		Temperature float32
		// Instructions overrides the planning prompt.
		Instructions string
		// Telemetry receives logs, metrics and spans.
		Telemetry telemetry.Set
	}

	// Planner builds the initial plan.
	Planner struct {
		client model.Client
		opts   Options
	}

	// Error reports planning output that failed validation. It is fatal to the
	// current task attempt.
	Error struct {
		Err error
	}

	// Steps is the decoded planning output.
	Steps struct {
		Steps []string `json:"steps"`
	}
)

// New returns a Planner using client.
func New(client model.Client, opts Options) *Planner {
	if opts.Instructions == "" {
		opts.Instructions = Instructions
	}
	opts.Telemetry = opts.Telemetry.WithDefaults()
	return &Planner{client: client, opts: opts}
}

// Plan asks the model for a plan, stores it in s.Plan and returns it.
func (p *Planner) Plan(ctx context.Context, s *task.State) ([]string, error) {
	req := &model.Request{
		Model: p.opts.Model,
		Messages: []*model.Message{
			model.NewTextMessage(model.ConversationRoleSystem, p.opts.Instructions),
			{Role: model.ConversationRoleUser, Parts: s.Attachment.Fold(s.Question)},
		},
		ResponseFormat: StepsSchema.ResponseFormat(),
		MaxTokens:      p.opts.MaxTokens,
		Temperature:    p.opts.Temperature,
	}
	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	var out Steps
	if err := StepsSchema.Decode(resp.Text(), &out); err != nil {
		return nil, &Error{Err: err}
	}
	steps := trimSteps(out.Steps)
	if len(steps) == 0 {
		return nil, &Error{Err: errors.New("empty plan")}
	}
	s.Plan = steps
	p.opts.Telemetry.Logger.Debug(ctx, "plan created", "task_id", s.TaskID, "steps", len(steps))
	return steps, nil
}

func (e *Error) Error() string {
	return "planning failed: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func trimSteps(steps []string) []string {
	out := make([]string, 0, len(steps))
	for _, st := range steps {
		if st = strings.TrimSpace(st); st != "" {
			out = append(out, st)
		}
	}
	return out
}
