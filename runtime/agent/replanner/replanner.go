// Package replanner folds the finished step into the task history and decides
// between proposing a final answer and revising the remaining plan.
package replanner

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

// Instructions opens the replanning prompt.
const Instructions = "For the given objective, come up with a simple step by step plan. " +
	"This plan should involve individual tasks that, if executed correctly, will yield the correct answer. " +
	"Do not add any superfluous steps. The result of the final step should be the final answer. " +
	"Make sure that each step has all the information needed and does not refer to other steps by number."

const (
	guidance = "Update your plan accordingly. If no more steps are needed and you can return to the user, respond with the answer. " +
		"Do NOT come up with the answer by yourself: only consolidate what the steps above established. " +
		"Otherwise, fill out the plan. Only add steps to the plan that still NEED to be done. " +
		"Do not return previously done steps as part of the plan. " +
		"The answer has to be formatted as specified in the question. Be very concise and output only the answer."

	feedbackPreamble = "Pay most attention to the following feedback on your previous answer. " +
		"If the feedback mentions content issues rather than formatting, create a new plan and let it rework the answer.\n"
)

// DecisionSchema constrains the replanner output to either an answer or a
// revised plan.
var DecisionSchema = structured.MustCompile("act", "Action to perform", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"action": map[string]any{
			"description": "Action to perform. To respond to the user use Answer. If tools are still needed to get the answer use Plan.",
			"anyOf": []any{
				map[string]any{
					"title":                "Answer",
					"type":                 "object",
					"properties":           map[string]any{"response": map[string]any{"type": "string", "minLength": 1}},
					"required":             []string{"response"},
					"additionalProperties": false,
				},
				map[string]any{
					"title": "Plan",
					"type":  "object",
					"properties": map[string]any{
						"steps": map[string]any{
							"type":     "array",
							"items":    map[string]any{"type": "string", "minLength": 1},
							"minItems": 1,
						},
					},
					"required":             []string{"steps"},
					"additionalProperties": false,
				},
			},
		},
	},
	"required":             []string{"action"},
	"additionalProperties": false,
})

type (
	// Decision is the replanner outcome: Answer or NewPlan.
	Decision interface {
		isDecision()
	}

	// Answer proposes a final answer for validation.
	Answer struct {
		Text string
	}

	// NewPlan replaces the remaining plan.
	NewPlan struct {
		Steps []string
	}

	// Options configures a Replanner.
	Options struct {
		Model       string
		MaxTokens   int
		Temperature float32
		Telemetry   telemetry.Set
	}

	// Replanner reconciles step results with the plan.
	Replanner struct {
		client model.Client
		opts   Options
	}

	// Error reports replanning output that failed validation.
	Error struct {
		Err error
	}

	act struct {
		Action struct {
			Response *string  `json:"response"`
			Steps    []string `json:"steps"`
		} `json:"action"`
	}
)

func (Answer) isDecision()  {}
func (NewPlan) isDecision() {}

// New returns a Replanner using client.
func New(client model.Client, opts Options) *Replanner {
	opts.Telemetry = opts.Telemetry.WithDefaults()
	return &Replanner{client: client, opts: opts}
}

// Replan records the finished step, asks the model for a decision and applies
// it to s. Both outcomes clear the per-step scratch data.
func (r *Replanner) Replan(ctx context.Context, s *task.State) (Decision, error) {
	// A non-empty transcript means the actor just finished the current step;
	// after a validator rejection the transcript is already empty.
	if len(s.Transcript) > 0 {
		s.AppendPastStep(task.PastStep{Step: s.CurrentStep(), Result: s.StepResult, Kind: task.PastStepKindStep})
	}

	resp, err := r.client.Complete(ctx, &model.Request{
		Model: r.opts.Model,
		Messages: []*model.Message{
			model.NewTextMessage(model.ConversationRoleSystem, Instructions),
			{Role: model.ConversationRoleUser, Parts: s.Attachment.Fold(Prompt(s))},
		},
		ResponseFormat: DecisionSchema.ResponseFormat(),
		MaxTokens:      r.opts.MaxTokens,
		Temperature:    r.opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("replan: %w", err)
	}
	d, err := decode(resp.Text())
	if err != nil {
		return nil, &Error{Err: err}
	}

	s.ResetStep()
	switch d := d.(type) {
	case Answer:
		s.Answer = d.Text
		r.opts.Telemetry.Logger.Debug(ctx, "answer proposed", "task_id", s.TaskID)
	case NewPlan:
		s.Plan = d.Steps
		s.Answer = ""
		r.opts.Telemetry.Logger.Debug(ctx, "plan revised", "task_id", s.TaskID, "steps", len(d.Steps))
	}
	return d, nil
}

// Prompt renders the replanning request for s. When the latest history entry
// is validator feedback the prompt ends with an instruction to prioritize it.
func Prompt(s *task.State) string {
	var b strings.Builder
	b.WriteString("Your objective was this:\n")
	b.WriteString(s.Question)
	b.WriteString("\n\nYour current plan is this:\n")
	b.WriteString(task.FormatPlan(s.Plan))
	b.WriteString("\n\nYou have currently done the following steps:\n")
	if len(s.PastSteps) == 0 {
		b.WriteString("(none)")
	} else {
		b.WriteString(task.FormatPastSteps(s.PastSteps))
	}
	b.WriteString("\n\n")
	b.WriteString(guidance)
	if last, ok := s.LastPastStep(); ok && last.Kind == task.PastStepKindValidation {
		b.WriteString("\n\n")
		b.WriteString(feedbackPreamble)
		b.WriteString(last.Result)
	}
	return b.String()
}

func decode(raw string) (Decision, error) {
	var out act
	if err := DecisionSchema.Decode(raw, &out); err != nil {
		return nil, err
	}
	if out.Action.Response != nil {
		return Answer{Text: *out.Action.Response}, nil
	}
	steps := make([]string, 0, len(out.Action.Steps))
	for _, st := range out.Action.Steps {
		if st = strings.TrimSpace(st); st != "" {
			steps = append(steps, st)
		}
	}
	if len(steps) == 0 {
		return nil, errors.New("empty plan")
	}
	return NewPlan{Steps: steps}, nil
}

func (e *Error) Error() string {
	return "replanning failed: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
