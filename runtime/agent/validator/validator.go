// Package validator checks the surface form of a proposed answer against the
// format the question asks for. It never judges factual correctness.
package validator

import (
	"context"
	"fmt"

	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/structured"
	"goa.design/planact/runtime/agent/task"
	"goa.design/planact/runtime/agent/telemetry"
)

// Instructions is the format review prompt.
const Instructions = "You are a format reviewer. " +
	"Your role is to check whether the assistant's answer matches exactly the required structure. " +
	"Unless the question requires otherwise, the answer has to be short, concise and to the point. " +
	"It should contain only the requested information without additional words. " +
	"No additional punctuation or words are permitted. Decline any lead-in phrases. Require perfection. " +
	"Focus only on formatting, not on verifying the facts or contents. " +
	"If the format does not match, briefly explain what should be adjusted."

// VerdictSchema constrains the validator output.
var VerdictSchema = structured.MustCompile("answer_feedback", "Feedback on the final answer to the question", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"answer_accepted": map[string]any{
			"type":        "boolean",
			"description": "True if every format requirement is fulfilled, false to send the answer back for rework.",
		},
		"answer_feedback": map[string]any{
			"type":        "string",
			"description": "When the answer is rejected, what needs to change.",
		},
	},
	"required":             []string{"answer_accepted", "answer_feedback"},
	"additionalProperties": false,
})

type (
	// Verdict is the validator decision.
	Verdict struct {
		Accepted bool   `json:"answer_accepted"`
		Feedback string `json:"answer_feedback"`
	}

	// Options configures a Validator.
	Options struct {
		Model       string
		MaxTokens   int
		Temperature float32
		Telemetry   telemetry.Set
	}

	// Validator reviews proposed answers.
	Validator struct {
		client model.Client
		opts   Options
	}
)

// New returns a Validator using client.
func New(client model.Client, opts Options) *Validator {
	opts.Telemetry = opts.Telemetry.WithDefaults()
	return &Validator{client: client, opts: opts}
}

// Validate reviews s.Answer. On rejection the answer is cleared and exactly
// one feedback entry is appended to the history; acceptance leaves s intact.
func (v *Validator) Validate(ctx context.Context, s *task.State) (Verdict, error) {
	if s.Answer == "" {
		return Verdict{}, fmt.Errorf("validate: no answer proposed")
	}
	prompt := Instructions + "\n\nThe question:\n" + s.Question + "\n\nAssistant's answer:\n" + s.Answer
	resp, err := v.client.Complete(ctx, &model.Request{
		Model:          v.opts.Model,
		Messages:       []*model.Message{model.NewTextMessage(model.ConversationRoleUser, prompt)},
		ResponseFormat: VerdictSchema.ResponseFormat(),
		MaxTokens:      v.opts.MaxTokens,
		Temperature:    v.opts.Temperature,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("validate: %w", err)
	}
	var verdict Verdict
	if err := VerdictSchema.Decode(resp.Text(), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("validate: %w", err)
	}
	if verdict.Accepted {
		v.opts.Telemetry.Logger.Debug(ctx, "answer accepted", "task_id", s.TaskID)
		return verdict, nil
	}
	s.Answer = ""
	s.AppendPastStep(task.PastStep{
		Step:   task.ValidationStepName,
		Result: verdict.Feedback,
		Kind:   task.PastStepKindValidation,
	})
	v.opts.Telemetry.Logger.Info(ctx, "answer rejected", "task_id", s.TaskID, "feedback", verdict.Feedback)
	return verdict, nil
}
