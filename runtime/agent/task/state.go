// Package task defines the shared task state threaded through the planning,
// acting, replanning and validation stages.
//
// State separates durable cross-step history from per-step scratch data:
//
//   - PastSteps and Knowledge are append-only for the lifetime of the task.
//   - Transcript, PendingToolCalls, ToolResults and StepResult describe the step
//     currently being executed and are cleared by ResetStep whenever the
//     replanner advances to a new step or proposes an answer.
package task

import (
	"fmt"
	"strings"

	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/tools"
)

// ValidationStepName is the step description of past-step entries recording
// validator feedback.
const ValidationStepName = "Answer validation"

// KnowledgeSeparator follows every tool result folded into State.Knowledge.
const KnowledgeSeparator = "\n\n"

type (
	// PastStepKind distinguishes ordinary step history from validator feedback.
	PastStepKind int

	// PastStep is one entry of the durable step history.
	PastStep struct {
		// Step is the step description, or ValidationStepName for feedback.
		Step string
		// Result is the step outcome or the validator feedback.
		Result string
		// Kind tags the entry.
		Kind PastStepKind
	}

	// ToolResult is the resolved output of a pending tool call waiting to be
	// ingested by the next actor turn.
	ToolResult struct {
		CallID  string
		Name    tools.Ident
		Content string
		IsError bool
	}

	// State is the mutable record owned by the controller for one task attempt.
	// Stages receive it by pointer and must not retain it after returning.
	State struct {
		// TaskID identifies the question at its source. May be empty.
		TaskID string
		// Question is the objective. Immutable.
		Question string
		// Attachment is the optional ingested file. Immutable.
		Attachment *Attachment

		// Plan holds the remaining steps; Plan[0] is the current step.
		Plan []string
		// PastSteps is append-only; use AppendPastStep.
		PastSteps []PastStep
		// Knowledge accumulates every tool result seen during the task.
		Knowledge string

		// Transcript is the message history of the current step only.
		Transcript []*model.Message
		// PendingToolCalls is the unresolved tool-call batch of the last actor turn.
		PendingToolCalls []model.ToolCall
		// ToolResults holds resolved results not yet ingested by the actor.
		ToolResults []ToolResult
		// StepResult is the actor's final text for the current step.
		StepResult string

		// Answer is the candidate final answer; empty while unresolved.
		Answer string
		// Iterations counts controller transitions.
		Iterations int
	}
)

const (
	// PastStepKindStep marks an executed plan step.
	PastStepKindStep PastStepKind = iota
	// PastStepKindValidation marks validator feedback.
	PastStepKindValidation
)

// New returns the initial state for a question with all accumulators empty.
func New(taskID, question string, attachment *Attachment) *State {
	return &State{TaskID: taskID, Question: question, Attachment: attachment}
}

// String returns the kind name.
func (k PastStepKind) String() string {
	switch k {
	case PastStepKindStep:
		return "step"
	case PastStepKindValidation:
		return "validation"
	default:
		return fmt.Sprintf("PastStepKind(%d)", int(k))
	}
}

// CurrentStep returns the step being executed or "" when the plan is empty.
func (s *State) CurrentStep() string {
	if len(s.Plan) == 0 {
		return ""
	}
	return s.Plan[0]
}

// AppendPastStep records a step outcome. It is the only mutation allowed on
// PastSteps.
func (s *State) AppendPastStep(step PastStep) {
	s.PastSteps = append(s.PastSteps, step)
}

// LastPastStep returns the most recent history entry.
func (s *State) LastPastStep() (PastStep, bool) {
	if len(s.PastSteps) == 0 {
		return PastStep{}, false
	}
	return s.PastSteps[len(s.PastSteps)-1], true
}

// AppendKnowledge folds tool output into the knowledge accumulator. Contents
// are appended in order; duplicates are kept.
func (s *State) AppendKnowledge(contents ...string) {
	if len(contents) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString(s.Knowledge)
	for _, c := range contents {
		b.WriteString(c)
		b.WriteString(KnowledgeSeparator)
	}
	s.Knowledge = b.String()
}

// ResetStep clears the per-step scratch data: transcript, pending tool calls,
// unread tool results and the step result.
func (s *State) ResetStep() {
	s.Transcript = nil
	s.PendingToolCalls = nil
	s.ToolResults = nil
	s.StepResult = ""
}

// FormatPlan renders the plan as a numbered list.
func FormatPlan(plan []string) string {
	var b strings.Builder
	for i, step := range plan {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, step)
	}
	return b.String()
}

// FormatPastSteps renders the history for prompts. Validator feedback is
// labeled so it is distinguishable from executed steps.
func FormatPastSteps(steps []PastStep) string {
	var b strings.Builder
	n := 0
	for i, ps := range steps {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if ps.Kind == PastStepKindValidation {
			fmt.Fprintf(&b, "[%s]\nFeedback: %s", ValidationStepName, ps.Result)
			continue
		}
		n++
		fmt.Fprintf(&b, "Step %d: %s\nResult: %s", n, ps.Step, ps.Result)
	}
	return b.String()
}
