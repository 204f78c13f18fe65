// Package actor executes the current plan step. Each call to Act performs one
// inference turn; when the model requests a tool the Invoker resolves it and
// the next Act ingests the result. The transcript of the step lives in the
// task state until the replanner resets it.
package actor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/task"
	"goa.design/planact/runtime/agent/telemetry"
	"goa.design/planact/runtime/agent/tools"
)

// Framing is the default task framing. The %s verb receives the question.
const Framing = "You are an AI assistant answering questions. " +
	"Your goal is to get closer to answering the following question:\n%s\n\n" +
	"When doing web search, be very specific and precise with your queries and specify all the details (language, year, etc.). " +
	"When generating Python code, do not continue until you generate syntactically correct code."

// Outcome tells the controller where the step stands after a turn.
type Outcome int

const (
	// OutcomeToolCall means the model requested a tool; PendingToolCalls holds it.
	OutcomeToolCall Outcome = iota + 1
	// OutcomeStepDone means the model answered the step; StepResult holds the text.
	OutcomeStepDone
)

type (
	// Options configures an Actor.
	Options struct {
		Model       string
		MaxTokens   int
		Temperature float32
		// Framing overrides the task framing; must contain one %s verb.
		Framing   string
		Telemetry telemetry.Set
	}

	// Actor runs inference turns for the current step.
	Actor struct {
		client model.Client
		defs   []*model.ToolDefinition
		opts   Options
	}
)

// New returns an Actor exposing the registry tools to the model.
func New(client model.Client, registry *tools.Registry, opts Options) *Actor {
	if opts.Framing == "" {
		opts.Framing = Framing
	}
	opts.Telemetry = opts.Telemetry.WithDefaults()
	return &Actor{client: client, defs: toolDefinitions(registry), opts: opts}
}

// Act performs one turn of the current step.
func (a *Actor) Act(ctx context.Context, s *task.State) (Outcome, error) {
	if len(s.Plan) == 0 {
		return 0, fmt.Errorf("act: empty plan")
	}
	a.ingest(s)
	if len(s.Transcript) == 0 {
		s.Transcript = a.start(s)
	}

	resp, err := a.client.Complete(ctx, &model.Request{
		Model:             a.opts.Model,
		Messages:          s.Transcript,
		Tools:             a.defs,
		ParallelToolCalls: false,
		MaxTokens:         a.opts.MaxTokens,
		Temperature:       a.opts.Temperature,
	})
	if err != nil {
		return 0, fmt.Errorf("act: %w", err)
	}

	msg := &model.Message{Role: model.ConversationRoleAssistant}
	if text := resp.Text(); text != "" {
		msg.Parts = append(msg.Parts, model.TextPart{Text: text})
	}
	if len(resp.ToolCalls) > 0 {
		// At most one tool call per turn.
		call := resp.ToolCalls[0]
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		msg.Parts = append(msg.Parts, model.ToolUsePart{ID: call.ID, Name: call.Name, Input: call.Payload})
		s.Transcript = append(s.Transcript, msg)
		s.PendingToolCalls = []model.ToolCall{call}
		a.opts.Telemetry.Logger.Debug(ctx, "tool requested", "task_id", s.TaskID, "tool", string(call.Name))
		return OutcomeToolCall, nil
	}
	s.Transcript = append(s.Transcript, msg)
	s.StepResult = resp.Text()
	return OutcomeStepDone, nil
}

// ingest moves resolved tool results into the transcript and the knowledge
// accumulator.
func (a *Actor) ingest(s *task.State) {
	if len(s.ToolResults) == 0 {
		return
	}
	msg := &model.Message{Role: model.ConversationRoleUser}
	contents := make([]string, 0, len(s.ToolResults))
	for _, r := range s.ToolResults {
		msg.Parts = append(msg.Parts, model.ToolResultPart{ToolUseID: r.CallID, Content: r.Content, IsError: r.IsError})
		contents = append(contents, r.Content)
	}
	s.Transcript = append(s.Transcript, msg)
	s.AppendKnowledge(contents...)
	s.ToolResults = nil
}

// start synthesizes the opening messages of a step: the framing with
// knowledge, history and attachment, then the plan with the step to execute.
// Both are user messages so image attachments are accepted by every provider.
func (a *Actor) start(s *task.State) []*model.Message {
	framing := fmt.Sprintf(a.opts.Framing, s.Question)
	if s.Knowledge != "" {
		framing += "\n\nYou can use the following knowledge for your answer:\n" + s.Knowledge
	}
	if len(s.PastSteps) > 0 {
		framing += "\n\nYou can use the following history:\n" + task.FormatPastSteps(s.PastSteps)
	}
	instruction := fmt.Sprintf("For the following plan:\n%s\n\nYou are tasked with executing step 1, %s.",
		task.FormatPlan(s.Plan), s.Plan[0])
	return []*model.Message{
		{Role: model.ConversationRoleUser, Parts: s.Attachment.Fold(framing)},
		model.NewTextMessage(model.ConversationRoleUser, instruction),
	}
}

func toolDefinitions(r *tools.Registry) []*model.ToolDefinition {
	specs := r.Specs()
	if len(specs) == 0 {
		return nil
	}
	defs := make([]*model.ToolDefinition, 0, len(specs))
	for _, sp := range specs {
		defs = append(defs, &model.ToolDefinition{
			Name:        string(sp.Name),
			Description: sp.Description,
			InputSchema: sp.Schema(),
		})
	}
	return defs
}
