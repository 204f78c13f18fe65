package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/planact/runtime/agent/actor"
	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/model/modeltest"
	"goa.design/planact/runtime/agent/planner"
	"goa.design/planact/runtime/agent/replanner"
	"goa.design/planact/runtime/agent/runlog"
	"goa.design/planact/runtime/agent/runlog/inmem"
	"goa.design/planact/runtime/agent/task"
	"goa.design/planact/runtime/agent/tools"
	"goa.design/planact/runtime/agent/validator"
)

func planReply(steps ...string) modeltest.Reply {
	return modeltest.JSON(map[string]any{"steps": steps})
}

func answerReply(text string) modeltest.Reply {
	return modeltest.JSON(map[string]any{"action": map[string]any{"response": text}})
}

func verdictReply(accepted bool, feedback string) modeltest.Reply {
	return modeltest.JSON(validator.Verdict{Accepted: accepted, Feedback: feedback})
}

// spyReplanner records the history visible to every replanner call.
type spyReplanner struct {
	next  Replanner
	seen  [][]task.PastStep
	calls int
}

func (r *spyReplanner) Replan(ctx context.Context, s *task.State) (replanner.Decision, error) {
	r.calls++
	r.seen = append(r.seen, append([]task.PastStep(nil), s.PastSteps...))
	return r.next.Replan(ctx, s)
}

func newStages(client model.Client, reg *tools.Registry) Stages {
	return Stages{
		Planner:   planner.New(client, planner.Options{}),
		Actor:     actor.New(client, reg, actor.Options{}),
		Invoker:   actor.NewInvoker(reg, actor.InvokerOptions{}),
		Replanner: replanner.New(client, replanner.Options{}),
		Validator: validator.New(client, validator.Options{}),
	}
}

func searchRegistry(t *testing.T, result string) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(tools.NewFunc(tools.Spec{
		Name:        "websearch",
		Description: "Search the web",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"websearch_query": map[string]any{"type": "string"}},
			"required":   []string{"websearch_query"},
		},
	}, func(context.Context, json.RawMessage) (string, error) {
		return result, nil
	}))
	require.NoError(t, err)
	return reg
}

func TestRunSingleStepAnswer(t *testing.T) {
	client := modeltest.New(
		planReply("Compute 2+2"),
		modeltest.Text("4"),
		answerReply("4"),
		verdictReply(true, ""),
	)
	log := inmem.New()
	c, err := New(newStages(client, searchRegistry(t, "")), Options{RunLog: log})
	require.NoError(t, err)

	s := task.New("a", "What is 2+2?", nil)
	require.NoError(t, c.RunAttempt(context.Background(), "run-a", s))

	assert.Equal(t, "4", s.Answer)
	assert.Equal(t, []string{"Compute 2+2"}, s.Plan)
	require.Len(t, s.PastSteps, 1)
	assert.Equal(t, task.PastStep{Step: "Compute 2+2", Result: "4", Kind: task.PastStepKindStep}, s.PastSteps[0])
	assert.LessOrEqual(t, s.Iterations-1, 3, "transitions after planning")
	assert.Equal(t, 4, client.Calls())

	page, err := log.List(context.Background(), "run-a", "", 100)
	require.NoError(t, err)
	var path []string
	for _, e := range page.Events {
		if e.Type != runlog.EventTransition {
			continue
		}
		var tr runlog.Transition
		require.NoError(t, json.Unmarshal(e.Payload, &tr))
		path = append(path, tr.To)
	}
	assert.Equal(t, []string{"Act", "Replan", "Validate", "Done"}, path)
	assert.Equal(t, runlog.EventAttemptStarted, page.Events[0].Type)
	assert.Equal(t, runlog.EventAttemptFinished, page.Events[len(page.Events)-1].Type)
}

func TestRunToolCallRoundTrip(t *testing.T) {
	client := modeltest.New(
		planReply("Find the capital of Canada"),
		modeltest.ToolUse("call-1", "websearch", `{"websearch_query":"capital of Canada"}`),
		modeltest.Text("Ottawa"),
		answerReply("Ottawa"),
		verdictReply(true, ""),
	)
	log := inmem.New()
	c, err := New(newStages(client, searchRegistry(t, "Ottawa is the capital of Canada")), Options{RunLog: log})
	require.NoError(t, err)

	s := task.New("b", "What is the capital of Canada?", nil)
	require.NoError(t, c.RunAttempt(context.Background(), "run-b", s))

	assert.Contains(t, s.Knowledge, "Ottawa is the capital of Canada")
	assert.Equal(t, "Ottawa", s.Answer)

	page, err := log.List(context.Background(), "run-b", "", 100)
	require.NoError(t, err)
	var hops []string
	for _, e := range page.Events {
		if e.Type == runlog.EventTransition {
			var tr runlog.Transition
			require.NoError(t, json.Unmarshal(e.Payload, &tr))
			hops = append(hops, tr.From+">"+tr.To)
		}
	}
	assert.Equal(t, []string{"Plan>Act", "Act>InvokeTool", "InvokeTool>Act", "Act>Replan", "Replan>Validate", "Validate>Done"}, hops)

	// The second actor turn sees the tool result.
	second := client.Requests()[2]
	var found bool
	for _, m := range second.Messages {
		for _, p := range m.Parts {
			if r, ok := p.(model.ToolResultPart); ok && r.ToolUseID == "call-1" {
				found = true
				assert.Equal(t, "Ottawa is the capital of Canada", r.Content)
			}
		}
	}
	assert.True(t, found, "tool result forwarded to the actor")
}

func TestRunValidatorFeedback(t *testing.T) {
	client := modeltest.New(
		planReply("Find the capital of Canada"),
		modeltest.Text("Ottawa."),
		answerReply("Ottawa."),
		verdictReply(false, "remove trailing punctuation"),
		answerReply("Ottawa"),
		verdictReply(true, ""),
	)
	stages := newStages(client, searchRegistry(t, ""))
	spy := &spyReplanner{next: stages.Replanner}
	stages.Replanner = spy
	c, err := New(stages, Options{})
	require.NoError(t, err)

	s := task.New("c", "What is the capital of Canada? No punctuation.", nil)
	require.NoError(t, c.Run(context.Background(), s))

	require.Equal(t, 2, spy.calls)
	second := spy.seen[1]
	require.NotEmpty(t, second)
	last := second[len(second)-1]
	assert.Equal(t, task.PastStepKindValidation, last.Kind)
	assert.Equal(t, "remove trailing punctuation", last.Result)

	prompt := modeltest.UserText(client.Requests()[4])
	assert.Contains(t, prompt, "Pay most attention to the following feedback")
	assert.Contains(t, prompt, "remove trailing punctuation")

	assert.Equal(t, "Ottawa", s.Answer)
	require.Len(t, s.PastSteps, 2)
	assert.Equal(t, task.PastStepKindStep, s.PastSteps[0].Kind)
	assert.Equal(t, task.PastStepKindValidation, s.PastSteps[1].Kind)
}

type loopActor struct{ calls int }

func (a *loopActor) Act(_ context.Context, s *task.State) (actor.Outcome, error) {
	a.calls++
	s.PendingToolCalls = []model.ToolCall{{ID: fmt.Sprint(a.calls), Name: "websearch"}}
	return actor.OutcomeToolCall, nil
}

type nopInvoker struct{}

func (nopInvoker) Invoke(_ context.Context, s *task.State) error {
	s.PendingToolCalls = nil
	return nil
}

type fixedPlanner struct{ err error }

func (p fixedPlanner) Plan(_ context.Context, s *task.State) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	s.Plan = []string{"loop"}
	return s.Plan, nil
}

type endlessReplanner struct{}

func (endlessReplanner) Replan(_ context.Context, s *task.State) (replanner.Decision, error) {
	s.AppendPastStep(task.PastStep{Step: s.CurrentStep(), Result: s.StepResult})
	s.ResetStep()
	return replanner.NewPlan{Steps: s.Plan}, nil
}

type stepActor struct{}

func (stepActor) Act(_ context.Context, s *task.State) (actor.Outcome, error) {
	s.StepResult = "nothing yet"
	return actor.OutcomeStepDone, nil
}

type acceptAll struct{}

func (acceptAll) Validate(context.Context, *task.State) (validator.Verdict, error) {
	return validator.Verdict{Accepted: true}, nil
}

func TestRunRecursionLimit(t *testing.T) {
	for _, n := range []int{1, 2, 7, 30} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			log := inmem.New()
			c, err := New(Stages{
				Planner:   fixedPlanner{},
				Actor:     &loopActor{},
				Invoker:   nopInvoker{},
				Replanner: endlessReplanner{},
				Validator: acceptAll{},
			}, Options{MaxIterations: n, RunLog: log})
			require.NoError(t, err)

			s := task.New("d", "loop forever", nil)
			err = c.RunAttempt(context.Background(), "run-d", s)
			require.ErrorIs(t, err, ErrRecursionExceeded)
			var rerr *RecursionExceededError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, n, rerr.Limit)
			assert.Equal(t, n, s.Iterations)
			assert.Empty(t, s.Answer)

			page, err := log.List(context.Background(), "run-d", "", 1000)
			require.NoError(t, err)
			var transitions int
			for _, e := range page.Events {
				if e.Type == runlog.EventTransition {
					transitions++
				}
			}
			assert.Equal(t, n, transitions)
			assert.Equal(t, runlog.EventAttemptFailed, page.Events[len(page.Events)-1].Type)
		})
	}
}

func TestReplanLoopHitsLimit(t *testing.T) {
	c, err := New(Stages{
		Planner:   fixedPlanner{},
		Actor:     stepActor{},
		Invoker:   nopInvoker{},
		Replanner: endlessReplanner{},
		Validator: acceptAll{},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations, c.MaxIterations())

	s := task.New("d2", "never answers", nil)
	require.ErrorIs(t, c.Run(context.Background(), s), ErrRecursionExceeded)
	assert.Equal(t, DefaultMaxIterations, s.Iterations)
	assert.NotEmpty(t, s.PastSteps)
}

func TestRunImageRoundTrip(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 1, 2, 3, 4}
	att := &task.Attachment{Name: "chart.png", Kind: task.AttachmentImage, MIMEType: "image/png", Data: png}
	client := modeltest.New(
		planReply("Read the chart"),
		modeltest.Text("42"),
		answerReply("42"),
		verdictReply(true, ""),
	)
	c, err := New(newStages(client, searchRegistry(t, "")), Options{})
	require.NoError(t, err)

	s := task.New("e", "What value does the chart show?", att)
	require.NoError(t, c.Run(context.Background(), s))

	want := att.DataURL()
	require.NotEmpty(t, want)
	reqs := client.Requests()
	for i, stage := range []string{"planner", "actor", "replanner"} {
		imgs := modeltest.Images(reqs[i])
		require.Len(t, imgs, 1, stage)
		assert.Equal(t, want, imgs[0].DataURL(), stage)
		assert.Equal(t, png, imgs[0].Bytes, stage)
	}
	assert.Equal(t, png, s.Attachment.Data, "attachment unchanged")
}

func TestStageErrorsPropagate(t *testing.T) {
	boom := errors.New("capability down")
	c, err := New(Stages{
		Planner:   fixedPlanner{err: boom},
		Actor:     stepActor{},
		Invoker:   nopInvoker{},
		Replanner: endlessReplanner{},
		Validator: acceptAll{},
	}, Options{})
	require.NoError(t, err)
	s := task.New("f", "q", nil)
	require.ErrorIs(t, c.Run(context.Background(), s), boom)
	assert.Zero(t, s.Iterations)

	_, err = New(Stages{}, Options{})
	require.Error(t, err)
}

func TestCancelledContextStops(t *testing.T) {
	c, err := New(Stages{
		Planner:   fixedPlanner{},
		Actor:     &loopActor{},
		Invoker:   nopInvoker{},
		Replanner: endlessReplanner{},
		Validator: acceptAll{},
	}, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Run(ctx, task.New("g", "q", nil)), context.Canceled)
}

// randomStages consume scripted choices and fall back to finishing the task
// once a script runs out.
type randomStages struct {
	toolCalls []bool
	answers   []bool
	accepts   []bool
	answerN   int

	lastEvaluated string
	lastAccepted  bool
	pastLens      []int
}

func pop(xs *[]bool, def bool) bool {
	if len(*xs) == 0 {
		return def
	}
	v := (*xs)[0]
	*xs = (*xs)[1:]
	return v
}

func (r *randomStages) Plan(_ context.Context, s *task.State) ([]string, error) {
	s.Plan = []string{"step"}
	return s.Plan, nil
}

func (r *randomStages) Act(_ context.Context, s *task.State) (actor.Outcome, error) {
	r.pastLens = append(r.pastLens, len(s.PastSteps))
	if pop(&r.toolCalls, false) {
		s.PendingToolCalls = []model.ToolCall{{Name: "websearch"}}
		return actor.OutcomeToolCall, nil
	}
	s.Transcript = append(s.Transcript, model.NewTextMessage(model.ConversationRoleAssistant, "r"))
	s.StepResult = "r"
	return actor.OutcomeStepDone, nil
}

func (r *randomStages) Invoke(_ context.Context, s *task.State) error {
	s.PendingToolCalls = nil
	s.AppendKnowledge("k")
	return nil
}

func (r *randomStages) Replan(_ context.Context, s *task.State) (replanner.Decision, error) {
	r.pastLens = append(r.pastLens, len(s.PastSteps))
	if len(s.Transcript) > 0 {
		s.AppendPastStep(task.PastStep{Step: s.CurrentStep(), Result: s.StepResult})
	}
	s.ResetStep()
	if pop(&r.answers, true) {
		r.answerN++
		s.Answer = fmt.Sprintf("answer-%d", r.answerN)
		return replanner.Answer{Text: s.Answer}, nil
	}
	s.Answer = ""
	return replanner.NewPlan{Steps: s.Plan}, nil
}

func (r *randomStages) Validate(_ context.Context, s *task.State) (validator.Verdict, error) {
	r.lastEvaluated = s.Answer
	r.lastAccepted = pop(&r.accepts, true)
	if !r.lastAccepted {
		s.Answer = ""
		s.AppendPastStep(task.PastStep{Step: task.ValidationStepName, Result: "fix", Kind: task.PastStepKindValidation})
	}
	return validator.Verdict{Accepted: r.lastAccepted}, nil
}

func TestRunInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("terminates only with the last accepted answer and monotonic history", prop.ForAll(
		func(toolCalls, answers, accepts []bool, limit int) bool {
			r := &randomStages{toolCalls: toolCalls, answers: answers, accepts: accepts}
			c, err := New(Stages{Planner: r, Actor: r, Invoker: r, Replanner: r, Validator: r}, Options{MaxIterations: limit})
			if err != nil {
				return false
			}
			s := task.New("p", "q", nil)
			err = c.Run(context.Background(), s)
			for i := 1; i < len(r.pastLens); i++ {
				if r.pastLens[i] < r.pastLens[i-1] {
					return false
				}
			}
			if s.Iterations > limit {
				return false
			}
			if err != nil {
				return errors.Is(err, ErrRecursionExceeded) && s.Iterations == limit
			}
			return r.lastAccepted && s.Answer != "" && s.Answer == r.lastEvaluated
		},
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
