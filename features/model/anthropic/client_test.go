package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/planact/runtime/agent/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func userRequest(text string) *model.Request {
	return &model.Request{
		Messages: []*model.Message{model.NewTextMessage(model.ConversationRoleUser, text)},
	}
}

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}

	req := userRequest("hello")
	req.Messages = append([]*model.Message{model.NewTextMessage(model.ConversationRoleSystem, "be kind")}, req.Messages...)
	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := resp.Text(); got != "world" {
		t.Fatalf("unexpected text %q", got)
	}
	if resp.StopReason != string(sdk.StopReasonEndTurn) {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "be kind" {
		t.Fatalf("system prompt not forwarded: %+v", stub.lastParams.System)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Fatalf("expected 1 conversation message, got %d", len(stub.lastParams.Messages))
	}
	if stub.lastParams.MaxTokens != 128 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
}

func TestComplete_ToolUse(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{{
			Type:  "tool_use",
			ID:    "toolu_1",
			Name:  "search_web",
			Input: json.RawMessage(`{"query":"go"}`),
		}},
		StopReason: sdk.StopReasonToolUse,
	}
	req := userRequest("call tool")
	req.Tools = []*model.ToolDefinition{{
		Name:        "search.web",
		Description: "search the web",
		InputSchema: map[string]any{"type": "object"},
	}}

	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != "search.web" || call.ID != "toolu_1" {
		t.Fatalf("unexpected tool call %+v", call)
	}
	if string(call.Payload) != `{"query":"go"}` {
		t.Fatalf("unexpected payload %s", call.Payload)
	}
	if len(stub.lastParams.Tools) != 1 || stub.lastParams.Tools[0].OfTool.Name != "search_web" {
		t.Fatalf("tool not sanitized: %+v", stub.lastParams.Tools)
	}
	auto := stub.lastParams.ToolChoice.OfAuto
	if auto == nil || !auto.DisableParallelToolUse.Value {
		t.Fatalf("expected parallel tool use disabled")
	}
}

func TestComplete_StructuredOutputForcesTool(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{{
			Type:  "tool_use",
			ID:    "toolu_2",
			Name:  "plan",
			Input: json.RawMessage(`{"steps":["look it up"]}`),
		}},
		StopReason: sdk.StopReasonToolUse,
	}
	req := userRequest("make a plan")
	req.ResponseFormat = &model.ResponseFormat{
		Name:   "plan",
		Schema: map[string]any{"type": "object", "properties": map[string]any{"steps": map[string]any{"type": "array"}}},
	}

	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("structured response must not surface tool calls: %+v", resp.ToolCalls)
	}
	if got := resp.Text(); got != `{"steps":["look it up"]}` {
		t.Fatalf("unexpected text %q", got)
	}
	forced := stub.lastParams.ToolChoice.OfTool
	if forced == nil || forced.Name != "plan" {
		t.Fatalf("expected forced tool choice, got %+v", stub.lastParams.ToolChoice)
	}
}

func TestComplete_ReencodesTranscript(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "done"}}}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{
				model.TextPart{Text: "look"},
				model.ImagePart{Format: model.ImageFormatJPEG, Bytes: []byte("img")},
			}},
			{Role: model.ConversationRoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "tu1", Name: "search.web"},
			}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "tu1", Content: "boom", IsError: true},
			}},
		},
		Tools: []*model.ToolDefinition{{Name: "search.web", Description: "search"}},
	}
	if _, err := cl.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	msgs := stub.lastParams.Messages
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	img := msgs[0].Content[1].OfImage
	if img == nil || img.Source.OfBase64 == nil || img.Source.OfBase64.Data != "aW1n" {
		t.Fatalf("image not encoded: %+v", msgs[0].Content[1])
	}
	use := msgs[1].Content[0].OfToolUse
	if use == nil || use.Name != "search_web" || use.ID != "tu1" {
		t.Fatalf("tool use not re-encoded: %+v", msgs[1].Content[0])
	}
	result := msgs[2].Content[0].OfToolResult
	if result == nil || result.ToolUseID != "tu1" || !result.IsError.Value {
		t.Fatalf("tool result not re-encoded: %+v", msgs[2].Content[0])
	}
}

func TestComplete_RequiresMaxTokens(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Complete(context.Background(), userRequest("hi")); err == nil {
		t.Fatal("expected error without max tokens")
	}
}

func TestComplete_RateLimitedError(t *testing.T) {
	stub := &stubMessagesClient{err: &sdk.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests},
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), userRequest("hi"))
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	pe, ok := model.AsProviderError(err)
	if !ok || pe.Provider != "anthropic" || !pe.Retryable {
		t.Fatalf("unexpected provider error %+v", pe)
	}
}

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"search.web":    "search_web",
		"calc":          "calc",
		"a/b c":         "a_b_c",
		"already-valid": "already-valid",
	}
	for in, want := range cases {
		if got := sanitizeToolName(in); got != want {
			t.Errorf("sanitizeToolName(%q) = %q, want %q", in, got, want)
		}
	}
}
