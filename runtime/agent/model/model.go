// Package model provides the provider-agnostic capability interface used by the
// planning, acting, replanning and validation stages. Implementations translate
// the normalized types below into provider-specific formats (OpenAI, Anthropic,
// Bedrock) so stages never couple to a specific SDK.
package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"goa.design/planact/runtime/agent/tools"
)

type (
	// Client defines the contract stages use to invoke a model. Implementations
	// wrap provider SDKs and must be safe for concurrent use by independent tasks.
	Client interface {
		// Complete sends the request to the provider and blocks until the full
		// response is available. Returns an error if the model is unavailable,
		// quota is exceeded, or the request is malformed.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// ConversationRole identifies the author of a message.
	ConversationRole string

	// ImageFormat identifies the encoding of an ImagePart.
	ImageFormat string

	// Part is a single content element of a message. The marker method keeps the
	// set of implementations closed to this package.
	Part interface {
		isPart()
	}

	// TextPart carries plain text.
	TextPart struct {
		Text string
	}

	// ImagePart carries inline image bytes.
	ImagePart struct {
		Format ImageFormat
		Bytes  []byte
	}

	// ToolUsePart records a tool invocation requested by the assistant.
	ToolUsePart struct {
		// ID correlates the use with its ToolResultPart.
		ID string
		// Name is the tool identifier.
		Name tools.Ident
		// Input is the JSON arguments generated by the model.
		Input json.RawMessage
	}

	// ToolResultPart carries the outcome of a tool invocation back to the model.
	ToolResultPart struct {
		// ToolUseID references the ToolUsePart this result answers.
		ToolUseID string
		// Content is the textual tool output, or the failure description when
		// IsError is true.
		Content string
		// IsError reports whether the tool failed.
		IsError bool
	}

	// Message is an ordered list of parts authored by a single role.
	Message struct {
		Role  ConversationRole
		Parts []Part
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the provider model. Empty selects the client default.
		Model string
		// Messages is the ordered conversation.
		Messages []*Message
		// Tools lists the tools the model may call. Empty disables tool use.
		Tools []*ToolDefinition
		// ParallelToolCalls allows the model to request several tools in one
		// turn. Providers that cannot disable parallel calls still return them;
		// callers enforce the limit.
		ParallelToolCalls bool
		// ResponseFormat requests a structured response conforming to a JSON
		// schema. Nil requests free text.
		ResponseFormat *ResponseFormat
		// Temperature controls sampling. Zero uses the provider default.
		Temperature float32
		// MaxTokens caps generated tokens. Zero uses the client default.
		MaxTokens int
	}

	// ResponseFormat describes the JSON schema a structured response must follow.
	ResponseFormat struct {
		// Name is a short identifier for the schema (e.g. "plan").
		Name string
		// Description documents the schema for the model.
		Description string
		// Schema is a JSON Schema object.
		Schema map[string]any
	}

	// Response wraps the generated content and any tool calls.
	Response struct {
		// Content contains the assistant messages returned by the model.
		Content []Message
		// ToolCalls lists tool invocations requested by the model.
		ToolCalls []ToolCall
		// Usage reports token usage when available.
		Usage TokenUsage
		// StopReason is the provider-specific termination reason.
		StopReason string
	}

	// ToolDefinition describes a tool to the model.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is the JSON Schema of the tool arguments.
		InputSchema any
	}

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier.
		ID string
		// Name identifies the tool to invoke.
		Name tools.Ident
		// Payload carries the raw JSON arguments.
		Payload json.RawMessage
	}

	// TokenUsage records prompt and completion token counts.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

const (
	// ConversationRoleSystem marks instruction messages.
	ConversationRoleSystem ConversationRole = "system"
	// ConversationRoleUser marks user and tool-result messages.
	ConversationRoleUser ConversationRole = "user"
	// ConversationRoleAssistant marks model output.
	ConversationRoleAssistant ConversationRole = "assistant"
)

const (
	ImageFormatPNG  ImageFormat = "png"
	ImageFormatJPEG ImageFormat = "jpeg"
	ImageFormatGIF  ImageFormat = "gif"
	ImageFormatWEBP ImageFormat = "webp"
)

// ErrRateLimited is returned (possibly wrapped) by clients when the provider
// throttles the request. Rate limiting middleware backs off when it sees it.
var ErrRateLimited = errors.New("model: rate limited")

func (TextPart) isPart()       {}
func (ImagePart) isPart()      {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// MIMEType returns the media type of the image format.
func (f ImageFormat) MIMEType() string {
	if f == "" {
		return "image/png"
	}
	return "image/" + string(f)
}

// DataURL renders the image as an inline data URL. The result depends only on
// the image bytes and format so repeated calls are byte-identical.
func (p ImagePart) DataURL() string {
	return "data:" + p.Format.MIMEType() + ";base64," + base64.StdEncoding.EncodeToString(p.Bytes)
}

// NewTextMessage returns a single-part text message.
func NewTextMessage(role ConversationRole, text string) *Message {
	return &Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// Text concatenates the text of all content messages in the response.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for i := range r.Content {
		b.WriteString(r.Content[i].Text())
	}
	return b.String()
}
