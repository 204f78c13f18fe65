// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates normalized requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and maps
// responses (text, tools, usage) back into the provider-agnostic model types.
//
// Claude has no native JSON schema response mode, so structured requests are
// served by forcing a single tool whose input schema is the requested format;
// the tool input is returned as the response text.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/tools"
)

const providerName = "anthropic"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not specify
		// MaxTokens. Claude requires a cap so the client fails requests when both
		// are zero.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}

	// toolNames maps between canonical and provider-safe tool names.
	toolNames struct {
		canonToProv map[string]string
		provToCanon map[string]string
		// structured is the provider name of the forced response format tool.
		structured string
	}
)

// New builds an Anthropic-backed model client from the provided Anthropic
// Messages client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues a Messages.New request and translates the response into
// assistant messages and tool calls.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, names, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, translateError(err)
	}
	return translateResponse(msg, names)
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, *toolNames, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolList, names, err := encodeTools(req.Tools, req.ResponseFormat)
	if err != nil {
		return nil, nil, err
	}
	msgs, system, err := encodeMessages(req.Messages, names)
	if err != nil {
		return nil, nil, err
	}
	maxTokens := c.effectiveMaxTokens(req.MaxTokens)
	if maxTokens <= 0 {
		return nil, nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	switch {
	case names.structured != "":
		params.ToolChoice = sdk.ToolChoiceParamOfTool(names.structured)
	case len(toolList) > 0 && !req.ParallelToolCalls:
		params.ToolChoice = sdk.ToolChoiceUnionParam{
			OfAuto: &sdk.ToolChoiceAutoParam{DisableParallelToolUse: sdk.Bool(true)},
		}
	}
	return &params, names, nil
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []*model.Message, names *toolNames) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(model.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ImagePart:
				blocks = append(blocks, sdk.NewImageBlockBase64(v.Format.MIMEType(), base64.StdEncoding.EncodeToString(v.Bytes)))
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, nil, errors.New("anthropic: tool_use part missing name")
				}
				name := names.provider(string(v.Name))
				input := v.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, input, name))
			case model.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, v.Content, v.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role { //nolint:exhaustive
		case model.ConversationRoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.ConversationRoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []*model.ToolDefinition, format *model.ResponseFormat) ([]sdk.ToolUnionParam, *toolNames, error) {
	names := &toolNames{
		canonToProv: make(map[string]string, len(defs)+1),
		provToCanon: make(map[string]string, len(defs)+1),
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs)+1)
	add := func(canonical, description string, schema any) error {
		sanitized := sanitizeToolName(canonical)
		if prev, ok := names.provToCanon[sanitized]; ok && prev != canonical {
			return fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev)
		}
		names.provToCanon[sanitized] = canonical
		names.canonToProv[canonical] = sanitized
		input, err := toolInputSchema(schema)
		if err != nil {
			return fmt.Errorf("anthropic: tool %q schema: %w", canonical, err)
		}
		u := sdk.ToolUnionParamOfTool(input, sanitized)
		if u.OfTool != nil && description != "" {
			u.OfTool.Description = sdk.String(description)
		}
		toolList = append(toolList, u)
		return nil
	}
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if err := add(def.Name, def.Description, def.InputSchema); err != nil {
			return nil, nil, err
		}
	}
	if format != nil {
		if format.Name == "" {
			return nil, nil, errors.New("anthropic: response format name is required")
		}
		desc := format.Description
		if desc == "" {
			desc = "Respond by calling this tool with the structured answer."
		}
		if err := add(format.Name, desc, format.Schema); err != nil {
			return nil, nil, err
		}
		names.structured = names.canonToProv[format.Name]
	}
	return toolList, names, nil
}

func (n *toolNames) provider(canonical string) string {
	if s, ok := n.canonToProv[canonical]; ok {
		return s
	}
	return sanitizeToolName(canonical)
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// sanitizeToolName maps a canonical tool identifier to characters allowed by
// Anthropic tool naming constraints by replacing any disallowed rune with '_'
// and truncating to 64 characters.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return string(out)
}

func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code, message := decodeAPIError(apiErr.RawJSON())
		return model.NewProviderError(providerName, "messages.new", apiErr.StatusCode, code, message, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("anthropic messages.new: %w", err)
}

// decodeAPIError extracts the error type and message from an Anthropic error
// body of the form {"type":"error","error":{"type":...,"message":...}}.
func decodeAPIError(raw string) (string, string) {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if raw == "" || json.Unmarshal([]byte(raw), &body) != nil {
		return "", ""
	}
	return body.Error.Type, body.Error.Message
}

func translateResponse(msg *sdk.Message, names *toolNames) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			resp.Content = append(resp.Content, *model.NewTextMessage(model.ConversationRoleAssistant, block.Text))
		case "tool_use":
			if names.structured != "" && block.Name == names.structured {
				resp.Content = append(resp.Content, *model.NewTextMessage(model.ConversationRoleAssistant, string(block.Input)))
				continue
			}
			// Unadvertised names are surfaced as-is so the invoker can report an
			// unknown tool.
			name := block.Name
			if canonical, ok := names.provToCanon[name]; ok {
				name = canonical
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:      block.ID,
				Name:    tools.Ident(name),
				Payload: block.Input,
			})
		}
	}
	u := msg.Usage
	resp.Usage = model.TokenUsage{
		InputTokens:  int(u.InputTokens),
		OutputTokens: int(u.OutputTokens),
		TotalTokens:  int(u.InputTokens + u.OutputTokens),
	}
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}
