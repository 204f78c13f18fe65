// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system and conversational messages, encodes
// tool schemas into Bedrock's ToolConfiguration, and translates Converse
// responses (text + tool_use blocks) back into the provider-agnostic model
// types.
//
// Structured responses are requested by forcing a single tool whose input
// schema is the requested format; the tool input becomes the response text.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/telemetry"
	"goa.design/planact/runtime/agent/tools"
)

const bedrockProviderName = "bedrock"

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// DefaultModel is the model identifier used when a request does not name one.
	DefaultModel string

	// MaxTokens sets the default completion cap when a request does not specify
	// MaxTokens. When zero or negative, the client omits MaxTokens so Bedrock
	// uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32

	// Logger is used for non-fatal diagnostics inside the Bedrock adapter.
	// When nil, defaults to a no-op logger.
	Logger telemetry.Logger
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
	logger       telemetry.Logger
}

type requestParts struct {
	modelID    string
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
	// provToCanon translates tool_use names back to canonical identifiers.
	provToCanon map[string]string
	// structured is the provider name of the forced response format tool.
	structured string
}

// New initializes a Bedrock-powered model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		logger:       logger,
	}, nil
}

// NewFromConfig builds a Bedrock runtime client from an AWS configuration
// (typically loaded with the default credential chain) and wraps it with New.
// opts.Runtime is ignored.
func NewFromConfig(cfg aws.Config, opts Options) (*Client, error) {
	if cfg.Region == "" {
		return nil, errors.New("bedrock region is required")
	}
	opts.Runtime = bedrockruntime.NewFromConfig(cfg)
	return New(opts)
}

// Complete issues a chat completion request to the configured Bedrock model
// using the Converse API and translates the response into assistant messages
// and tool calls.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	parts, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(parts, req))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, wrapBedrockError("converse", err)
	}
	return translateResponse(output, parts)
}

func (c *Client) prepareRequest(ctx context.Context, req *model.Request) (*requestParts, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, canonToProv, provToCanon, structured, err := encodeTools(ctx, req.Tools, req.ResponseFormat, c.logger)
	if err != nil {
		return nil, err
	}
	messages, system, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return &requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		provToCanon: provToCanon,
		structured:  structured,
	}, nil
}

func (c *Client) buildConverseInput(parts *requestParts, req *model.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if tokens := c.effectiveMaxTokens(maxTokens); tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	if t := c.effectiveTemperature(temp); t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float32 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapBedrockError(operation string, err error) error {
	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if isRateLimited(err) {
		status = http.StatusTooManyRequests
	}
	return model.NewProviderError(bedrockProviderName, operation, status, code, msg, err)
}

func encodeMessages(msgs []*model.Message, nameMap map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(model.TextPart); ok && v.Text != "" {
					system = append(system, &brtypes.SystemContentBlockMemberText{Value: v.Text})
				}
			}
			continue
		}
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case model.ImagePart:
				// Bedrock supports image blocks only for user messages.
				if m.Role != model.ConversationRoleUser {
					return nil, nil, fmt.Errorf("bedrock: image parts are only supported in user messages (role=%s)", m.Role)
				}
				format, err := imageFormat(v.Format)
				if err != nil {
					return nil, nil, err
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberImage{
					Value: brtypes.ImageBlock{
						Format: format,
						Source: &brtypes.ImageSourceMemberBytes{Value: v.Bytes},
					},
				})
			case model.ToolUsePart:
				name, ok := nameMap[string(v.Name)]
				if !ok {
					name = SanitizeToolName(string(v.Name))
				}
				var input any = map[string]any{}
				if len(v.Input) > 0 {
					if err := json.Unmarshal(v.Input, &input); err != nil {
						return nil, nil, fmt.Errorf("bedrock: tool_use %q input: %w", v.ID, err)
					}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(v.ID),
						Name:      aws.String(name),
						Input:     lazyDocument(input),
					},
				})
			case model.ToolResultPart:
				status := brtypes.ToolResultStatusSuccess
				if v.IsError {
					status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(v.ToolUseID),
						Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: v.Content}},
						Status:    status,
					},
				})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role { //nolint:exhaustive
		case model.ConversationRoleUser:
			role = brtypes.ConversationRoleUser
		case model.ConversationRoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		// Converse requires alternating roles: fold consecutive same-role
		// messages into one.
		if n := len(conversation); n > 0 && conversation[n-1].Role == role {
			conversation[n-1].Content = append(conversation[n-1].Content, blocks...)
			continue
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	return conversation, system, nil
}

func imageFormat(f model.ImageFormat) (brtypes.ImageFormat, error) {
	switch f {
	case model.ImageFormatPNG, "":
		return brtypes.ImageFormatPng, nil
	case model.ImageFormatJPEG:
		return brtypes.ImageFormatJpeg, nil
	case model.ImageFormatGIF:
		return brtypes.ImageFormatGif, nil
	case model.ImageFormatWEBP:
		return brtypes.ImageFormatWebp, nil
	default:
		return "", fmt.Errorf("bedrock: unsupported image format %q", f)
	}
}

func encodeTools(
	ctx context.Context,
	defs []*model.ToolDefinition,
	format *model.ResponseFormat,
	logger telemetry.Logger,
) (*brtypes.ToolConfiguration, map[string]string, map[string]string, string, error) {
	toolList := make([]brtypes.Tool, 0, len(defs)+1)
	// canonToSan maps canonical identifiers to provider-visible sanitized names.
	canonToSan := make(map[string]string, len(defs)+1)
	sanToCanon := make(map[string]string, len(defs)+1)
	add := func(canonical, description string, schema any) error {
		sanitized := SanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		if description == "" {
			return fmt.Errorf("bedrock: tool %q is missing description", canonical)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(ctx, schema, logger)},
		}})
		return nil
	}
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if err := add(def.Name, def.Description, def.InputSchema); err != nil {
			return nil, nil, nil, "", err
		}
	}
	var structured string
	if format != nil {
		if format.Name == "" {
			return nil, nil, nil, "", errors.New("bedrock: response format name is required")
		}
		desc := format.Description
		if desc == "" {
			desc = "Respond by calling this tool with the structured answer."
		}
		if err := add(format.Name, desc, format.Schema); err != nil {
			return nil, nil, nil, "", err
		}
		structured = canonToSan[format.Name]
	}
	if len(toolList) == 0 {
		return nil, nil, nil, "", nil
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	if structured != "" {
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(structured)},
		}
	}
	return cfg, canonToSan, sanToCanon, structured, nil
}

func toDocument(ctx context.Context, schema any, logger telemetry.Logger) document.Interface {
	switch v := schema.(type) {
	case nil:
		return lazyDocument(map[string]any{"type": "object"})
	case document.Interface:
		return v
	case json.RawMessage:
		var decoded any
		if len(v) == 0 {
			return lazyDocument(map[string]any{"type": "object"})
		}
		if err := json.Unmarshal(v, &decoded); err != nil {
			logger.Error(ctx, "failed to unmarshal schema", "component", "bedrock", "err", err)
			return lazyDocument(map[string]any{"type": "object"})
		}
		return lazyDocument(decoded)
	default:
		return lazyDocument(v)
	}
}

func translateResponse(output *bedrockruntime.ConverseOutput, parts *requestParts) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				resp.Content = append(resp.Content, *model.NewTextMessage(model.ConversationRoleAssistant, v.Value))
			case *brtypes.ContentBlockMemberToolUse:
				payload := decodeDocument(v.Value.Input)
				name := aws.ToString(v.Value.Name)
				if parts.structured != "" && name == parts.structured {
					resp.Content = append(resp.Content, *model.NewTextMessage(model.ConversationRoleAssistant, string(payload)))
					continue
				}
				if canonical, ok := parts.provToCanon[name]; ok {
					name = canonical
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:      aws.ToString(v.Value.ToolUseId),
					Name:    tools.Ident(name),
					Payload: payload,
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	resp.StopReason = string(output.StopReason)
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}
