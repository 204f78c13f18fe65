package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"goa.design/planact/runtime/mcp"
)

// DefaultProtocolVersion is the MCP protocol version used when none is provided.
const DefaultProtocolVersion = "2024-11-05"

type (
	// ClientOptions configures the MCP handshake shared by all transports.
	ClientOptions struct {
		ProtocolVersion string
		ClientName      string
		ClientVersion   string
		InitTimeout     time.Duration
	}

	// transport exchanges JSON-RPC messages with a server.
	transport interface {
		call(ctx context.Context, method string, params any, result any) error
		notify(ctx context.Context, method string, params any) error
	}

	// session implements mcp.Caller on top of a transport.
	session struct {
		t transport
	}

	rpcMessage struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  any             `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	toolsListResult struct {
		Tools      []mcp.ToolInfo `json:"tools"`
		NextCursor string         `json:"nextCursor,omitempty"`
	}

	toolsCallResult struct {
		Content           []contentItem   `json:"content"`
		IsError           bool            `json:"isError"`
		StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	}

	contentItem struct {
		Type     string  `json:"type"`
		Text     *string `json:"text,omitempty"`
		MimeType *string `json:"mimeType,omitempty"`
	}
)

func (e *rpcError) callerError() *mcp.Error {
	if e == nil {
		return nil
	}
	return &mcp.Error{Code: e.Code, Message: e.Message}
}

// initialize performs the MCP handshake.
func (s session) initialize(ctx context.Context, opts ClientOptions) error {
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = "planact"
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	payload := map[string]any{
		"protocolVersion": protocol,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	if err := s.t.call(initCtx, "initialize", payload, nil); err != nil {
		return fmt.Errorf("mcp initialize failed: %w", err)
	}
	return s.t.notify(initCtx, "notifications/initialized", nil)
}

// ListTools implements mcp.Caller, following pagination cursors.
func (s session) ListTools(ctx context.Context) ([]mcp.ToolInfo, error) {
	var all []mcp.ToolInfo
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res toolsListResult
		if err := s.t.call(ctx, "tools/list", params, &res); err != nil {
			return nil, err
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			return all, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool implements mcp.Caller.
func (s session) CallTool(ctx context.Context, req mcp.CallRequest) (mcp.CallResponse, error) {
	args := req.Payload
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	params := map[string]any{
		"name":      req.Tool,
		"arguments": args,
	}
	addTraceMeta(ctx, params)
	var result toolsCallResult
	if err := s.t.call(ctx, "tools/call", params, &result); err != nil {
		return mcp.CallResponse{}, err
	}
	return normalizeToolResult(result)
}

// normalizeToolResult flattens the content items into text. Non text items
// are summarized by type.
func normalizeToolResult(result toolsCallResult) (mcp.CallResponse, error) {
	var parts []string
	for _, item := range result.Content {
		switch {
		case item.Text != nil:
			parts = append(parts, *item.Text)
		case item.MimeType != nil:
			parts = append(parts, fmt.Sprintf("[%s content: %s]", item.Type, *item.MimeType))
		case item.Type != "":
			parts = append(parts, fmt.Sprintf("[%s content]", item.Type))
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" && len(result.StructuredContent) > 0 {
		text = string(result.StructuredContent)
	}
	if text == "" && !result.IsError {
		return mcp.CallResponse{}, errors.New("tool returned no content")
	}
	return mcp.CallResponse{Text: text, IsError: result.IsError, Structured: result.StructuredContent}, nil
}

func addTraceMeta(ctx context.Context, params map[string]any) {
	if ctx == nil || params == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	meta := make(map[string]string, len(carrier))
	for k, v := range carrier {
		meta[k] = v
	}
	params["_meta"] = meta
}
