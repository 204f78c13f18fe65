// Package mcp bridges Model Context Protocol tool servers into the tool
// registry. Transport specific clients implement Caller; Toolset discovers the
// server tools and adapts each one to tools.Tool.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	// JSON-RPC canonical error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

type (
	// Caller lists and invokes MCP tools. It is implemented by transport
	// specific clients (stdio, HTTP).
	Caller interface {
		ListTools(ctx context.Context) ([]ToolInfo, error)
		CallTool(ctx context.Context, req CallRequest) (CallResponse, error)
	}

	// ToolInfo describes a tool advertised by tools/list.
	ToolInfo struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	}

	// CallRequest describes a tools/call invocation.
	CallRequest struct {
		// Tool is the MCP tool name.
		Tool string
		// Payload is the JSON-encoded tool arguments.
		Payload json.RawMessage
	}

	// CallResponse captures the tool result.
	CallResponse struct {
		// Text is the concatenated text content of the result.
		Text string
		// IsError is set when the server reports a tool level failure.
		IsError bool
		// Structured carries the structured content when the server sent one.
		Structured json.RawMessage
	}

	// Error represents a JSON-RPC error returned by the MCP server.
	Error struct {
		Code    int
		Message string
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}
