package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"goa.design/planact/runtime/agent/tools"
)

type (
	// ToolsetOptions configures Toolset.
	ToolsetOptions struct {
		// Idempotent lists the tools whose results depend only on their
		// arguments and may be cached.
		Idempotent []string
		// Allow restricts the bridged tools when non-empty.
		Allow []string
	}

	remoteTool struct {
		spec   tools.Spec
		caller Caller
	}
)

// Toolset discovers the tools served by caller and adapts them to tools.Tool.
func Toolset(ctx context.Context, caller Caller, opts ToolsetOptions) ([]tools.Tool, error) {
	infos, err := caller.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools: %w", err)
	}
	out := make([]tools.Tool, 0, len(infos))
	for _, info := range infos {
		if info.Name == "" {
			continue
		}
		if len(opts.Allow) > 0 && !slices.Contains(opts.Allow, info.Name) {
			continue
		}
		out = append(out, &remoteTool{
			spec: tools.Spec{
				Name:        tools.Ident(info.Name),
				Description: info.Description,
				InputSchema: info.InputSchema,
				Idempotent:  slices.Contains(opts.Idempotent, info.Name),
			},
			caller: caller,
		})
	}
	return out, nil
}

func (t *remoteTool) Spec() tools.Spec { return t.spec }

func (t *remoteTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	resp, err := t.caller.CallTool(ctx, CallRequest{Tool: string(t.spec.Name), Payload: args})
	if err != nil {
		return "", err
	}
	if resp.IsError {
		msg := resp.Text
		if msg == "" {
			msg = "tool reported an error"
		}
		return "", errors.New(msg)
	}
	return resp.Text, nil
}
