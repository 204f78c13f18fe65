package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/structured"
	"goa.design/planact/runtime/agent/task"
	"goa.design/planact/runtime/agent/telemetry"
	"goa.design/planact/runtime/agent/toolerrors"
	"goa.design/planact/runtime/agent/tools"
)

type (
	// InvokerOptions configures an Invoker.
	InvokerOptions struct {
		// Timeout bounds a single tool call. Zero means no bound beyond ctx.
		Timeout   time.Duration
		Telemetry telemetry.Set
	}

	// Invoker resolves pending tool calls against the registry. Tool failures
	// become tool results; only cancellation of ctx is returned as an error.
	Invoker struct {
		registry *tools.Registry
		schemas  map[tools.Ident]*structured.Schema
		opts     InvokerOptions
	}
)

// NewInvoker returns an Invoker over registry. Tool input schemas are compiled
// once; tools whose schema does not compile are called without validation.
func NewInvoker(registry *tools.Registry, opts InvokerOptions) *Invoker {
	opts.Telemetry = opts.Telemetry.WithDefaults()
	schemas := make(map[tools.Ident]*structured.Schema)
	for _, sp := range registry.Specs() {
		if sch, err := structured.Compile(string(sp.Name), sp.Description, sp.Schema()); err == nil {
			schemas[sp.Name] = sch
		}
	}
	return &Invoker{registry: registry, schemas: schemas, opts: opts}
}

// Invoke resolves s.PendingToolCalls into s.ToolResults and clears the pending
// batch.
func (inv *Invoker) Invoke(ctx context.Context, s *task.State) error {
	results := make([]task.ToolResult, 0, len(s.PendingToolCalls))
	for _, call := range s.PendingToolCalls {
		start := time.Now()
		out, terr := inv.call(ctx, call)
		if err := ctx.Err(); err != nil {
			return err
		}
		res := task.ToolResult{CallID: call.ID, Name: call.Name, Content: out}
		status := "ok"
		if terr != nil {
			res.Content, res.IsError = terr.Result(), true
			status = "error"
			inv.opts.Telemetry.Logger.Warn(ctx, "tool failed", "task_id", s.TaskID, "tool", string(call.Name), "err", terr)
		}
		inv.opts.Telemetry.Metrics.RecordTimer("planact.tool.duration", time.Since(start), "tool", string(call.Name), "status", status)
		results = append(results, res)
	}
	s.ToolResults = append(s.ToolResults, results...)
	s.PendingToolCalls = nil
	return nil
}

func (inv *Invoker) call(ctx context.Context, call model.ToolCall) (out string, terr *toolerrors.ToolError) {
	tool, ok := inv.registry.Lookup(call.Name)
	if !ok {
		return "", toolerrors.Wrap(call.Name, fmt.Sprintf("unknown tool %q", call.Name), tools.ErrUnknownTool)
	}
	args := call.Payload
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if sch, ok := inv.schemas[call.Name]; ok {
		fixed, err := sch.Validate(args)
		if err != nil {
			return "", toolerrors.Wrap(call.Name, "invalid arguments: "+err.Error(), err)
		}
		args = fixed
	}
	if inv.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.opts.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out, terr = "", toolerrors.Errorf(call.Name, "panic: %v", r)
		}
	}()
	res, err := tool.Call(ctx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return "", toolerrors.Wrap(call.Name, "timed out", err)
		}
		return "", toolerrors.Wrap(call.Name, "", err)
	}
	return res, nil
}
