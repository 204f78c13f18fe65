// Package toolerrors provides the structured error type for tool invocation
// failures. Tool failures are not fatal to a task: the invoker renders them
// as the tool result so the next actor turn can adapt.
package toolerrors

import (
	"errors"
	"fmt"

	"goa.design/planact/runtime/agent/tools"
)

// ToolError represents a failed tool invocation. Causes are kept as a ToolError
// chain so errors.Is/As keep working after the failure is rendered as data.
type ToolError struct {
	// Tool is the tool that failed, when known.
	Tool tools.Ident
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying failure.
	Cause *ToolError
}

// New constructs a ToolError for the given tool.
func New(tool tools.Ident, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Tool: tool, Message: message}
}

// Errorf formats a ToolError message for the given tool.
func Errorf(tool tools.Ident, format string, args ...any) *ToolError {
	return New(tool, fmt.Sprintf(format, args...))
}

// Wrap constructs a ToolError that wraps cause.
func Wrap(tool tools.Ident, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Tool: tool, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Result renders the failure as the text fed back to the model in place of
// a tool output.
func (e *ToolError) Result() string {
	if e == nil {
		return ""
	}
	if e.Tool == "" {
		return "Error: " + e.Message
	}
	return fmt.Sprintf("Error: tool %s failed: %s", e.Tool, e.Message)
}
