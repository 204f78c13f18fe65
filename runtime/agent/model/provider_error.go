package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures for retry decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest indicates the request will not succeed
	// without changes.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited indicates the provider is throttling requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable indicates a transient failure (5xx, network).
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown indicates an unclassified failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. Errors of kind
// ProviderErrorKindRateLimited match ErrRateLimited with errors.Is.
type ProviderError struct {
	// Provider is the adapter name (e.g. "openai").
	Provider string
	// Operation is the provider call that failed (e.g. "chat.completions").
	Operation string
	// HTTPStatus is the response status when known.
	HTTPStatus int
	// Kind is the coarse classification.
	Kind ProviderErrorKind
	// Code is the provider-specific error code.
	Code string
	// Message is the provider error message.
	Message string
	// Retryable reports whether the same request may succeed later.
	Retryable bool
	// Cause is the SDK error.
	Cause error
}

// ClassifyHTTPStatus maps an HTTP status code to an error kind and retryability.
func ClassifyHTTPStatus(status int) (ProviderErrorKind, bool) {
	switch {
	case status == 401 || status == 403:
		return ProviderErrorKindAuth, false
	case status == 429:
		return ProviderErrorKindRateLimited, true
	case status == 408 || status >= 500:
		return ProviderErrorKindUnavailable, true
	case status >= 400:
		return ProviderErrorKindInvalidRequest, false
	default:
		return ProviderErrorKindUnknown, false
	}
}

// NewProviderError builds a ProviderError classified from the HTTP status.
func NewProviderError(provider, operation string, status int, code, message string, cause error) *ProviderError {
	kind, retryable := ClassifyHTTPStatus(status)
	return &ProviderError{
		Provider:   provider,
		Operation:  operation,
		HTTPStatus: status,
		Kind:       kind,
		Code:       code,
		Message:    message,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s %s %d (%s): %s", e.Provider, e.Kind, e.HTTPStatus, op, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.Provider, e.Kind, op, msg)
}

// Unwrap returns the SDK error.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Is reports rate-limited provider errors as ErrRateLimited.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
