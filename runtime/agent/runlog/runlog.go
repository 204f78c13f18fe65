// Package runlog provides an append-only event log for task attempts.
//
// The controller appends one event per state transition and callers list them
// using opaque cursors.
package runlog

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of run event.
type EventType string

const (
	// EventAttemptStarted is recorded when a task attempt begins.
	EventAttemptStarted EventType = "attempt_started"
	// EventTransition is recorded for every controller state transition.
	EventTransition EventType = "transition"
	// EventAttemptFinished is recorded when an attempt ends with an accepted answer.
	EventAttemptFinished EventType = "attempt_finished"
	// EventAttemptFailed is recorded when an attempt ends with an error.
	EventAttemptFailed EventType = "attempt_failed"
)

type (
	// Event is a single immutable run event appended to the run log.
	//
	// Store implementations assign the ID when persisting the event. IDs are
	// opaque, monotonically ordered within a run, and suitable for cursor-based
	// pagination.
	Event struct {
		// ID is the store-assigned opaque identifier for this event.
		ID string
		// RunID identifies the task attempt this event belongs to.
		RunID string
		// TaskID identifies the task being solved.
		TaskID string
		// Type is the event type.
		Type EventType
		// Payload is the JSON-encoded event payload.
		Payload json.RawMessage
		// Timestamp is the event time.
		Timestamp time.Time
	}

	// Transition is the payload of EventTransition events.
	Transition struct {
		From      string `json:"from"`
		Signal    string `json:"signal"`
		To        string `json:"to"`
		Iteration int    `json:"iteration"`
	}

	// Page is a forward page of run events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor is the cursor to use to fetch the next page.
		// It is empty when there are no further events.
		NextCursor string
	}

	// Store is an append-only event store.
	//
	// Implementations must provide stable ordering within a run. Cursor values
	// are store-owned and opaque to callers.
	Store interface {
		// Append stores the event and assigns its ID.
		Append(ctx context.Context, e *Event) error

		// List returns the next forward page of events for the given run ID.
		// Cursor is empty to start from the beginning. Limit must be greater
		// than zero.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}
)

// NewEvent builds an event with payload encoded as JSON.
func NewEvent(runID, taskID string, typ EventType, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Event{
		RunID:     runID,
		TaskID:    taskID,
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
