// Package answers records accepted answers keyed by task ID so that a batch run
// can resume without solving already answered tasks again and so that answers
// can be submitted separately from solving.
package answers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when no answer is stored for the task.
var ErrNotFound = errors.New("answer not found")

type (
	// Record is one accepted answer.
	Record struct {
		TaskID   string    `json:"task_id"`
		Question string    `json:"question"`
		Answer   string    `json:"answer"`
		RunID    string    `json:"run_id,omitempty"`
		Attempts int       `json:"attempts,omitempty"`
		SolvedAt time.Time `json:"solved_at"`
	}

	// Store persists accepted answers. Put overwrites any previous answer for
	// the same task.
	Store interface {
		Put(ctx context.Context, r Record) error
		Get(ctx context.Context, taskID string) (Record, error)
		// List returns all records ordered by task ID.
		List(ctx context.Context) ([]Record, error)
		Delete(ctx context.Context, taskID string) error
	}

	// Memory is an in-process Store.
	Memory struct {
		mu      sync.RWMutex
		records map[string]Record
	}
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Validate checks the fields every store requires.
func (r Record) Validate() error {
	if r.TaskID == "" {
		return errors.New("task id is required")
	}
	return nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.TaskID] = r
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, taskID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[taskID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// List implements Store.
func (m *Memory) List(context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	SortByTask(out)
	return out, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, taskID)
	return nil
}

// SortByTask orders records by task ID.
func SortByTask(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].TaskID < rs[j].TaskID })
}
