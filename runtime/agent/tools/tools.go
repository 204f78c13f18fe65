// Package tools defines the tool capability registry shared by concurrently
// running tasks. A Registry is immutable once built.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

type (
	// Tool is an invocable capability. Call returns the textual tool output.
	// Implementations must be safe for concurrent use.
	Tool interface {
		Spec() Spec
		Call(ctx context.Context, args json.RawMessage) (string, error)
	}

	// Func adapts a function into a Tool.
	Func struct {
		spec Spec
		fn   func(ctx context.Context, args json.RawMessage) (string, error)
	}

	// Registry is a read-only set of tools indexed by name.
	Registry struct {
		byName map[Ident]Tool
		names  []Ident
	}
)

// ErrUnknownTool reports a call to a tool that is not registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// NewFunc returns a Tool that delegates to fn.
func NewFunc(spec Spec, fn func(ctx context.Context, args json.RawMessage) (string, error)) *Func {
	return &Func{spec: spec, fn: fn}
}

// Spec implements Tool.
func (f *Func) Spec() Spec { return f.spec }

// Call implements Tool.
func (f *Func) Call(ctx context.Context, args json.RawMessage) (string, error) {
	return f.fn(ctx, args)
}

// NewRegistry indexes the given tools. Names must be unique and non-empty.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[Ident]Tool, len(ts))}
	for _, t := range ts {
		if t == nil {
			return nil, errors.New("tools: nil tool")
		}
		name := t.Spec().Name
		if name == "" {
			return nil, errors.New("tools: tool name is required")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", name)
		}
		r.byName[name] = t
		r.names = append(r.names, name)
	}
	sort.Slice(r.names, func(i, j int) bool { return r.names[i] < r.names[j] })
	return r, nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name Ident) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.byName[name]
	return t, ok
}

// Specs returns the specs of all tools sorted by name.
func (r *Registry) Specs() []Spec {
	if r == nil {
		return nil
	}
	specs := make([]Spec, 0, len(r.names))
	for _, n := range r.names {
		specs = append(specs, r.byName[n].Spec())
	}
	return specs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}
