// Package replay provides a model.Client that replays scripted responses
// loaded from YAML. It lets the CLI run the whole plan/act/validate loop
// offline and gives tests a declarative way to describe model behavior.
//
// A script is a list of turns consumed in order:
//
//	turns:
//	  - expect: "Question"          # optional substring of the prompt
//	    json: {steps: ["search"]}   # encoded as the response text
//	  - tool_calls:
//	      - {id: call_1, name: websearch, args: {query: "go"}}
//	  - text: "Paris"
//	  - error: "upstream unavailable"
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/tools"
)

// ErrExhausted is returned once every scripted turn has been consumed.
var ErrExhausted = errors.New("replay: script exhausted")

type (
	// Script is the YAML root.
	Script struct {
		Turns []Turn `yaml:"turns"`
	}

	// Turn describes one Complete call. Exactly one of Text, JSON, ToolCalls
	// or Error should be set.
	Turn struct {
		// Expect, when set, must appear in the request's prompt text.
		Expect    string     `yaml:"expect"`
		Text      string     `yaml:"text"`
		JSON      any        `yaml:"json"`
		ToolCalls []ToolCall `yaml:"tool_calls"`
		Error     string     `yaml:"error"`
		// RateLimited turns the error into a rate limited provider error.
		RateLimited bool `yaml:"rate_limited"`
	}

	// ToolCall is a scripted tool request.
	ToolCall struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Args any    `yaml:"args"`
	}

	// Client replays a Script. It is safe for concurrent use; concurrent
	// callers consume turns in arrival order.
	Client struct {
		mu    sync.Mutex
		turns []Turn
		next  int
	}
)

// Load reads a script from path.
func Load(path string) (*Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay script: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML script.
func Parse(data []byte) (*Client, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode replay script: %w", err)
	}
	return New(s)
}

// New validates s and returns a client replaying it.
func New(s Script) (*Client, error) {
	for i, t := range s.Turns {
		set := 0
		if t.Text != "" {
			set++
		}
		if t.JSON != nil {
			set++
		}
		if len(t.ToolCalls) > 0 {
			set++
		}
		if t.Error != "" || t.RateLimited {
			set++
		}
		if set != 1 {
			return nil, fmt.Errorf("replay turn %d: exactly one of text, json, tool_calls or error is required", i+1)
		}
		for j, c := range t.ToolCalls {
			if c.Name == "" {
				return nil, fmt.Errorf("replay turn %d: tool call %d has no name", i+1, j+1)
			}
		}
	}
	return &Client{turns: s.Turns}, nil
}

// Remaining returns the number of unconsumed turns.
func (c *Client) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns) - c.next
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.next >= len(c.turns) {
		c.mu.Unlock()
		return nil, ErrExhausted
	}
	idx := c.next
	t := c.turns[idx]
	c.next++
	c.mu.Unlock()

	if t.Expect != "" && !strings.Contains(promptText(req), t.Expect) {
		return nil, fmt.Errorf("replay turn %d: prompt does not contain %q", idx+1, t.Expect)
	}
	return t.response(idx)
}

func (t Turn) response(idx int) (*model.Response, error) {
	switch {
	case t.RateLimited:
		return nil, model.NewProviderError("replay", "complete", 429, "", t.Error, nil)
	case t.Error != "":
		return nil, fmt.Errorf("replay turn %d: %s", idx+1, t.Error)
	case len(t.ToolCalls) > 0:
		resp := &model.Response{StopReason: "tool_calls"}
		for i, call := range t.ToolCalls {
			args := []byte("{}")
			if call.Args != nil {
				b, err := json.Marshal(call.Args)
				if err != nil {
					return nil, fmt.Errorf("replay turn %d: encode tool args: %w", idx+1, err)
				}
				args = b
			}
			id := call.ID
			if id == "" {
				id = fmt.Sprintf("replay_%d_%d", idx+1, i+1)
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:      id,
				Name:    tools.Ident(call.Name),
				Payload: args,
			})
		}
		return resp, nil
	case t.JSON != nil:
		b, err := json.Marshal(t.JSON)
		if err != nil {
			return nil, fmt.Errorf("replay turn %d: encode json: %w", idx+1, err)
		}
		return textResponse(string(b)), nil
	default:
		return textResponse(t.Text), nil
	}
}

func textResponse(text string) *model.Response {
	return &model.Response{
		Content:    []model.Message{*model.NewTextMessage(model.ConversationRoleAssistant, text)},
		StopReason: "stop",
	}
}

func promptText(req *model.Request) string {
	if req == nil {
		return ""
	}
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(m.Text())
		b.WriteByte('\n')
	}
	return b.String()
}
