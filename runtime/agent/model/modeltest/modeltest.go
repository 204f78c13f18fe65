// Package modeltest provides a scripted model.Client for tests.
package modeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"goa.design/planact/runtime/agent/model"
	"goa.design/planact/runtime/agent/tools"
)

type (
	// Reply produces the response for one Complete call.
	Reply func(req *model.Request) (*model.Response, error)

	// Client replays scripted replies in order and records every request.
	// Calls beyond the script fail.
	Client struct {
		mu       sync.Mutex
		replies  []Reply
		requests []*model.Request
	}
)

// New returns a client replaying replies.
func New(replies ...Reply) *Client {
	return &Client{replies: replies}
}

// Complete implements model.Client.
func (c *Client) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	c.mu.Lock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if i >= len(c.replies) {
		return nil, fmt.Errorf("modeltest: unexpected call %d", i+1)
	}
	return c.replies[i](req)
}

// Push appends replies to the script.
func (c *Client) Push(replies ...Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, replies...)
}

// Requests returns the recorded requests.
func (c *Client) Requests() []*model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Request(nil), c.requests...)
}

// Calls returns the number of Complete calls made.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Text replies with an assistant text message.
func Text(text string) Reply {
	return func(*model.Request) (*model.Response, error) {
		return &model.Response{
			Content:    []model.Message{*model.NewTextMessage(model.ConversationRoleAssistant, text)},
			StopReason: "stop",
		}, nil
	}
}

// JSON replies with v encoded as the assistant text.
func JSON(v any) Reply {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Text(string(b))
}

// ToolUse replies with a single tool call.
func ToolUse(id string, name tools.Ident, args string) Reply {
	return func(*model.Request) (*model.Response, error) {
		return &model.Response{
			ToolCalls:  []model.ToolCall{{ID: id, Name: name, Payload: json.RawMessage(args)}},
			StopReason: "tool_calls",
		}, nil
	}
}

// Fail replies with err.
func Fail(err error) Reply {
	return func(*model.Request) (*model.Response, error) { return nil, err }
}

// UserText concatenates the text of all non-assistant messages of req.
func UserText(req *model.Request) string {
	var s string
	for _, m := range req.Messages {
		if m.Role != model.ConversationRoleAssistant {
			s += m.Text() + "\n"
		}
	}
	return s
}

// Images returns every image part in req.
func Images(req *model.Request) []model.ImagePart {
	var out []model.ImagePart
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if img, ok := p.(model.ImagePart); ok {
				out = append(out, img)
			}
		}
	}
	return out
}
