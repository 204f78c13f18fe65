package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HTTPOptions configures the HTTP caller.
type HTTPOptions struct {
	ClientOptions
	Endpoint string
	Client   *http.Client
}

// HTTPCaller implements mcp.Caller over the streamable HTTP transport. Each
// JSON-RPC message is POSTed to the endpoint; responses are plain JSON or a
// server-sent event stream.
type HTTPCaller struct {
	session
	endpoint string
	client   *http.Client

	mu        sync.Mutex
	sessionID string
}

const sessionHeader = "Mcp-Session-Id"

// NewHTTPCaller creates an HTTP-based caller and performs the MCP initialize
// handshake.
func NewHTTPCaller(ctx context.Context, opts HTTPOptions) (*HTTPCaller, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	c := &HTTPCaller{endpoint: opts.Endpoint, client: client}
	c.session = session{t: c}
	if err := c.initialize(ctx, opts.ClientOptions); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *HTTPCaller) call(ctx context.Context, method string, params any, result any) error {
	id := uuid.NewString()
	rawID, _ := json.Marshal(id)
	resp, err := c.post(ctx, rpcMessage{JSONRPC: "2.0", ID: rawID, Method: method, Params: params})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
	msg, err := decodeResponse(resp, id)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return msg.Error.callerError()
	}
	if result != nil && len(msg.Result) > 0 {
		return json.Unmarshal(msg.Result, result)
	}
	return nil
}

func (c *HTTPCaller) notify(ctx context.Context, method string, params any) error {
	resp, err := c.post(ctx, rpcMessage{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mcp notify status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPCaller) post(ctx context.Context, msg rpcMessage) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}
	c.mu.Unlock()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return c.client.Do(req)
}

// decodeResponse reads the response matching id from a JSON body or an event
// stream.
func decodeResponse(resp *http.Response, id string) (rpcMessage, error) {
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt != "text/event-stream" {
		var msg rpcMessage
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return rpcMessage{}, err
		}
		return msg, nil
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	var data strings.Builder
	match := func() (rpcMessage, bool) {
		defer data.Reset()
		var msg rpcMessage
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil || msg.Method != "" {
			return rpcMessage{}, false
		}
		var got string
		return msg, json.Unmarshal(msg.ID, &got) == nil && got == id
	}
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(after, " "))
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}
		if msg, ok := match(); ok {
			return msg, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return rpcMessage{}, err
	}
	if data.Len() > 0 {
		if msg, ok := match(); ok {
			return msg, nil
		}
	}
	return rpcMessage{}, errors.New("event stream ended without a response")
}
