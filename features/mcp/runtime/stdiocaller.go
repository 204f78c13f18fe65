package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// StdioOptions configures the stdio-based MCP caller.
type StdioOptions struct {
	ClientOptions
	Command string
	Args    []string
	Env     []string
	Dir     string
	// Stderr receives the server diagnostics. Nil discards them.
	Stderr io.Writer
}

// StdioCaller implements mcp.Caller over the stdio transport: newline
// delimited JSON-RPC messages exchanged with a child process.
type StdioCaller struct {
	session
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	pending    map[string]chan callResult
	pendingMu  sync.Mutex
	writeMu    sync.Mutex
	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error
	closeErrMu sync.Mutex
}

type callResult struct {
	msg rpcMessage
	err error
}

// maxMessageSize bounds a single message read from the server.
const maxMessageSize = 16 << 20

// NewStdioCaller launches the target command, performs the MCP initialize
// handshake, and returns a caller that keeps the stdio session alive across
// tool invocations. The process lives until Close is called.
func NewStdioCaller(ctx context.Context, opts StdioOptions) (*StdioCaller, error) {
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c := &StdioCaller{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan callResult),
		closed:  make(chan struct{}),
	}
	c.session = session{t: c}
	go c.readLoop(stdout)
	if err := c.initialize(ctx, opts.ClientOptions); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Close terminates the server process and releases resources.
func (c *StdioCaller) Close() error {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.Process != nil && c.cmd.ProcessState == nil {
			_ = c.cmd.Process.Kill()
		}
		if c.cmd != nil {
			_ = c.cmd.Wait()
		}
		close(c.closed)
	})
	return nil
}

func (c *StdioCaller) call(ctx context.Context, method string, params any, result any) error {
	id := uuid.NewString()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	rawID, _ := json.Marshal(id)
	if err := c.write(rpcMessage{JSONRPC: "2.0", ID: rawID, Method: method, Params: params}); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.msg.Error != nil {
			return res.msg.Error.callerError()
		}
		if result != nil && len(res.msg.Result) > 0 {
			return json.Unmarshal(res.msg.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return c.closeError()
	}
}

func (c *StdioCaller) notify(_ context.Context, method string, params any) error {
	return c.write(rpcMessage{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *StdioCaller) write(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

func (c *StdioCaller) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Method != "" {
			c.handleServerMessage(msg)
			continue
		}
		var id string
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- callResult{msg: msg}
			close(ch)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.failPending(err)
}

// handleServerMessage answers server initiated requests. Notifications are
// ignored.
func (c *StdioCaller) handleServerMessage(msg rpcMessage) {
	if len(msg.ID) == 0 {
		return
	}
	reply := rpcMessage{JSONRPC: "2.0", ID: msg.ID}
	if msg.Method == "ping" {
		reply.Result = json.RawMessage("{}")
	} else {
		reply.Error = &rpcError{Code: -32601, Message: "method not found"}
	}
	_ = c.write(reply)
}

func (c *StdioCaller) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(err)
	_ = c.Close()
}

func (c *StdioCaller) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *StdioCaller) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *StdioCaller) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return errors.New("stdio caller closed")
	}
	return c.closeErr
}
