// Package questions talks to the remote scoring service: it lists questions,
// downloads their attached files and submits answers.
package questions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"goa.design/planact/runtime/agent/retry"
)

// DefaultBaseURL is the public scoring service.
const DefaultBaseURL = "https://agents-course-unit4-scoring.hf.space"

const (
	fetchTimeout  = 15 * time.Second
	submitTimeout = 60 * time.Second
	// maxErrorBody bounds the raw response text quoted in submission errors.
	maxErrorBody = 500
)

type (
	// Option configures the client.
	Option func(*Client)

	// Client is the scoring service client. It is safe for concurrent use.
	Client struct {
		base  string
		http  *http.Client
		retry retry.Config
	}

	// Question is one task served by the scoring service.
	Question struct {
		TaskID   string `json:"task_id"`
		Question string `json:"question"`
		Level    string `json:"Level,omitempty"`
		// FileName is empty when the question has no attachment.
		FileName string `json:"file_name,omitempty"`
	}

	// Answer pairs a task with the submitted answer.
	Answer struct {
		TaskID          string `json:"task_id"`
		SubmittedAnswer string `json:"submitted_answer"`
	}

	// Submission is the payload posted to /submit.
	Submission struct {
		Username  string   `json:"username"`
		AgentCode string   `json:"agent_code"`
		Answers   []Answer `json:"answers"`
	}
)

// WithHTTPClient overrides the underlying *http.Client. Its timeout, if any,
// applies in addition to the per-call deadlines.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithRetry overrides the retry policy applied to question and file fetches.
// Submissions are never retried.
func WithRetry(cfg retry.Config) Option {
	return func(cl *Client) {
		cl.retry = cfg
	}
}

// New returns a client for the service at baseURL. An empty baseURL selects
// DefaultBaseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid questions api url %q: %w", baseURL, err)
	}
	cl := &Client{
		base:  strings.TrimRight(baseURL, "/"),
		http:  &http.Client{},
		retry: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	return cl, nil
}

// Questions returns every question served by the service.
func (c *Client) Questions(ctx context.Context) ([]Question, error) {
	return c.fetchQuestions(ctx, "/questions")
}

// RandomQuestion returns a single random question.
func (c *Client) RandomQuestion(ctx context.Context) (Question, error) {
	qs, err := c.fetchQuestions(ctx, "/random-question")
	if err != nil {
		return Question{}, err
	}
	if len(qs) == 0 {
		return Question{}, errors.New("random question: empty response")
	}
	return qs[0], nil
}

// fetchQuestions accepts either a single question object or a list.
func (c *Client) fetchQuestions(ctx context.Context, path string) ([]Question, error) {
	var body []byte
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		b, err := c.get(ctx, path)
		body = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	body = bytes.TrimSpace(body)
	var qs []Question
	if len(body) > 0 && body[0] == '{' {
		var q Question
		if err := json.Unmarshal(body, &q); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		qs = []Question{q}
	} else if err := json.Unmarshal(body, &qs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, q := range qs {
		if q.TaskID == "" || q.Question == "" {
			return nil, fmt.Errorf("decode %s: question %d is missing task_id or question", path, i)
		}
	}
	return qs, nil
}

// DownloadFile fetches the attachment of taskID and stores it as dir/fileName,
// creating dir when needed. It returns the written path.
func (c *Client) DownloadFile(ctx context.Context, taskID, fileName, dir string) (string, error) {
	name := filepath.Base(fileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("invalid attachment file name %q", fileName)
	}
	var body []byte
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		b, err := c.get(ctx, "/files/"+url.PathEscape(taskID))
		body = b
		return err
	})
	if err != nil {
		return "", fmt.Errorf("download file for task %s: %w", taskID, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}
	return body, nil
}

// Submit posts answers and returns the reported score, or a human-readable
// failure description. It never returns an error so callers can print the
// outcome and carry on with the next task.
func (c *Client) Submit(ctx context.Context, s Submission) string {
	if s.Answers == nil {
		s.Answers = []Answer{}
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("An unexpected error occurred during submission: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/submit", bytes.NewReader(payload))
	if err != nil {
		return fmt.Sprintf("An unexpected error occurred during submission: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "Submission Failed: The request timed out."
		}
		return fmt.Sprintf("Submission Failed: Network error - %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return "Submission Failed: The request timed out."
		}
		return fmt.Sprintf("Submission Failed: Network error - %v", err)
	}
	if resp.StatusCode >= 400 {
		return "Submission Failed: " + statusDetail(resp.StatusCode, body)
	}
	var result map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return fmt.Sprintf("An unexpected error occurred during submission: %v", err)
	}
	score, ok := result["score"]
	if !ok || score == nil {
		return "N/A"
	}
	return fmt.Sprint(score)
}

func statusDetail(status int, body []byte) string {
	detail := fmt.Sprintf("Server responded with status %d.", status)
	var errBody map[string]any
	if err := json.Unmarshal(body, &errBody); err != nil {
		return detail + " Response: " + truncate(string(body), maxErrorBody)
	}
	if d, ok := errBody["detail"]; ok {
		if s, ok := d.(string); ok {
			return detail + " Detail: " + s
		}
		b, _ := json.Marshal(d)
		return detail + " Detail: " + string(b)
	}
	return detail + " Detail: " + string(body)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
