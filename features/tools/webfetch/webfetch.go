// Package webfetch provides a tool that downloads a web page and returns its
// readable text. It complements the search tools served over MCP: the model
// searches, then reads the pages it found.
package webfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"goa.design/planact/runtime/agent/retry"
	"goa.design/planact/runtime/agent/tools"
)

// Name is the tool identifier exposed to the model.
const Name tools.Ident = "web_fetch"

const (
	defaultTimeout  = 20 * time.Second
	defaultMaxChars = 15000
	// maxBodyBytes bounds how much of a response is read before parsing.
	maxBodyBytes = 5 << 20
	userAgent    = "planact/1.0 (web page reader)"
)

type (
	// Tool fetches pages over HTTP. It is safe for concurrent use.
	Tool struct {
		http     *http.Client
		retry    retry.Config
		maxChars int
	}

	// Option configures the tool.
	Option func(*Tool)

	args struct {
		URL string `json:"url"`
	}
)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) {
		if c != nil {
			t.http = c
		}
	}
}

// WithRetry overrides the retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(t *Tool) { t.retry = cfg }
}

// WithMaxChars bounds the returned text; longer content is truncated.
func WithMaxChars(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxChars = n
		}
	}
}

// New returns the web fetch tool.
func New(opts ...Option) *Tool {
	t := &Tool{
		http:     &http.Client{Timeout: defaultTimeout},
		retry:    retry.DefaultConfig(),
		maxChars: defaultMaxChars,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Spec implements tools.Tool.
func (t *Tool) Spec() tools.Spec {
	return tools.Spec{
		Name:        Name,
		Description: "Download a web page and return its title, headings, paragraphs and list items as plain text.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute http or https URL of the page to read.",
				},
			},
			"required":             []any{"url"},
			"additionalProperties": false,
		},
		Idempotent: true,
	}
}

// Call implements tools.Tool.
func (t *Tool) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	u, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("url must use http or https")
	}
	var body []byte
	err = retry.Do(ctx, t.retry, func(ctx context.Context) error {
		b, err := t.fetch(ctx, u.String())
		body = b
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", u, err)
	}
	text, err := Text(string(body))
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", u, err)
	}
	if len(text) > t.maxChars {
		text = text[:t.maxChars] + "\n\n[Content truncated]"
	}
	return text, nil
}

func (t *Tool) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return body, nil
}

// Text extracts readable text from an HTML document. Scripts, styles and
// page chrome are dropped.
func Text(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString("# " + title + "\n\n")
	}
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, td, th, pre").Each(func(_ int, s *goquery.Selection) {
		text := collapse(s.Text())
		if text == "" {
			return
		}
		switch tag := goquery.NodeName(s); tag {
		case "li":
			b.WriteString("- " + text + "\n")
		case "td", "th":
			b.WriteString(text + " | ")
		case "p", "pre":
			b.WriteString(text + "\n\n")
		default:
			b.WriteString(strings.Repeat("#", int(tag[1]-'0')) + " " + text + "\n\n")
		}
	})
	out := strings.TrimSpace(b.String())
	if out == "" {
		out = collapse(doc.Find("body").Text())
	}
	return out, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
