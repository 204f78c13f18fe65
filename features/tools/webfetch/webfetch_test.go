package webfetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/planact/runtime/agent/retry"
	"goa.design/planact/runtime/agent/tools"
)

const page = `<html><head><title>Mercedes Sosa</title><script>var x = 1;</script></head>
<body>
<nav>Home | About</nav>
<h1>Discography</h1>
<p>Studio albums published
   between 2000 and 2009.</p>
<ul><li>Corazón Libre (2005)</li><li>Cantora 1 (2009)</li></ul>
<footer>Copyright</footer>
</body></html>`

func TestText(t *testing.T) {
	text, err := Text(page)
	require.NoError(t, err)
	assert.Contains(t, text, "# Mercedes Sosa")
	assert.Contains(t, text, "# Discography")
	assert.Contains(t, text, "Studio albums published between 2000 and 2009.")
	assert.Contains(t, text, "- Corazón Libre (2005)")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "Home | About")
	assert.NotContains(t, text, "Copyright")
}

func TestTextFallsBackToBody(t *testing.T) {
	text, err := Text(`<html><body><div>just   some text</div></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "just some text", text)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	tool := New(WithHTTPClient(srv.Client()), WithRetry(fastRetry()))
	args, _ := json.Marshal(map[string]string{"url": srv.URL})
	out, err := tool.Call(context.Background(), args)
	require.NoError(t, err)
	assert.Contains(t, out, "Cantora 1 (2009)")
	assert.EqualValues(t, 2, calls.Load())
}

func TestCallTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<p>" + strings.Repeat("word ", 100) + "</p>"))
	}))
	defer srv.Close()

	out, err := New(WithMaxChars(20)).Call(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "[Content truncated]"))
	assert.True(t, strings.HasPrefix(out, "word word word word "))
}

func TestCallRejectsBadArguments(t *testing.T) {
	tool := New()
	_, err := tool.Call(context.Background(), json.RawMessage(`{"url":"ftp://example.com"}`))
	assert.Error(t, err)
	_, err = tool.Call(context.Background(), json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestCallNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := New(WithRetry(fastRetry())).Call(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`))
	var statusErr *retry.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestSpecIsCacheable(t *testing.T) {
	cache, err := tools.NewCache(8, 0)
	require.NoError(t, err)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	wrapped := cache.Wrap(New())
	args := json.RawMessage(`{"url":"` + srv.URL + `"}`)
	for range 3 {
		_, err := wrapped.Call(context.Background(), args)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, Name, wrapped.Spec().Name)
}
