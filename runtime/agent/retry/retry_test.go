package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(&HTTPStatusError{StatusCode: http.StatusServiceUnavailable}))
	assert.True(t, IsRetryable(&HTTPStatusError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsRetryable(&HTTPStatusError{StatusCode: http.StatusNotFound}))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := &HTTPStatusError{StatusCode: http.StatusBadRequest, Body: "bad"}
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return perm
	})
	require.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "HTTP 400: bad", perm.Error())
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 2, ex.Attempts)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoHonorsCustomClassifier(t *testing.T) {
	calls := 0
	cfg := fastConfig(4)
	cfg.Retryable = func(error) bool { return true }
	_ = Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("always")
	})
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Hour, Multiplier: 1}
	err := Do(ctx, cfg, func(context.Context) error {
		cancel()
		return context.DeadlineExceeded
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff stays within jittered max", prop.ForAll(
		func(attempt int, jitterPct int) bool {
			cfg := Config{
				InitialBackoff: 10 * time.Millisecond,
				MaxBackoff:     time.Second,
				Multiplier:     2,
				Jitter:         float64(jitterPct) / 100,
			}
			d := Backoff(cfg, attempt)
			upper := time.Duration(float64(cfg.MaxBackoff) * (1 + cfg.Jitter))
			return d >= 0 && d <= upper
		},
		gen.IntRange(1, 30),
		gen.IntRange(0, 50),
	))

	properties.Property("backoff without jitter is non-decreasing", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
			return Backoff(cfg, attempt+1) >= Backoff(cfg, attempt)
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
