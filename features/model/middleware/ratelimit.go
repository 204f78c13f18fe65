// Package middleware provides reusable model.Client middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/planact/runtime/agent/model"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top of a
	// model.Client. It estimates the token cost of each request, blocks callers
	// until capacity is available, and adjusts its effective tokens-per-minute
	// budget in response to rate limiting signals from the provider.
	//
	// Tasks solved concurrently share one limiter so a throttled provider slows
	// every task down together. When a SharedBudget is configured the budget is
	// also coordinated across processes.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	// SharedBudget stores a tokens-per-minute budget shared by several
	// processes. RedisBudget implements it.
	SharedBudget interface {
		// Get returns the current value for key.
		Get(ctx context.Context, key string) (string, bool, error)
		// SetIfNotExists seeds key with value unless it already exists.
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		// TestAndSet sets key to value when its current value equals test and
		// returns the previous value.
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		// Subscribe returns a channel that receives a value whenever the budget
		// changes. The channel is closed when ctx is done.
		Subscribe(ctx context.Context, key string) <-chan struct{}
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// tokens-per-minute budget. When budget and key are set, it coordinates
// capacity across processes through the shared budget until ctx is done;
// otherwise it operates as a process-local limiter.
func NewAdaptiveRateLimiter(ctx context.Context, budget SharedBudget, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || budget == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	return newSharedAdaptiveRateLimiter(ctx, budget, key, initialTPM, maxTPM)
}

// newAdaptiveRateLimiter constructs an AdaptiveRateLimiter configured with an
// initial tokens-per-minute budget and an upper bound.
//
// When maxTPM is zero or less than initialTPM, it is clamped to initialTPM.
func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := max(initialTPM*0.1, 1)
	recoveryRate := max(initialTPM*0.05, 1)
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns a model.Client middleware that enforces the adaptive
// tokens-per-minute limit.
func (l *AdaptiveRateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// TPM returns the current effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Complete enforces the limiter before delegating to the underlying client.
func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *model.Request) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	tokens := estimateTokens(req)
	if burst := lim.Burst(); burst > 0 && tokens > burst {
		// A single oversized request waits for a full bucket instead of failing.
		tokens = burst
	}
	return lim.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := max(l.currentTPM*0.5, l.minTPM)
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setLocked(newTPM)
	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := min(l.currentTPM+l.recoveryRate, l.maxTPM)
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setLocked(newTPM)
	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) setLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// replaceTPM updates the limiter effective budget to the given value,
// clamped to the configured [minTPM, maxTPM] range.
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm == l.currentTPM {
		return
	}
	l.setLocked(tpm)
}

// imageTokens approximates the prompt cost of one inline image.
const imageTokens = 1000

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request transcript. It counts characters in text and tool results, converts
// them to tokens using a fixed ratio, and adds a buffer for images, the
// completion cap and provider overhead.
func estimateTokens(req *model.Request) int {
	charCount := 0
	images := 0
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				charCount += len(v.Text)
			case model.ToolResultPart:
				charCount += len(v.Content)
			case model.ToolUsePart:
				charCount += len(v.Input)
			case model.ImagePart:
				images++
			}
		}
	}
	// Approximate 1 token per ~3 characters, then add a fixed buffer for
	// system prompts and provider framing.
	tokens := charCount/3 + images*imageTokens + 500
	if req.MaxTokens > 0 {
		tokens += req.MaxTokens
	}
	return tokens
}

func newSharedAdaptiveRateLimiter(ctx context.Context, budget SharedBudget, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	// Best-effort initialization: if the key does not exist yet, seed it with
	// the initial value. A concurrent writer may still win; we refresh below.
	if _, err := budget.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
		// Fall back to a process-local limiter so callers still make progress.
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	sharedTPM := initialTPM
	if cur, ok, err := budget.Get(ctx, key); err == nil && ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)
	floor := l.minTPM
	ceiling := l.maxTPM
	step := l.recoveryRate

	l.onBackoff = func(float64) {
		go adjustShared(context.WithoutCancel(ctx), budget, key, func(cur float64) float64 {
			return max(cur*0.5, floor)
		})
	}
	l.onProbe = func(float64) {
		go adjustShared(context.WithoutCancel(ctx), budget, key, func(cur float64) float64 {
			return min(cur+step, ceiling)
		})
	}

	// Watch for external changes to the shared budget and reconcile the local
	// limiter when they occur.
	ch := budget.Subscribe(ctx, key)
	go func() {
		for range ch {
			cur, ok, err := budget.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

// adjustShared applies next to the shared budget with optimistic concurrency,
// retrying a few times when another process updates it concurrently.
func adjustShared(ctx context.Context, budget SharedBudget, key string, next func(float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for range maxAttempts {
		curStr, ok, err := budget.Get(ctx, key)
		if err != nil || !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		n := next(cur)
		if n == cur {
			return
		}
		prev, err := budget.TestAndSet(ctx, key, curStr, strconv.Itoa(int(n)))
		if err != nil || prev == curStr {
			return
		}
	}
}
