package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCacheTTL = 10 * time.Minute

type (
	// Cache memoizes successful results of idempotent tools keyed by tool name
	// and canonicalized arguments. A Cache is safe for concurrent use.
	Cache struct {
		entries *expirable.LRU[string, string]
	}

	cachedTool struct {
		Tool
		cache *Cache
	}
)

// NewCache returns a cache holding at most size results for ttl. A zero ttl
// selects the default of ten minutes.
func NewCache(size int, ttl time.Duration) (*Cache, error) {
	if size <= 0 {
		return nil, errors.New("tools: cache size must be > 0")
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{entries: expirable.NewLRU[string, string](size, nil, ttl)}, nil
}

// Wrap returns a Tool that consults the cache before delegating. Tools not
// marked idempotent are returned unchanged.
func (c *Cache) Wrap(t Tool) Tool {
	if c == nil || !t.Spec().Idempotent {
		return t
	}
	return &cachedTool{Tool: t, cache: c}
}

// Len returns the number of cached results, including expired ones not yet
// purged.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (t *cachedTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	key := cacheKey(t.Spec().Name, args)
	if res, ok := t.cache.entries.Get(key); ok {
		return res, nil
	}
	res, err := t.Tool.Call(ctx, args)
	if err != nil {
		return res, err
	}
	t.cache.entries.Add(key, res)
	return res, nil
}

// cacheKey canonicalizes args by round-tripping through a generic value so
// key order and whitespace do not matter.
func cacheKey(name Ident, args json.RawMessage) string {
	var v any
	if err := json.Unmarshal(args, &v); err == nil {
		if canon, err := json.Marshal(v); err == nil {
			return string(name) + "\x00" + string(canon)
		}
	}
	return string(name) + "\x00" + string(args)
}
