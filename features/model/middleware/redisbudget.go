package middleware

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisBudget implements SharedBudget on a Redis string key. Updates are
// announced on a pub/sub channel named after the key so every process sharing
// the budget reconciles its local limiter.
type RedisBudget struct {
	rdb *redis.Client
}

// testAndSet atomically replaces KEYS[1] when it equals ARGV[1] and publishes
// the new value. It returns the previous value.
var testAndSet = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  redis.call('PUBLISH', KEYS[2], ARGV[2])
end
return cur
`)

// NewRedisBudget returns a shared budget backed by rdb.
func NewRedisBudget(rdb *redis.Client) *RedisBudget {
	return &RedisBudget{rdb: rdb}
}

// Get returns the budget stored at key.
func (b *RedisBudget) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetIfNotExists seeds key with value unless it already exists.
func (b *RedisBudget) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, 0).Result()
	if err != nil || !ok {
		return ok, err
	}
	return true, b.rdb.Publish(ctx, channel(key), value).Err()
}

// TestAndSet sets key to value when it currently holds test.
func (b *RedisBudget) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	prev, err := testAndSet.Run(ctx, b.rdb, []string{key, channel(key)}, test, value).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return prev, err
}

// Subscribe notifies budget changes until ctx is done.
func (b *RedisBudget) Subscribe(ctx context.Context, key string) <-chan struct{} {
	sub := b.rdb.Subscribe(ctx, channel(key))
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func channel(key string) string {
	return key + ":changes"
}
