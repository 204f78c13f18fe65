// Package redis stores accepted answers in a Redis hash so that several
// planact processes can share progress on the same question set.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"goa.design/planact/features/answers"
)

// DefaultKey is the hash holding one field per task ID.
const DefaultKey = "planact:answers"

type (
	// Store implements answers.Store on a Redis hash.
	Store struct {
		rdb *redis.Client
		key string
	}

	// Option configures the store.
	Option func(*Store)
)

// WithKey overrides the hash key, for example to separate question sets.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// New returns a store using rdb.
func New(rdb *redis.Client, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{rdb: rdb, key: DefaultKey}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Put implements answers.Store.
func (s *Store) Put(ctx context.Context, r answers.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key, r.TaskID, b).Err(); err != nil {
		return fmt.Errorf("store answer for %s: %w", r.TaskID, err)
	}
	return nil
}

// Get implements answers.Store.
func (s *Store) Get(ctx context.Context, taskID string) (answers.Record, error) {
	v, err := s.rdb.HGet(ctx, s.key, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return answers.Record{}, answers.ErrNotFound
	}
	if err != nil {
		return answers.Record{}, fmt.Errorf("load answer for %s: %w", taskID, err)
	}
	var r answers.Record
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return answers.Record{}, fmt.Errorf("decode answer for %s: %w", taskID, err)
	}
	return r, nil
}

// List implements answers.Store.
func (s *Store) List(ctx context.Context) ([]answers.Record, error) {
	all, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	out := make([]answers.Record, 0, len(all))
	for taskID, v := range all {
		var r answers.Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode answer for %s: %w", taskID, err)
		}
		out = append(out, r)
	}
	answers.SortByTask(out)
	return out, nil
}

// Delete implements answers.Store.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	return s.rdb.HDel(ctx, s.key, taskID).Err()
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "answers-redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
