// Package kv wraps the shared Redis instance behind the small surface the
// conversation core needs: JSON records with TTLs and short lists, every
// operation bounded by the configured store timeout.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTimeout reports that a store operation exceeded its bounded timeout.
var ErrTimeout = errors.New("kv: operation timed out")

// Store is a thin wrapper around a Redis client. The zero value is not
// usable; construct with New.
type Store struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// New returns a Store whose operations are bounded by opTimeout.
// If opTimeout is zero, a 5 second default is applied.
func New(rdb *redis.Client, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{rdb: rdb, opTimeout: opTimeout}
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// GetJSON reads the JSON record at key into dst. It reports whether the key
// existed.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("kv get "+key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("kv decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON writes v as a JSON record at key. A non-positive ttl stores the
// record without expiry.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv encode %s: %w", key, err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, key, raw, max(ttl, 0)).Err(); err != nil {
		return wrapErr("kv set "+key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return wrapErr("kv del "+key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapErr("kv exists "+key, err)
	}
	return n > 0, nil
}

// PushList appends value to the list at key and refreshes its TTL.
func (s *Store) PushList(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("kv rpush "+key, err)
	}
	return nil
}

// RemoveFromList removes all occurrences of value from the list at key.
func (s *Store) RemoveFromList(ctx context.Context, key, value string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.LRem(ctx, key, 0, value).Err(); err != nil {
		return wrapErr("kv lrem "+key, err)
	}
	return nil
}

// ListRange returns the full contents of the list at key.
func (s *Store) ListRange(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrapErr("kv lrange "+key, err)
	}
	return vals, nil
}
