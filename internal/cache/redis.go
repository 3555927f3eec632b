package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidEntry indicates a stored value could not be decoded.
var ErrInvalidEntry = errors.New("invalid cache entry")

// Redis is a Store backed by Redis, used to share search results between runs
// and processes. Values are stored as JSON under Prefix+key with a TTL.
type Redis[T any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed store.
func NewRedis[T any](client *redis.Client, prefix string, ttl time.Duration) *Redis[T] {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis[T]{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the decoded value, or false on a miss.
func (r *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("redis get: %w", err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		_ = r.Delete(ctx, key)
		return zero, false, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	return value, true, nil
}

// Set stores a value with the store TTL.
func (r *Redis[T]) Set(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (r *Redis[T]) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
