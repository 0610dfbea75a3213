package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a shared redis server, letting several agents
// reuse the same public content. Values are stored as JSON.
type Redis[T any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a redis-backed cache. The client is owned by the cache and
// closed with it.
func NewRedis[T any](client *redis.Client, prefix string, ttl time.Duration) *Redis[T] {
	return &Redis[T]{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to get cached value: %w", err)
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		// drop the unreadable entry so the next read reloads it
		_ = r.client.Del(ctx, r.prefix+key).Err()
		return zero, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return value, true, nil
}

func (r *Redis[T]) Set(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cached value: %w", err)
	}
	return nil
}

func (r *Redis[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached value: %w", err)
	}
	return nil
}

func (r *Redis[T]) Close() error {
	return r.client.Close()
}
