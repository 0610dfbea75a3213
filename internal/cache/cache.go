// Package cache holds short-lived copies of public backend content.
package cache

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Cache defines the interface for content caching implementations.
// The generic type T represents the value being cached.
type Cache[T any] interface {
	// Get retrieves a value from the cache.
	// Returns the value, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a value in the cache.
	Set(ctx context.Context, key string, value T) error

	// Invalidate removes a value from the cache.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}

// GetOrLoad returns the cached value for key, calling load and caching its
// result on a miss. Cache failures are logged and fall through to load: the
// cache is never the reason a read fails.
func GetOrLoad[T any](ctx context.Context, c Cache[T], key string, load func(context.Context) (T, error)) (T, error) {
	value, found, err := c.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache read failed, loading from source")
	}
	if found {
		return value, nil
	}

	value, err = load(ctx)
	if err != nil {
		return value, err
	}

	if err := c.Set(ctx, key, value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}

	return value, nil
}
