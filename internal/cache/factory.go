package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/skillnet/skillnet-agent/internal/config"
)

// NewFromConfig creates a content cache of the configured type. The name
// namespaces keys on shared servers and labels metrics.
func NewFromConfig[T any](
	ctx context.Context,
	cacheType string,
	redisConfig config.RedisConfig,
	name string,
	ttl time.Duration,
	maxMemorySize int,
) (Cache[T], error) {
	switch cacheType {
	case "redis":
		if redisConfig.Address == "" {
			return nil, fmt.Errorf("redis address required for redis cache")
		}

		log.Info().
			Str("cache_type", "redis").
			Str("cache_name", name).
			Str("address", redisConfig.Address).
			Msg("initializing redis content cache")

		client := redis.NewClient(&redis.Options{
			Addr:     redisConfig.Address,
			Username: redisConfig.Username,
			Password: redisConfig.Password,
			DB:       redisConfig.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect content cache: %w", err)
		}

		prefix := "skillnet:cache:" + name + ":"
		return NewInstrumented(NewRedis[T](client, prefix, ttl), "redis", name), nil

	case "memory":
		log.Info().
			Str("cache_type", "memory").
			Str("cache_name", name).
			Msg("initializing in-memory content cache")

		memory, err := NewMemory[T](ttl, maxMemorySize)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}

		return NewInstrumented(memory, "memory", name), nil

	default:
		return nil, fmt.Errorf("invalid cache type %q: must be one of memory, redis", cacheType)
	}
}
