package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/skillnet/skillnet-agent/internal/config"
)

// Redis stores records as JSON values with a native key expiry. A batch is
// written inside MULTI/EXEC.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis connects to the configured server and verifies the connection.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "skillnet:credential:"
	}

	return &Redis{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

func (r *Redis) Set(ctx context.Context, records ...Record) error {
	if err := validate(records); err != nil {
		return err
	}

	now := r.now()
	values := make([][]byte, len(records))
	for i, rec := range records {
		data, err := json.Marshal(newEntry(rec, now))
		if err != nil {
			return fmt.Errorf("marshal credential %s: %w", rec.Name, err)
		}
		values[i] = data
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, rec := range records {
			pipe.Set(ctx, r.key(rec.Name), values[i], rec.TTL)
		}
		return nil
	})
	if err != nil {
		return &StoreError{Operation: "set", Store: "redis", Cause: err}
	}

	return nil
}

func (r *Redis) Get(ctx context.Context, name string) (Record, bool, error) {
	raw, err := r.client.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &StoreError{Operation: "get", Store: "redis", Cause: err}
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Record{}, false, &StoreError{Operation: "get", Store: "redis", Cause: err}
	}

	now := r.now()
	if e.expired(now) {
		return Record{}, false, nil
	}

	return e.record(name, now), true, nil
}

func (r *Redis) Delete(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = r.key(name)
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return &StoreError{Operation: "delete", Store: "redis", Cause: err}
	}

	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
