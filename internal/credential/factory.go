package credential

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/skillnet/skillnet-agent/internal/config"
)

// NewFromConfig creates the store selected by the configuration, wrapped with
// instrumentation.
func NewFromConfig(ctx context.Context, cfg config.CredentialConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		log.Info().
			Str("credential_store", "memory").
			Msg("initializing in-memory credential store: credentials will not survive a restart")

		return NewInstrumented(NewMemory(RefreshTokenTTL), "memory"), nil

	case "file":
		log.Info().
			Str("credential_store", "file").
			Str("path", cfg.File).
			Msg("initializing file credential store")

		store, err := NewFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to create file credential store: %w", err)
		}
		return NewInstrumented(store, "file"), nil

	case "redis":
		log.Info().
			Str("credential_store", "redis").
			Str("address", cfg.Redis.Address).
			Int("db", cfg.Redis.DB).
			Msg("initializing redis credential store")

		store, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis credential store: %w", err)
		}
		return NewInstrumented(store, "redis"), nil

	case "sqlite":
		log.Info().
			Str("credential_store", "sqlite").
			Msg("initializing sqlite credential store")

		store, err := OpenSQLite(cfg.SQLite.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite credential store: %w", err)
		}
		if err := store.CleanupExpired(ctx); err != nil {
			log.Warn().Err(err).Msg("expired credential cleanup failed, continuing")
		}
		return NewInstrumented(store, "sqlite"), nil

	default:
		return nil, fmt.Errorf("invalid credential store %q: must be one of memory, file, redis, sqlite", cfg.Type)
	}
}
