package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Backend    BackendConfig
	Credential CredentialConfig
	Session    SessionConfig
	Observe    ObserveConfig
	Server     ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8737"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=10"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// BackendConfig locates the REST backend the agent acts against.
type BackendConfig struct {
	URL            string `env:"BACKEND_URL, required"`
	TimeoutSeconds int    `env:"BACKEND_TIMEOUT_SECS, default=30"`

	// ContentCacheSeconds controls how long public content (post bodies,
	// public profiles) is held in memory.
	ContentCacheSeconds int `env:"BACKEND_CONTENT_CACHE_SECS, default=300"`

	// ContentCacheType is "memory" or "redis". The redis cache shares the
	// credential redis connection settings.
	ContentCacheType string `env:"BACKEND_CONTENT_CACHE, default=memory"`
}

// CredentialConfig selects where the token pair is persisted.
type CredentialConfig struct {
	// Type selects the store implementation: "file" (default), "memory",
	// "redis" or "sqlite".
	Type string `env:"CREDENTIAL_STORE, default=file"`

	// File is the path of the credential file used by the "file" store.
	File string `env:"CREDENTIAL_FILE, default=.skillnet/credentials.json"`

	Redis  RedisConfig
	SQLite SQLiteConfig
}

// RedisConfig specifies the redis credential store connection.
type RedisConfig struct {
	Address  string `env:"CREDENTIAL_REDIS_ADDRESS"`
	Username string `env:"CREDENTIAL_REDIS_USERNAME"`
	Password string `env:"CREDENTIAL_REDIS_PASSWORD"`
	DB       int    `env:"CREDENTIAL_REDIS_DB, default=0"`
	Prefix   string `env:"CREDENTIAL_REDIS_PREFIX, default=skillnet:credential:"`
}

// SQLiteConfig specifies the sqlite credential store database.
type SQLiteConfig struct {
	DSN string `env:"CREDENTIAL_SQLITE_DSN, default=.skillnet/credentials.db"`
}

// SessionConfig tunes the session snapshot.
type SessionConfig struct {
	// EventsNextDays is the lookahead window for subscribed events.
	EventsNextDays int `env:"SESSION_EVENTS_NEXT_DAYS, default=5"`

	// EventsLimit caps the number of events returned. The backend requires a
	// limit; the default is effectively unbounded.
	EventsLimit int `env:"SESSION_EVENTS_LIMIT, default=1000000"`

	// RefreshIntervalSeconds is the period of the background snapshot refresh.
	// Zero disables the background refresh.
	RefreshIntervalSeconds int `env:"SESSION_REFRESH_INTERVAL_SECS, default=300"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=skillnet-agent"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

// LoadWith reads configuration through the supplied lookuper. Commands use it
// to layer their own settings over the environment.
func LoadWith(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	return load(ctx, lookup)
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Credential.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid credential configuration: %w", err)
	}

	switch cfg.Backend.ContentCacheType {
	case "memory":
	case "redis":
		if cfg.Credential.Redis.Address == "" {
			return cfg, fmt.Errorf("CREDENTIAL_REDIS_ADDRESS required when BACKEND_CONTENT_CACHE=redis")
		}
	default:
		return cfg, fmt.Errorf("unknown content cache %q: must be one of memory, redis", cfg.Backend.ContentCacheType)
	}

	if cfg.Session.EventsNextDays < 0 || cfg.Session.EventsLimit <= 0 {
		return cfg, fmt.Errorf("invalid session configuration: next days %d, limit %d", cfg.Session.EventsNextDays, cfg.Session.EventsLimit)
	}
	if cfg.Session.RefreshIntervalSeconds < 0 {
		return cfg, fmt.Errorf("invalid session configuration: refresh interval %ds must not be negative", cfg.Session.RefreshIntervalSeconds)
	}

	return cfg, nil
}

// Validate checks that the credential store configuration is usable.
func (c *CredentialConfig) Validate() error {
	switch c.Type {
	case "memory":
	case "file":
		if c.File == "" {
			return fmt.Errorf("CREDENTIAL_FILE required when CREDENTIAL_STORE=file")
		}
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("CREDENTIAL_REDIS_ADDRESS required when CREDENTIAL_STORE=redis")
		}
	case "sqlite":
		if c.SQLite.DSN == "" {
			return fmt.Errorf("CREDENTIAL_SQLITE_DSN required when CREDENTIAL_STORE=sqlite")
		}
	default:
		return fmt.Errorf("unknown credential store %q: must be one of memory, file, redis, sqlite", c.Type)
	}

	return nil
}
