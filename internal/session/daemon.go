package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// PeriodicRefresh refreshes the cache immediately and then every interval,
// skipping rounds where signedIn reports false. Panics in a round are
// recovered. The loop exits when the context is cancelled. An interval that
// is not positive disables the loop entirely.
func PeriodicRefresh(ctx context.Context, cache *Cache, interval time.Duration, signedIn func(context.Context) bool) {
	if interval <= 0 {
		log.Info().Dur("interval", interval).Msg("periodic session refresh disabled")
		return
	}

	for {
		if signedIn == nil || signedIn(ctx) {
			refresh(ctx, cache)
		}

		select {
		case <-time.After(interval):
			// continue
		case <-ctx.Done():
			log.Info().Msg("session refresh goroutine shutting down gracefully")
			return
		}
	}
}

// refresh performs a single refresh, surviving panics raised by the fetcher.
func refresh(ctx context.Context, cache *Cache) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during session refresh: %v", r)
			trace.SpanFromContext(ctx).RecordError(err)
			log.Warn().Interface("panic", r).Msg("session refresh panicked, recovered")
		}
	}()

	cache.Refresh(ctx)
}
