package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/skillnet/skillnet-agent/internal/credential"
	"github.com/skillnet/skillnet-agent/internal/httpapi"
	"github.com/skillnet/skillnet-agent/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/skillnet/skillnet-agent/internal/auth"

var (
	metricsOnce     sync.Once
	refreshOutcomes metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		refreshOutcomes, err = otel.Meter(instrumentationName).Int64Counter(
			"auth.refresh.outcomes",
			metric.WithDescription("Access token refreshes by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// PendingRefresh is the single-shot result of a refresh. Every caller that
// triggers a refresh while one is in flight shares the same PendingRefresh.
type PendingRefresh struct {
	done       chan struct{}
	err        error
	cancel     context.CancelFunc
	generation uint64

	// guarded by Gateway.mu
	waiters  int
	finished bool
	stops    []func() bool
}

// Done is closed when the refresh has completed.
func (p *PendingRefresh) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome of a completed refresh. It must only be called after
// Done is closed.
func (p *PendingRefresh) Err() error {
	return p.err
}

// Wait blocks until the refresh completes or ctx is done. A failed refresh
// returns an error wrapping ErrSessionExpired.
func (p *PendingRefresh) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh starts an exchange of the refresh token for a new access token, or
// joins the one already in flight. The caller holds its interest in the
// refresh for as long as ctx is live; once every caller's context has ended
// before completion the exchange is abandoned and no credentials change.
//
// On success the new access token is stored before the refresh resolves and
// OnRefreshed subscribers are notified. On failure both credentials are
// removed, the user is sent to the login route, the refresh resolves with
// ErrSessionExpired and OnSessionEnded subscribers are notified.
//
// A refresh belongs to the session that was current when it started. If the
// user signs out or saves a new pair meanwhile, the refresh is abandoned and
// its result is discarded.
func (g *Gateway) Refresh(ctx context.Context) *PendingRefresh {
	initMetrics()

	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.pending
	if p == nil {
		// trace values are kept; cancellation is governed by the waiters
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		p = &PendingRefresh{
			done:       make(chan struct{}),
			cancel:     cancel,
			generation: g.generation.Load(),
		}
		g.pending = p

		go g.runRefresh(runCtx, p)
	}

	p.waiters++
	p.stops = append(p.stops, context.AfterFunc(ctx, func() { g.release(p) }))

	return p
}

// release drops one waiter. The last waiter to leave abandons the refresh.
func (g *Gateway) release(p *PendingRefresh) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p.finished {
		return
	}

	p.waiters--
	if p.waiters > 0 {
		return
	}

	// free the slot so that a later caller starts afresh
	if g.pending == p {
		g.pending = nil
	}
	p.cancel()
}

func (g *Gateway) runRefresh(ctx context.Context, p *PendingRefresh) {
	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "auth.refresh")
	defer span.End()
	defer p.cancel()

	err := g.exchange(ctx, p.generation)
	if err != nil && !errors.Is(err, errSessionReplaced) && ctx.Err() == nil {
		if g.teardown(ctx, p.generation) {
			log.Warn().Err(err).Msg("token refresh failed, session ended")
			err = fmt.Errorf("%w: %w", ErrSessionExpired, err)
		} else {
			err = errSessionReplaced
		}
	}

	var outcome string
	switch {
	case err == nil:
		outcome = "success"
		span.SetStatus(codes.Ok, "access token refreshed")
		log.Debug().Msg("access token refreshed")

	case errors.Is(err, errSessionReplaced):
		outcome = "abandoned"
		err = fmt.Errorf("refresh abandoned: %w", err)
		span.SetStatus(codes.Error, "refresh abandoned")
		log.Debug().Msg("token refresh outlived its session")

	case ctx.Err() != nil:
		outcome = "abandoned"
		err = fmt.Errorf("refresh abandoned: %w", context.Cause(ctx))
		span.SetStatus(codes.Error, "refresh abandoned")
		log.Debug().Msg("token refresh abandoned by all waiters")

	default:
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
	}

	if refreshOutcomes != nil {
		refreshOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("auth.refresh.outcome", outcome)))
	}

	g.mu.Lock()
	if g.pending == p {
		g.pending = nil
	}
	p.finished = true
	for _, stop := range p.stops {
		stop()
	}
	p.stops = nil
	g.mu.Unlock()

	p.err = err
	close(p.done)

	switch outcome {
	case "success":
		g.refreshed.Publish(struct{}{})
	case "failure":
		g.sessionEnded.Publish(err)
	}
}

// errSessionReplaced marks a refresh whose session was signed out or
// replaced while the exchange was in flight.
var errSessionReplaced = errors.New("session replaced during refresh")

// exchange performs the backend call and stores the new access token, unless
// the session generation has moved on.
func (g *Gateway) exchange(ctx context.Context, generation uint64) error {
	rec, found, err := g.store.Get(ctx, credential.RefreshTokenName)
	if err != nil {
		return fmt.Errorf("read refresh token: %w", err)
	}
	if !found {
		return ErrNotAuthenticated
	}

	var body model.AccessToken
	err = g.api.Do(ctx, httpapi.Request{
		Method: http.MethodGet,
		Path:   "auth/refresh_token",
		Bearer: rec.Value,
	}, &body)
	if err != nil {
		return err
	}
	if body.AccessToken == "" {
		return errors.New("refresh response is missing the access token")
	}

	// do not store a token nobody is waiting for
	if ctx.Err() != nil {
		return ctx.Err()
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if g.generation.Load() != generation {
		return errSessionReplaced
	}

	return g.store.Set(ctx, credential.AccessToken(body.AccessToken))
}

// teardown removes both credentials and sends the user to sign in again. It
// reports false, changing nothing, when the session generation has moved on.
func (g *Gateway) teardown(ctx context.Context, generation uint64) bool {
	g.writeMu.Lock()
	if g.generation.Load() != generation {
		g.writeMu.Unlock()
		return false
	}
	err := g.store.Delete(ctx, credential.AccessTokenName, credential.RefreshTokenName)
	g.writeMu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("could not remove credentials after failed refresh")
	}

	g.nav.Navigate(ctx, LoginRoute())
	return true
}
