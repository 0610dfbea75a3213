package auth

import (
	"context"

	"github.com/skillnet/skillnet-agent/internal/httpapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Session supplies the access token for an authenticated call and refreshes
// it on demand. Gateway implements Session.
type Session interface {
	AccessToken(ctx context.Context) string
	Refresh(ctx context.Context) *PendingRefresh
}

// Perform runs call with the current access token. When the backend rejects
// the token (HTTP 401 or 403) the session is refreshed and call is replayed
// exactly once with the new token; the outcome of the replay is returned
// whatever it is. Other failures are returned without a retry.
func Perform[T any](ctx context.Context, s Session, call func(ctx context.Context, token string) (T, error)) (T, error) {
	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "auth.perform")
	defer span.End()

	result, err := call(ctx, s.AccessToken(ctx))
	if err == nil {
		return result, nil
	}
	if !httpapi.IsAuthorizationFailure(err) {
		span.RecordError(err)
		return result, err
	}

	span.AddEvent("authorization rejected, refreshing session")

	if err := s.Refresh(ctx).Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session refresh failed")
		var zero T
		return zero, err
	}

	span.SetAttributes(attribute.Bool("auth.replayed", true))

	result, err = call(ctx, s.AccessToken(ctx))
	if err != nil {
		span.RecordError(err)
	}

	return result, err
}

// Do is Perform for calls without a result.
func Do(ctx context.Context, s Session, call func(ctx context.Context, token string) error) error {
	_, err := Perform(ctx, s, func(ctx context.Context, token string) (struct{}, error) {
		return struct{}{}, call(ctx, token)
	})
	return err
}
