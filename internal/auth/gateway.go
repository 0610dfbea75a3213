// Package auth owns the session's token lifecycle: signing in, persisting the
// token pair, exchanging the refresh token for a new access token, and
// replaying authenticated calls once after an authorization failure.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/skillnet/skillnet-agent/internal/credential"
	"github.com/skillnet/skillnet-agent/internal/httpapi"
	"github.com/skillnet/skillnet-agent/internal/model"
	"github.com/skillnet/skillnet-agent/internal/notify"
)

// Messages returned by the signup endpoint in a successful response.
const (
	MessageRegistered    = "Registration is successful"
	MessageAccountExists = "Account already exists"
	MessageUsernameTaken = "Username is already occupied"
	MessageSignupFailed  = "Failed to signup user"
)

// State is the session state as seen by the gateway.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	// Stale means a refresh is in flight.
	Stale
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Stale:
		return "stale"
	default:
		return "unauthenticated"
	}
}

// Gateway is the only writer of session credentials.
type Gateway struct {
	api   *httpapi.Client
	store credential.Store
	nav   Navigator

	mu      sync.Mutex
	pending *PendingRefresh

	// writeMu serialises credential writes with the generation they belong
	// to. Lock order is writeMu, then mu.
	writeMu    sync.Mutex
	generation atomic.Uint64

	refreshed    notify.Broadcaster[struct{}]
	sessionEnded notify.Broadcaster[error]
}

// New creates a gateway. Credentials are flagged secure, so the backend must
// be reached over TLS or loopback.
func New(api *httpapi.Client, store credential.Store, nav Navigator) (*Gateway, error) {
	if !api.SecureTransport() {
		return nil, ErrInsecureTransport
	}

	if nav == nil {
		nav = NavigatorFunc(func(ctx context.Context, to Route) {
			log.Ctx(ctx).Info().Str("route", to.String()).Msg("sign in required")
		})
	}

	return &Gateway{
		api:   api,
		store: store,
		nav:   nav,
	}, nil
}

// Login exchanges credentials for a token pair. The pair is not stored; see
// SaveTokens.
func (g *Gateway) Login(ctx context.Context, creds model.Credentials) (model.TokenPair, error) {
	var pair model.TokenPair
	err := g.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "auth/login",
		Body:   creds,
	}, &pair)
	if err != nil {
		return model.TokenPair{}, err
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return model.TokenPair{}, fmt.Errorf("login response is missing tokens")
	}

	return pair, nil
}

// Register creates an account. The backend acknowledges rejected signups with
// a success status and an explanatory message; those are returned as errors.
func (g *Gateway) Register(ctx context.Context, signup model.Signup) (model.Message, error) {
	var msg model.Message
	err := g.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "auth/signup",
		Body:   signup,
	}, &msg)
	if err != nil {
		return model.Message{}, err
	}

	switch msg.Message {
	case MessageRegistered:
		return msg, nil
	case MessageSignupFailed:
		return msg, &httpapi.Error{StatusCode: http.StatusBadGateway, Detail: msg.Message}
	case "":
		return msg, fmt.Errorf("signup response carried no message")
	default:
		return msg, &httpapi.Error{StatusCode: http.StatusConflict, Detail: msg.Message}
	}
}

// SaveTokens persists both tokens in a single write. It starts a new session:
// a refresh still running for the previous one is abandoned.
func (g *Gateway) SaveTokens(ctx context.Context, pair model.TokenPair) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.newGeneration()

	err := g.store.Set(ctx,
		credential.AccessToken(pair.AccessToken),
		credential.RefreshToken(pair.RefreshToken),
	)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}

	return nil
}

// AccessToken returns the current access token, or the empty string when none
// is held. Store failures are logged and treated as no token.
func (g *Gateway) AccessToken(ctx context.Context) string {
	rec, found, err := g.store.Get(ctx, credential.AccessTokenName)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("could not read access token")
		return ""
	}
	if !found {
		return ""
	}

	return rec.Value
}

// IsAuthenticated reports whether an access token is held. It is a local
// check: the token may already have been revoked by the backend.
func (g *Gateway) IsAuthenticated(ctx context.Context) bool {
	return g.AccessToken(ctx) != ""
}

// State reports the current session state.
func (g *Gateway) State(ctx context.Context) State {
	g.mu.Lock()
	refreshing := g.pending != nil
	g.mu.Unlock()

	if refreshing {
		return Stale
	}
	if g.IsAuthenticated(ctx) {
		return Authenticated
	}
	return Unauthenticated
}

// Logout removes the stored credentials. Subscribers to session end are
// notified with a nil error.
func (g *Gateway) Logout(ctx context.Context) error {
	g.writeMu.Lock()
	g.newGeneration()
	err := g.store.Delete(ctx, credential.AccessTokenName, credential.RefreshTokenName)
	g.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}

	g.sessionEnded.Publish(nil)

	return nil
}

// newGeneration ends the current session generation and abandons its
// refresh, if any. It must be called with writeMu held.
func (g *Gateway) newGeneration() {
	g.generation.Add(1)

	g.mu.Lock()
	p := g.pending
	g.pending = nil
	g.mu.Unlock()

	if p != nil {
		p.cancel()
	}
}

// OnRefreshed registers fn to be called after every successful refresh.
func (g *Gateway) OnRefreshed(fn func()) *notify.Subscription {
	return g.refreshed.Subscribe(func(struct{}) { fn() })
}

// OnSessionEnded registers fn to be called when the session ends, either
// because the refresh failed (err wraps ErrSessionExpired) or on logout (err
// is nil).
func (g *Gateway) OnSessionEnded(fn func(err error)) *notify.Subscription {
	return g.sessionEnded.Subscribe(fn)
}
