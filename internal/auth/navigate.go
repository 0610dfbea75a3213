package auth

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Route is a destination the user is sent to, such as the login page.
type Route struct {
	Path  string
	Query url.Values
}

func (r Route) String() string {
	if len(r.Query) == 0 {
		return r.Path
	}
	return r.Path + "?" + r.Query.Encode()
}

// LoginRoute is where the user is sent after the session could not be
// refreshed.
func LoginRoute() Route {
	return Route{
		Path:  "/login",
		Query: url.Values{"authAgain": []string{"true"}},
	}
}

// Navigator redirects the user's interface.
type Navigator interface {
	Navigate(ctx context.Context, to Route)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, to Route)

func (f NavigatorFunc) Navigate(ctx context.Context, to Route) {
	f(ctx, to)
}

// Navigation is a recorded redirect.
type Navigation struct {
	Route Route
	At    time.Time
}

// RecordingNavigator keeps the most recent redirect so that the agent can
// report it to whichever consumer asks next.
type RecordingNavigator struct {
	mu   sync.Mutex
	last *Navigation
	now  func() time.Time
}

func NewRecordingNavigator() *RecordingNavigator {
	return &RecordingNavigator{now: time.Now}
}

func (n *RecordingNavigator) Navigate(ctx context.Context, to Route) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.last = &Navigation{Route: to, At: n.now()}

	log.Ctx(ctx).Info().Str("route", to.String()).Msg("navigation requested")
}

// Last returns the most recent redirect, if any.
func (n *RecordingNavigator) Last() (Navigation, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.last == nil {
		return Navigation{}, false
	}
	return *n.last, true
}

// Clear forgets the recorded redirect, typically after a new login.
func (n *RecordingNavigator) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.last = nil
}
