// Package session holds data derived from the signed-in session: the current
// user and their upcoming events. Consumers read the latest values and
// subscribe to changes.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/skillnet/skillnet-agent/internal/model"
	"github.com/skillnet/skillnet-agent/internal/notify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/skillnet/skillnet-agent/internal/session"

// Fetcher loads the session data from the backend.
type Fetcher interface {
	CurrentUser(ctx context.Context) (model.User, error)
	UpcomingEvents(ctx context.Context, nextDays, limit int) ([]model.Event, error)
}

// Snapshot is a consistent copy of the cached values.
type Snapshot struct {
	User   *model.User   `json:"user"`
	Events []model.Event `json:"events"`
}

// Cache keeps the most recently fetched user and events. After a failed
// fetch the corresponding value is empty rather than stale.
type Cache struct {
	fetcher  Fetcher
	nextDays int
	limit    int

	mu     sync.RWMutex
	user   *model.User
	events []model.Event
	// generation advances on Clear; results of older refreshes are dropped
	generation uint64

	userChanged   notify.Broadcaster[*model.User]
	eventsChanged notify.Broadcaster[[]model.Event]
}

// New creates an empty cache. Events are requested for the next nextDays
// days, at most limit of them.
func New(fetcher Fetcher, nextDays, limit int) *Cache {
	return &Cache{
		fetcher:  fetcher,
		nextDays: nextDays,
		limit:    limit,
		events:   []model.Event{},
	}
}

// Refresh fetches the user and the events concurrently. Each result is
// stored and announced as soon as it arrives, so subscribers may see either
// one first. Failures are logged and leave the value empty; Refresh itself
// does not fail. Results that arrive after a Clear are discarded.
func (c *Cache) Refresh(ctx context.Context) {
	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "session.refresh")
	defer span.End()

	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures int
	)
	failed := func(what string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures++
		span.RecordError(err, trace.WithAttributes(attribute.String("session.fetch", what)))
	}

	g.Go(func() error {
		user, err := guard(func() (model.User, error) { return c.fetcher.CurrentUser(ctx) })
		if err != nil {
			log.Warn().Err(err).Msg("current user fetch failed")
			failed("user", err)
			c.setUser(gen, nil)
			return nil
		}
		c.setUser(gen, &user)
		return nil
	})

	g.Go(func() error {
		events, err := guard(func() ([]model.Event, error) {
			return c.fetcher.UpcomingEvents(ctx, c.nextDays, c.limit)
		})
		if err != nil {
			log.Warn().Err(err).Msg("upcoming events fetch failed")
			failed("events", err)
			c.setEvents(gen, nil)
			return nil
		}
		c.setEvents(gen, events)
		return nil
	})

	_ = g.Wait()

	if failures > 0 {
		span.SetStatus(codes.Error, "session refresh incomplete")
		return
	}
	span.SetStatus(codes.Ok, "session refreshed")
}

// guard runs fetch on the calling goroutine, converting a panic into an error.
func guard[T any](fetch func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during session fetch: %v", r)
		}
	}()
	return fetch()
}

// Clear empties the cache, notifying subscribers of both values.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.setUser(gen, nil)
	c.setEvents(gen, nil)
}

func (c *Cache) setUser(gen uint64, user *model.User) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.user = user
	c.mu.Unlock()

	c.userChanged.Publish(cloneUser(user))
}

func (c *Cache) setEvents(gen uint64, events []model.Event) {
	if events == nil {
		events = []model.Event{}
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.events = events
	c.mu.Unlock()

	c.eventsChanged.Publish(slices.Clone(events))
}

// User returns the cached user, if any.
func (c *Cache) User() (model.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.user == nil {
		return model.User{}, false
	}
	return *c.user, true
}

// Events returns the cached upcoming events. The result is never nil.
func (c *Cache) Events() []model.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.events)
}

func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		User:   cloneUser(c.user),
		Events: slices.Clone(c.events),
	}
}

// SubscribeUser calls fn with each newly stored user, or nil when the user is
// cleared. The subscription lasts until Unsubscribe is called.
func (c *Cache) SubscribeUser(fn func(*model.User)) *notify.Subscription {
	return c.userChanged.Subscribe(fn)
}

// SubscribeEvents calls fn with each newly stored list of events.
func (c *Cache) SubscribeEvents(fn func([]model.Event)) *notify.Subscription {
	return c.eventsChanged.Subscribe(fn)
}

func cloneUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}
