package session_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/skillnet/skillnet-agent/internal/auth"
	"github.com/skillnet/skillnet-agent/internal/backend"
	"github.com/skillnet/skillnet-agent/internal/cache"
	"github.com/skillnet/skillnet-agent/internal/credential"
	"github.com/skillnet/skillnet-agent/internal/httpapi"
	"github.com/skillnet/skillnet-agent/internal/model"
	"github.com/skillnet/skillnet-agent/internal/session"
	"github.com/skillnet/skillnet-agent/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	user      model.User
	userErr   error
	events    []model.Event
	eventsErr error

	// userGate, when set, holds the user fetch until closed
	userGate chan struct{}

	mu       sync.Mutex
	nextDays int
	limit    int
}

func (s *stubFetcher) CurrentUser(ctx context.Context) (model.User, error) {
	if s.userGate != nil {
		<-s.userGate
	}
	return s.user, s.userErr
}

func (s *stubFetcher) UpcomingEvents(ctx context.Context, nextDays, limit int) ([]model.Event, error) {
	s.mu.Lock()
	s.nextDays, s.limit = nextDays, limit
	s.mu.Unlock()

	return s.events, s.eventsErr
}

func TestNew_Empty(t *testing.T) {
	c := session.New(&stubFetcher{}, 5, 10)

	_, ok := c.User()
	assert.False(t, ok)
	assert.NotNil(t, c.Events())
	assert.Empty(t, c.Events())

	snap := c.Snapshot()
	assert.Nil(t, snap.User)
	assert.NotNil(t, snap.Events)
}

func TestRefresh_StoresBoth(t *testing.T) {
	testhelpers.SetupLogger(t)
	f := &stubFetcher{
		user:   model.User{Username: "ivanov"},
		events: []model.Event{{Key: "e1", Name: "Go meetup"}},
	}
	c := session.New(f, 5, 1000000)

	c.Refresh(context.Background())

	user, ok := c.User()
	require.True(t, ok)
	assert.Equal(t, "ivanov", user.Username)
	assert.Equal(t, f.events, c.Events())
	assert.Equal(t, 5, f.nextDays)
	assert.Equal(t, 1000000, f.limit)
}

func TestRefresh_FailuresLeaveEmptyValues(t *testing.T) {
	testhelpers.SetupLogger(t)
	f := &stubFetcher{
		user:   model.User{Username: "ivanov"},
		events: []model.Event{{Key: "e1"}},
	}
	c := session.New(f, 5, 10)
	c.Refresh(context.Background())

	f.userErr = errors.New("user unavailable")
	f.eventsErr = errors.New("events unavailable")
	c.Refresh(context.Background())

	_, ok := c.User()
	assert.False(t, ok, "a failed fetch does not keep stale data")
	assert.NotNil(t, c.Events())
	assert.Empty(t, c.Events())
}

func TestRefresh_NotificationsAreIndependent(t *testing.T) {
	testhelpers.SetupLogger(t)
	f := &stubFetcher{
		user:     model.User{Username: "ivanov"},
		events:   []model.Event{{Key: "e1"}},
		userGate: make(chan struct{}),
	}
	c := session.New(f, 5, 10)

	eventsSeen := make(chan []model.Event, 1)
	userSeen := make(chan *model.User, 1)
	c.SubscribeEvents(func(e []model.Event) { eventsSeen <- e })
	c.SubscribeUser(func(u *model.User) { userSeen <- u })

	done := make(chan struct{})
	go func() {
		c.Refresh(context.Background())
		close(done)
	}()

	// events arrive while the user fetch is still held
	select {
	case e := <-eventsSeen:
		assert.Equal(t, f.events, e)
	case <-time.After(time.Second):
		t.Fatal("events notification not delivered before the user fetch completed")
	}
	_, ok := c.User()
	assert.False(t, ok)

	close(f.userGate)
	<-done

	select {
	case u := <-userSeen:
		require.NotNil(t, u)
		assert.Equal(t, "ivanov", u.Username)
	default:
		t.Fatal("user notification not delivered")
	}
}

func TestRefresh_PanickingFetcherTreatedAsFailure(t *testing.T) {
	testhelpers.SetupLogger(t)
	c := session.New(panickingFetcher{}, 5, 10)

	assert.NotPanics(t, func() { c.Refresh(context.Background()) })

	_, ok := c.User()
	assert.False(t, ok)
	assert.Empty(t, c.Events())
}

type panickingFetcher struct{}

func (panickingFetcher) CurrentUser(context.Context) (model.User, error) {
	panic("boom")
}

func (panickingFetcher) UpcomingEvents(context.Context, int, int) ([]model.Event, error) {
	return nil, nil
}

func TestSubscribe_UnsubscribeStopsDelivery(t *testing.T) {
	testhelpers.SetupLogger(t)
	c := session.New(&stubFetcher{user: model.User{Username: "ivanov"}}, 5, 10)

	var calls int
	sub := c.SubscribeUser(func(*model.User) { calls++ })

	c.Refresh(context.Background())
	sub.Unsubscribe()
	c.Refresh(context.Background())

	assert.Equal(t, 1, calls)
}

func TestClear(t *testing.T) {
	testhelpers.SetupLogger(t)
	c := session.New(&stubFetcher{
		user:   model.User{Username: "ivanov"},
		events: []model.Event{{Key: "e1"}},
	}, 5, 10)
	c.Refresh(context.Background())

	var cleared []*model.User
	c.SubscribeUser(func(u *model.User) { cleared = append(cleared, u) })

	c.Clear()

	_, ok := c.User()
	assert.False(t, ok)
	assert.Empty(t, c.Events())
	assert.Equal(t, []*model.User{nil}, cleared)
}

func TestClear_DiscardsRefreshInFlight(t *testing.T) {
	testhelpers.SetupLogger(t)
	f := &stubFetcher{
		user:     model.User{Username: "ivanov"},
		events:   []model.Event{{Key: "e1"}},
		userGate: make(chan struct{}),
	}
	c := session.New(f, 5, 10)

	var (
		mu    sync.Mutex
		users []*model.User
	)
	c.SubscribeUser(func(u *model.User) {
		mu.Lock()
		defer mu.Unlock()
		users = append(users, u)
	})

	done := make(chan struct{})
	go func() {
		c.Refresh(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, time.Second, 5*time.Millisecond)

	c.Clear()
	close(f.userGate)
	<-done

	_, ok := c.User()
	assert.False(t, ok, "a user fetched for the cleared session is dropped")
	assert.Empty(t, c.Events())

	mu.Lock()
	assert.Equal(t, []*model.User{nil}, users, "only the clear is announced")
	mu.Unlock()

	// later refreshes store again
	c.Refresh(context.Background())
	_, ok = c.User()
	assert.True(t, ok)
}

func TestSnapshot_IsACopy(t *testing.T) {
	testhelpers.SetupLogger(t)
	c := session.New(&stubFetcher{
		user:   model.User{Username: "ivanov"},
		events: []model.Event{{Key: "e1"}},
	}, 5, 10)
	c.Refresh(context.Background())

	snap := c.Snapshot()
	snap.User.Username = "changed"
	snap.Events[0].Key = "changed"

	user, _ := c.User()
	assert.Equal(t, "ivanov", user.Username)
	assert.Equal(t, "e1", c.Events()[0].Key)
}

// Against the mock backend: a failing events endpoint does not hold back the
// user, and each value is announced separately.
func TestRefresh_WithBackendEventsFailure(t *testing.T) {
	testhelpers.SetupLogger(t)
	mock := testhelpers.SetupMockBackend(t)
	mock.FailEvents(http.StatusInternalServerError)

	api, err := httpapi.New(mock.URL(), nil)
	require.NoError(t, err)
	gateway, err := auth.New(api, credential.NewMemory(credential.RefreshTokenTTL), auth.NewRecordingNavigator())
	require.NoError(t, err)

	pair := model.TokenPair{AccessToken: "A1", RefreshToken: "R1"}
	mock.AcceptTokens(pair)
	require.NoError(t, gateway.SaveTokens(context.Background(), pair))

	content, err := cache.NewMemory[string](time.Minute, 10)
	require.NoError(t, err)
	profiles, err := cache.NewMemory[model.User](time.Minute, 10)
	require.NoError(t, err)

	c := session.New(backend.New(api, gateway, content, profiles), 5, backend.Unbounded)

	var mu sync.Mutex
	var userNotes, eventNotes int
	c.SubscribeUser(func(*model.User) { mu.Lock(); userNotes++; mu.Unlock() })
	c.SubscribeEvents(func([]model.Event) { mu.Lock(); eventNotes++; mu.Unlock() })

	c.Refresh(context.Background())

	user, ok := c.User()
	require.True(t, ok)
	assert.Equal(t, testhelpers.DefaultUsername, user.Username)
	assert.Empty(t, c.Events())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, userNotes)
	assert.Equal(t, 1, eventNotes)
	assert.Zero(t, mock.Count("GET /auth/refresh_token"))
	assert.True(t, gateway.IsAuthenticated(context.Background()))
}
