package auth

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skillnet/skillnet-agent/internal/credential"
	"github.com/skillnet/skillnet-agent/internal/httpapi"
	"github.com/skillnet/skillnet-agent/internal/model"
	"github.com/skillnet/skillnet-agent/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignedInGateway(t *testing.T) (*Gateway, *testhelpers.MockBackend, *httpapi.Client) {
	t.Helper()
	testhelpers.SetupLogger(t)

	backend := testhelpers.SetupMockBackend(t)
	api, err := httpapi.New(backend.URL(), nil)
	require.NoError(t, err)

	g, err := New(api, credential.NewMemory(credential.RefreshTokenTTL), NewRecordingNavigator())
	require.NoError(t, err)

	pair := model.TokenPair{AccessToken: "A1", RefreshToken: "R1"}
	backend.AcceptTokens(pair)
	require.NoError(t, g.SaveTokens(context.Background(), pair))

	return g, backend, api
}

func pendingWaiters(g *Gateway) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return 0
	}
	return g.pending.waiters
}

func TestRefresh_CoalescesConcurrentCallers(t *testing.T) {
	g, backend, _ := newSignedInGateway(t)
	ctx := context.Background()
	backend.IssueOnRefresh("A2")
	release := backend.HoldRefresh()
	defer release()

	first := g.Refresh(ctx)
	second := g.Refresh(ctx)

	assert.Same(t, first, second)
	assert.Equal(t, 2, pendingWaiters(g))
	assert.Equal(t, Stale, g.State(ctx))

	release()

	require.NoError(t, first.Wait(ctx))
	require.NoError(t, second.Wait(ctx))
	assert.Equal(t, 1, backend.Count("GET /auth/refresh_token"))
	assert.Equal(t, "A2", g.AccessToken(ctx))
	assert.Equal(t, Authenticated, g.State(ctx))

	third := g.Refresh(ctx)
	assert.NotSame(t, first, third, "a completed refresh is not reused")
	require.NoError(t, third.Wait(ctx))
	assert.Equal(t, 2, backend.Count("GET /auth/refresh_token"))
}

func TestRefresh_ConcurrentRejectionsShareOneRefresh(t *testing.T) {
	g, backend, api := newSignedInGateway(t)
	backend.Revoke("A1", http.StatusForbidden)
	backend.IssueOnRefresh("A2", "A3")
	release := backend.HoldRefresh()
	defer release()

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)

	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Do(context.Background(), g, func(ctx context.Context, token string) error {
				return api.Do(ctx, httpapi.Request{Method: http.MethodGet, Path: "user/my", Bearer: token}, nil)
			})
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		return pendingWaiters(g) == callers
	}, 2*time.Second, 5*time.Millisecond)
	release()

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, backend.Count("GET /auth/refresh_token"))
	assert.Equal(t, 2*callers, backend.Count("GET /user/my"))
	assert.Equal(t, "Bearer A2", backend.LastAuthorization("GET /user/my"))
}

func TestRefresh_AbandonedWhenAllWaitersLeave(t *testing.T) {
	g, backend, _ := newSignedInGateway(t)
	release := backend.HoldRefresh()
	defer release()

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())

	p := g.Refresh(ctx1)
	g.Refresh(ctx2)

	cancel1()
	assert.Eventually(t, func() bool { return pendingWaiters(g) == 1 }, time.Second, 5*time.Millisecond)

	cancel2()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was not abandoned")
	}
	require.Error(t, p.Err())
	assert.ErrorIs(t, p.Err(), context.Canceled)
	assert.NotErrorIs(t, p.Err(), ErrSessionExpired)

	ctx := context.Background()
	assert.Equal(t, "A1", g.AccessToken(ctx), "credentials are untouched")
	assert.Equal(t, Authenticated, g.State(ctx))

	// the slot is free for a new refresh
	release()
	next := g.Refresh(ctx)
	assert.NotSame(t, p, next)
	require.NoError(t, next.Wait(ctx))
}

func TestRefresh_ContinuesWhileAnyWaiterRemains(t *testing.T) {
	g, backend, _ := newSignedInGateway(t)
	backend.IssueOnRefresh("A2")
	release := backend.HoldRefresh()
	defer release()

	leaving, cancel := context.WithCancel(context.Background())
	p := g.Refresh(leaving)
	g.Refresh(context.Background())

	cancel()
	assert.Eventually(t, func() bool { return pendingWaiters(g) == 1 }, time.Second, 5*time.Millisecond)

	release()

	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, "A2", g.AccessToken(context.Background()))
}

func TestPendingRefresh_WaitHonoursContext(t *testing.T) {
	g, backend, _ := newSignedInGateway(t)
	release := backend.HoldRefresh()
	defer release()

	p := g.Refresh(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Wait(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, pendingWaiters(g), "an expired wait does not release the refresh")
}

// startHeldRefresh begins a refresh and returns once the backend has the
// request parked behind its gate.
func startHeldRefresh(t *testing.T, g *Gateway, backend *testhelpers.MockBackend) (*PendingRefresh, func()) {
	t.Helper()

	release := backend.HoldRefresh()
	t.Cleanup(release)

	p := g.Refresh(context.Background())
	require.Eventually(t, func() bool {
		return backend.Count("GET /auth/refresh_token") == 1
	}, 2*time.Second, 5*time.Millisecond)

	return p, release
}

func waitDone(t *testing.T, p *PendingRefresh) {
	t.Helper()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not complete")
	}
}

func TestRefresh_LogoutDuringRefreshStaysSignedOut(t *testing.T) {
	g, backend, _ := newSignedInGateway(t)
	ctx := context.Background()
	backend.IssueOnRefresh("A2")

	var refreshed atomic.Int32
	g.OnRefreshed(func() { refreshed.Add(1) })

	p, release := startHeldRefresh(t, g, backend)

	require.NoError(t, g.Logout(ctx))
	release()
	waitDone(t, p)

	require.Error(t, p.Err())
	assert.NotErrorIs(t, p.Err(), ErrSessionExpired)
	assert.False(t, g.IsAuthenticated(ctx))
	assert.Equal(t, Unauthenticated, g.State(ctx))
	assert.Empty(t, g.AccessToken(ctx))
	assert.Zero(t, refreshed.Load())
}

func TestRefresh_NewSessionDuringRefreshIsKept(t *testing.T) {
	g, backend, _ := newSignedInGateway(t)
	ctx := context.Background()
	backend.IssueOnRefresh("A2")

	p, release := startHeldRefresh(t, g, backend)

	next := model.TokenPair{AccessToken: "A9", RefreshToken: "R9"}
	require.NoError(t, g.SaveTokens(ctx, next))
	assert.Equal(t, Authenticated, g.State(ctx), "the new session has no refresh in flight")

	release()
	waitDone(t, p)

	assert.NotErrorIs(t, p.Err(), ErrSessionExpired)
	assert.Equal(t, "A9", g.AccessToken(ctx))

	rec, found, err := g.store.Get(ctx, credential.RefreshTokenName)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "R9", rec.Value)
}

func TestExchange_DiscardsTokenForEndedSession(t *testing.T) {
	g, backend, _ := newSignedInGateway(t)
	ctx := context.Background()
	backend.IssueOnRefresh("A2")

	stale := g.generation.Load()
	g.generation.Add(1)

	err := g.exchange(ctx, stale)

	assert.ErrorIs(t, err, errSessionReplaced)
	assert.Equal(t, "A1", g.AccessToken(ctx))
	assert.Equal(t, 1, backend.Count("GET /auth/refresh_token"))
}

func TestTeardown_LeavesNewerSessionAlone(t *testing.T) {
	g, _, _ := newSignedInGateway(t)
	ctx := context.Background()

	stale := g.generation.Load()
	g.generation.Add(1)

	assert.False(t, g.teardown(ctx, stale))
	assert.Equal(t, "A1", g.AccessToken(ctx))

	nav := g.nav.(*RecordingNavigator)
	_, navigated := nav.Last()
	assert.False(t, navigated)
}
