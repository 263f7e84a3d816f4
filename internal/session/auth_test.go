package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/inukshuk/artimi/internal/testserver"
)

func TestLogin(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, newFakeClock())
	require.NoError(t, s.Login(context.Background()))

	require.True(t, s.Authenticated())
	assert.Equal(t, srv.AccessToken(), s.TokenSet().AccessToken())
	assert.Equal(t, 1, srv.Count(testserver.RoutePasswordGrant))

	form := srv.Requests()[0]
	assert.Equal(t, "/auth/token", form.Path)
	assert.Equal(t, "application/x-www-form-urlencoded", form.Header.Get("Content-Type"))
	assert.Empty(t, form.Header.Get("Authorization"))
}

func TestLoginFailure(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, newFakeClock(), func(c *Config) { c.Password = "wrong" })
	err := s.Login(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.ErrorIs(t, err, ErrRequestFailed)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnauthorized, reqErr.StatusCode)
	assert.Equal(t, "Invalid user credentials", reqErr.Message)
	assert.False(t, s.Authenticated())
}

func TestRefreshNoopWhenValid(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, newFakeClock())
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))
	tokens := s.TokenSet()

	require.NoError(t, s.Refresh(ctx, false))

	assert.Same(t, tokens, s.TokenSet())
	assert.Equal(t, 1, srv.Count(testserver.RoutePasswordGrant))
	assert.Equal(t, 0, srv.Count(testserver.RouteRefreshGrant))
}

func TestRefreshWithoutTokensLogsIn(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, newFakeClock())
	require.NoError(t, s.Refresh(context.Background(), false))

	assert.True(t, s.Authenticated())
	assert.Equal(t, 1, srv.Count(testserver.RoutePasswordGrant))
	assert.Equal(t, 0, srv.Count(testserver.RouteRefreshGrant))
}

func TestRefreshExpiredAccessToken(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	clk := newFakeClock()
	s := newTestSession(t, srv, clk)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))
	tokens := s.TokenSet()

	clk.Step(time.Duration(srv.ExpiresIn) * time.Second)
	require.True(t, tokens.IsExpired())

	_, err := s.Status(ctx, "1001")
	require.NoError(t, err)

	assert.Equal(t, 1, srv.Count(testserver.RouteRefreshGrant), "exactly one refresh")
	assert.Equal(t, 1, srv.Count(testserver.RoutePasswordGrant))
	assert.Same(t, tokens, s.TokenSet(), "token set is refreshed in place")
	assert.Equal(t, srv.AccessToken(), tokens.AccessToken())
	assert.False(t, tokens.IsExpired())
}

func TestForcedRefresh(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, newFakeClock())
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))
	first := s.TokenSet().AccessToken()

	require.NoError(t, s.Refresh(ctx, true))

	assert.Equal(t, 1, srv.Count(testserver.RouteRefreshGrant))
	assert.NotEqual(t, first, s.TokenSet().AccessToken())
}

func TestRefreshFailureFallsBackToLogin(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	clk := newFakeClock()
	s := newTestSession(t, srv, clk)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	srv.FailRefresh(true)
	clk.Step(time.Hour / 12)

	_, err := s.Status(ctx, "1001")
	require.NoError(t, err)

	assert.Equal(t, 1, srv.Count(testserver.RouteRefreshGrant))
	assert.Equal(t, 2, srv.Count(testserver.RoutePasswordGrant))
	assert.Equal(t, srv.AccessToken(), s.TokenSet().AccessToken())
}

func TestRefreshExpiredRefreshTokenLogsIn(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	clk := newFakeClock()
	s := newTestSession(t, srv, clk)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	clk.Step(time.Duration(srv.RefreshExpiresIn) * time.Second)
	require.NoError(t, s.Refresh(ctx, false))

	assert.Equal(t, 0, srv.Count(testserver.RouteRefreshGrant))
	assert.Equal(t, 2, srv.Count(testserver.RoutePasswordGrant))
}

func TestRefreshSurfacesLoginFailure(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	clk := newFakeClock()
	s := newTestSession(t, srv, clk)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	srv.FailRefresh(true)
	srv.SetCredentials(srv.User, "rotated")
	clk.Step(time.Hour)

	err := s.Refresh(ctx, false)
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.False(t, s.Authenticated(), "failed login leaves the session unauthenticated")
	assert.Nil(t, s.TokenSet())
}

// gatedDoer holds the first token request until release is closed.
type gatedDoer struct {
	next    Doer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *gatedDoer) Do(req *http.Request) (*http.Response, error) {
	if req.URL.Path == "/auth/token" {
		first := false
		d.once.Do(func() { first = true })
		if first {
			close(d.entered)
			<-d.release
		}
	}
	return d.next.Do(req)
}

func TestForcedRefreshDoesNotJoinPendingRenewal(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	clk := newFakeClock()
	s := newTestSession(t, srv, clk)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))
	clk.Step(time.Hour / 12)

	doer := &gatedDoer{next: srv.Client(), entered: make(chan struct{}), release: make(chan struct{})}
	s.client = doer

	pending := make(chan error, 1)
	go func() { pending <- s.Refresh(ctx, false) }()

	select {
	case <-doer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("renewal did not reach the token endpoint")
	}

	forced := make(chan error, 1)
	go func() { forced <- s.Refresh(ctx, true) }()

	select {
	case err := <-forced:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(doer.release)
		t.Fatal("forced refresh waited for the pending renewal")
	}
	assert.Equal(t, 1, srv.Count(testserver.RouteRefreshGrant))

	close(doer.release)
	require.NoError(t, <-pending)
	assert.True(t, s.Authenticated())
}

func TestConcurrentRefreshIsShared(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	clk := newFakeClock()
	s := newTestSession(t, srv, clk)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))
	clk.Step(time.Hour / 12)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Refresh(ctx, false)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.Count(testserver.RouteRefreshGrant))
}

func TestLogout(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, newFakeClock())
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))

	require.NoError(t, s.Logout(ctx))

	assert.False(t, s.Authenticated())
	assert.Equal(t, 1, srv.Count(testserver.RouteLogout))

	// Logging out twice is harmless.
	require.NoError(t, s.Logout(ctx))
	assert.Equal(t, 1, srv.Count(testserver.RouteLogout))
}

func TestLogoutClearsTokensOnFailure(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, newFakeClock())
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))
	srv.FailLogout(true)

	err := s.Logout(ctx)

	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.False(t, s.Authenticated())
}

func TestLogoutSkipsRevocationForExpiredRefreshToken(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	clk := newFakeClock()
	s := newTestSession(t, srv, clk)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx))
	clk.Step(time.Duration(srv.RefreshExpiresIn) * time.Second)

	require.NoError(t, s.Logout(ctx))

	assert.False(t, s.Authenticated())
	assert.Equal(t, 0, srv.Count(testserver.RouteLogout))
}

func TestRefreshCancelled(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, clock.RealClock{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Refresh(ctx, false)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
}
