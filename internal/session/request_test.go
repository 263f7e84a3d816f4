package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/inukshuk/artimi/internal/testserver"
)

func TestRequestHeaders(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, newFakeClock())
	ctx := context.Background()

	resp, err := s.Request(ctx, http.MethodGet, srv.ProcessingURL()+"/processes/1", nil,
		WithHeader("Accept", "text/plain"),
		WithHeader("User-Agent", "impostor"),
		WithHeader("X-Custom", "yes"),
	)
	require.NoError(t, err)
	resp.Body.Close()

	requests := srv.Requests()
	last := requests[len(requests)-1]

	assert.Equal(t, "text/plain", last.Header.Get("Accept"), "caller Accept wins")
	assert.Equal(t, testUserAgent, last.Header.Get("User-Agent"), "User-Agent is fixed")
	assert.Equal(t, "yes", last.Header.Get("X-Custom"))
	assert.Equal(t, "Bearer "+srv.AccessToken(), last.Header.Get("Authorization"))
	assert.NotEmpty(t, last.Header.Get("X-Request-ID"))

	resp, err = s.Request(ctx, http.MethodGet, srv.ModelsURL()+"/models/text", nil)
	require.NoError(t, err)
	resp.Body.Close()

	requests = srv.Requests()
	last = requests[len(requests)-1]
	assert.Equal(t, "application/json", last.Header.Get("Accept"), "default Accept")
}

func TestAnonymousRequest(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, newFakeClock())

	resp, err := s.Request(context.Background(), http.MethodGet, srv.ModelsURL()+"/models/text", nil, Anonymous())
	require.NoError(t, err)
	resp.Body.Close()

	requests := srv.Requests()
	require.Len(t, requests, 1, "no token grant for anonymous requests")
	assert.Empty(t, requests[0].Header.Get("Authorization"))
	assert.False(t, s.Authenticated())
}

func TestRequestErrorMessage(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantMessage string
	}{
		{"json message", "application/json", `{"message":"process not found"}`, "process not found"},
		{"oauth error", "application/json; charset=utf-8", `{"error":"invalid_grant","error_description":"Token is not active"}`, "Token is not active"},
		{"problem json", "application/problem+json", `{"error":"bad"}`, "bad"},
		{"json without message", "application/json", `{"code":17}`, `{"code":17}`},
		{"plain text", "text/plain", "down for maintenance\n", "down for maintenance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(http.StatusServiceUnavailable)
				io.WriteString(w, tt.body)
			}))
			defer api.Close()

			srv := testserver.New()
			defer srv.Close()
			s := newTestSession(t, srv, newFakeClock())

			_, err := s.Request(context.Background(), http.MethodGet, api.URL+"/x", nil, Anonymous())

			require.ErrorIs(t, err, ErrRequestFailed)
			var reqErr *RequestError
			require.ErrorAs(t, err, &reqErr)
			assert.Equal(t, http.StatusServiceUnavailable, reqErr.StatusCode)
			assert.Equal(t, tt.wantMessage, reqErr.Message)
			assert.Equal(t, http.MethodGet, reqErr.Method)
		})
	}
}

func TestRateLimitIsPerOrigin(t *testing.T) {
	authSrv := testserver.New()
	defer authSrv.Close()
	apiSrv := testserver.New()
	defer apiSrv.Close()
	apiSrv.Trust(authSrv)

	clk := newFakeClock()
	s := newTestSession(t, authSrv, clk, func(c *Config) {
		c.ProcessingURL = apiSrv.ProcessingURL()
	})
	ctx := context.Background()

	apiSrv.Script(testserver.Reply{Code: http.StatusTooManyRequests, RetryAfter: "2", Message: "slow down"})

	_, err := s.Status(ctx, "1001")
	require.ErrorIs(t, err, ErrRateLimited)

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, clk.Now().Add(2*time.Second), rlErr.Until)

	until, limited := s.RateLimitedUntil(apiSrv.ProcessingURL())
	require.True(t, limited)
	assert.Equal(t, rlErr.Until, until)

	done := make(chan error, 1)
	go func() {
		_, err := s.Status(ctx, "1001")
		done <- err
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond, "second request waits")

	// Other origins, the auth server included, are not throttled.
	_, limited = s.RateLimitedUntil(authSrv.AuthURL())
	assert.False(t, limited)
	require.NoError(t, s.Refresh(ctx, true))
	resp, err := s.Request(ctx, http.MethodGet, authSrv.ModelsURL()+"/models/text", nil, Anonymous())
	require.NoError(t, err)
	resp.Body.Close()

	clk.Step(2*time.Second - time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("request finished before the deadline: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, apiSrv.Count(testserver.RouteStatus))

	clk.Step(time.Millisecond)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not resume after the deadline")
	}
	assert.Equal(t, 2, apiSrv.Count(testserver.RouteStatus))
}

func TestRateLimitDefaultBackoff(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	clk := newFakeClock()
	s := newTestSession(t, srv, clk, func(c *Config) { c.RetryAfter = 7 * time.Second })
	srv.Script(testserver.Reply{Code: http.StatusTooManyRequests})

	_, err := s.Status(context.Background(), "1")

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, clk.Now().Add(7*time.Second), rlErr.Until)
}

func TestRateLimitWaitCancelled(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	s := newTestSession(t, srv, clock.RealClock{})
	srv.Script(testserver.Reply{Code: http.StatusTooManyRequests, RetryAfter: "3600"})

	_, err := s.Status(context.Background(), "1")
	require.ErrorIs(t, err, ErrRateLimited)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err = s.Status(ctx, "1")

	require.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, srv.Count(testserver.RouteStatus), "no request after cancellation")
}

type blockingDoer struct{ release chan struct{} }

func (d *blockingDoer) Do(req *http.Request) (*http.Response, error) {
	<-d.release
	return nil, errors.New("released")
}

func TestRequestCancelledDuringDispatch(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	doer := &blockingDoer{release: make(chan struct{})}
	defer close(doer.release)

	s := newTestSession(t, srv, clock.RealClock{}, func(c *Config) { c.HTTPClient = doer })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := s.Request(ctx, http.MethodGet, "https://example.com/x", nil, Anonymous())
	require.ErrorIs(t, err, ErrCancelled)
}

func TestRetryAfter(t *testing.T) {
	clk := newFakeClock()
	s := &Session{config: Config{RetryAfter: 10 * time.Second}, clock: clk}

	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 10 * time.Second},
		{"2", 2 * time.Second},
		{" 30 ", 30 * time.Second},
		{"0", 0},
		{"-1", 10 * time.Second},
		{"soon", 10 * time.Second},
		{clk.Now().Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{clk.Now().Add(-time.Minute).Format(http.TimeFormat), 0},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, s.retryAfter(tt.header))
		})
	}
}

func TestOriginOf(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://transkribus.eu/processing/v1/processes", "https://transkribus.eu"},
		{"https://Transkribus.EU:443/x", "https://transkribus.eu"},
		{"http://localhost:8080/auth/token", "http://localhost:8080"},
		{"http://example.com:80/", "http://example.com"},
		{"https://[::1]:8443/x", "https://[::1]:8443"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, originOf(u))
		})
	}
}
