package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestOptions struct {
	header    http.Header
	anonymous bool
}

// RequestOption customizes a single Request.
type RequestOption func(*requestOptions)

// WithHeader sets a request header. It overrides the default Accept header
// but never the User-Agent.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		o.header.Set(key, value)
	}
}

// Anonymous sends the request without an Authorization header and without
// touching the session tokens.
func Anonymous() RequestOption {
	return func(o *requestOptions) {
		o.anonymous = true
	}
}

// Request sends an HTTP request through the session. Unless Anonymous is
// given, the access token is renewed as needed and attached. Requests to an
// origin that recently answered 429 wait until its deadline has passed.
//
// A 2xx response is returned with an open body which the caller must close.
// Other responses are returned as *RateLimitError or *RequestError.
func (s *Session) Request(ctx context.Context, method, rawURL string, body io.Reader, opts ...RequestOption) (*http.Response, error) {
	o := requestOptions{header: make(http.Header)}
	for _, opt := range opts {
		opt(&o)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for key, values := range o.header {
		req.Header[key] = values
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	// The bearer token must be taken after the rate-limit wait.
	origin := originOf(req.URL)
	if err := s.waitForRateLimit(ctx, origin); err != nil {
		return nil, err
	}

	if !o.anonymous {
		if err := s.Refresh(ctx, false); err != nil {
			return nil, err
		}

		tokens := s.TokenSet()
		if tokens == nil {
			return nil, &AuthError{Op: "request", Err: errors.New("session logged out")}
		}
		tokens.Token().SetAuthHeader(req)
	}

	s.logger.Debug("Sending request",
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("url", rawURL),
	)

	start := s.clock.Now()
	resp, err := s.dispatch(ctx, req)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	s.metrics.RecordAPIRequest(method, origin, strconv.Itoa(resp.StatusCode), s.clock.Since(start).Seconds())

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()

		until := s.clock.Now().Add(s.retryAfter(resp.Header.Get("Retry-After")))
		s.setRateLimit(origin, until)
		s.metrics.RecordRateLimited(origin)

		s.logger.Warn("Rate limited",
			slog.String("request_id", requestID),
			slog.String("origin", origin),
			slog.Time("until", until),
		)
		return nil, &RateLimitError{URL: rawURL, Origin: origin, Until: until}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()

		reqErr := newRequestError(req, resp)
		s.logger.Warn("Request failed",
			slog.String("request_id", requestID),
			slog.String("method", method),
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode),
			slog.String("message", reqErr.Message),
		)
		return nil, reqErr
	}

	return resp, nil
}

// dispatch hands req to the transport. The caller is released as soon as
// ctx is done even if the transport does not observe the context.
func (s *Session) dispatch(ctx context.Context, req *http.Request) (*http.Response, error) {
	type result struct {
		resp *http.Response
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		resp, err := s.client.Do(req)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return r.resp, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, cancelled(ctx)
	}
}

// retryAfter interprets a Retry-After header given in seconds or as an
// HTTP date, falling back to the configured backoff.
func (s *Session) retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return s.config.RetryAfter
	}

	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(s.clock.Now()); d > 0 {
			return d
		}
		return 0
	}

	return s.config.RetryAfter
}

// RateLimitedUntil returns the active rate-limit deadline for the origin of
// rawURL, if any.
func (s *Session) RateLimitedUntil(rawURL string) (time.Time, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, false
	}
	return s.rateLimit(originOf(u))
}

func (s *Session) rateLimit(origin string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.limits[origin]
	if !ok {
		return time.Time{}, false
	}
	if !until.After(s.clock.Now()) {
		delete(s.limits, origin)
		return time.Time{}, false
	}
	return until, true
}

func (s *Session) setRateLimit(origin string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[origin] = until
}

// waitForRateLimit blocks while origin is rate limited. A deadline extended
// during the wait is honoured as well.
func (s *Session) waitForRateLimit(ctx context.Context, origin string) error {
	for {
		until, ok := s.rateLimit(origin)
		if !ok {
			return nil
		}

		delay := until.Sub(s.clock.Now())
		s.logger.Debug("Waiting for rate limit",
			slog.String("origin", origin),
			slog.Duration("delay", delay),
		)

		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// sleep waits for d on the session clock or until ctx is done.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return cancelled(ctx)
	}

	select {
	case <-s.clock.After(d):
		return nil
	case <-ctx.Done():
		return cancelled(ctx)
	}
}

// originOf returns scheme://host[:port] with default ports removed.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}

	return scheme + "://" + host
}
