package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/inukshuk/artimi/internal/auth"
)

// Login exchanges the configured credentials for a new token set.
func (s *Session) Login(ctx context.Context) error {
	s.logger.Debug("Logging in", slog.String("user", s.config.User))

	resp, err := s.requestToken(ctx, url.Values{
		"grant_type": {"password"},
		"username":   {s.config.User},
		"password":   {s.config.Password},
		"client_id":  {s.config.ClientID},
	})
	if err != nil {
		s.metrics.RecordLogin("failure")
		if errors.Is(err, ErrCancelled) {
			return err
		}
		s.setTokenSet(nil)
		s.logger.Warn("Login failed",
			slog.String("user", s.config.User),
			slog.String("error", err.Error()),
		)
		return &AuthError{Op: "login", Err: err}
	}

	s.setTokenSet(auth.NewTokenSet(*resp, s.clock))
	s.metrics.RecordLogin("success")
	s.logger.Info("Logged in",
		slog.String("user", s.config.User),
		slog.Int64("expires_in", resp.ExpiresIn),
	)

	return nil
}

// Refresh makes sure the session holds a usable access token. Without a
// token set, or when the refresh token is gone, it logs in. A failed
// refresh grant also falls back to logging in, so only login failures and
// cancellation are returned. Overlapping calls share one renewal; forced
// calls share a separate one.
func (s *Session) Refresh(ctx context.Context, force bool) error {
	if tokens := s.TokenSet(); tokens != nil && !force && !tokens.IsExpired() {
		return nil
	}

	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	// A forced renewal must not join a flight that may skip the grant.
	key := "token"
	if force {
		key = "token:force"
	}

	ch := s.flight.DoChan(key, func() (any, error) {
		return nil, s.renew(context.WithoutCancel(ctx), force)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return cancelled(ctx)
	}
}

func (s *Session) renew(ctx context.Context, force bool) error {
	tokens := s.TokenSet()
	if tokens == nil {
		return s.Login(ctx)
	}

	// Another caller may have renewed the tokens while we were queued.
	if !force && !tokens.IsExpired() {
		return nil
	}

	if tokens.IsRefreshExpired() {
		s.logger.Debug("Refresh token expired, logging in again")
		return s.Login(ctx)
	}

	resp, err := s.requestToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken()},
		"client_id":     {s.config.ClientID},
	})
	if err != nil {
		s.metrics.RecordTokenRefresh("fallback")
		s.logger.Warn("Token refresh failed, logging in again",
			slog.String("error", err.Error()),
		)
		return s.Login(ctx)
	}

	tokens.Refresh(*resp)
	s.metrics.RecordTokenRefresh("success")
	s.logger.Debug("Token refreshed", slog.Int64("expires_in", resp.ExpiresIn))

	return nil
}

// Logout revokes the refresh token when it is still valid. The local token
// set is discarded even if revocation fails.
func (s *Session) Logout(ctx context.Context) error {
	tokens := s.TokenSet()
	if tokens == nil {
		return nil
	}

	defer func() {
		s.setTokenSet(nil)
		s.metrics.RecordLogout()
		s.logger.Info("Logged out")
	}()

	if tokens.IsRefreshExpired() {
		return nil
	}

	form := url.Values{
		"refresh_token": {tokens.RefreshToken()},
		"client_id":     {s.config.ClientID},
	}

	resp, err := s.postForm(ctx, s.config.AuthURL+"/logout", form)
	if err != nil {
		s.logger.Warn("Logout request failed", slog.String("error", err.Error()))
		return fmt.Errorf("logout: %w", err)
	}
	resp.Body.Close()

	return nil
}

// TokenSource returns an oauth2.TokenSource that renews the session tokens
// as needed.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, session: s}
}

type tokenSource struct {
	ctx     context.Context
	session *Session
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	if err := ts.session.Refresh(ts.ctx, false); err != nil {
		return nil, err
	}

	tokens := ts.session.TokenSet()
	if tokens == nil {
		return nil, &AuthError{Op: "token", Err: errors.New("session logged out")}
	}
	return tokens.Token(), nil
}

func (s *Session) requestToken(ctx context.Context, form url.Values) (*auth.TokenResponse, error) {
	resp, err := s.postForm(ctx, s.config.AuthURL+"/token", form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var token auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response without access_token")
	}

	return &token, nil
}

func (s *Session) postForm(ctx context.Context, rawURL string, form url.Values) (*http.Response, error) {
	return s.Request(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()),
		WithHeader("Content-Type", "application/x-www-form-urlencoded"),
		Anonymous(),
	)
}
