package auth

import (
	"sync"
	"time"

	"golang.org/x/oauth2"
	"k8s.io/utils/clock"
)

// ExpiryThreshold is subtracted from every token lifetime so that a token is
// renewed slightly before the server would reject it.
const ExpiryThreshold = 5 * time.Second

// TokenResponse is the JSON body returned by the token endpoint for both
// the password and the refresh_token grant.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	ExpiresIn        int64  `json:"expires_in"`                   // seconds
	RefreshExpiresIn *int64 `json:"refresh_expires_in,omitempty"` // seconds
}

// TokenSet holds one access/refresh token pair. A TokenSet is refreshed in
// place so that every holder of the pointer observes the new credential.
type TokenSet struct {
	clock clock.PassiveClock

	accessToken  string
	refreshToken string
	tokenType    string
	issuedAt     time.Time
	accessTTL    time.Duration
	refreshTTL   time.Duration // zero means the refresh token does not expire

	mu sync.RWMutex
}

// NewTokenSet creates a TokenSet from an issuance response. A nil clock
// uses the wall clock.
func NewTokenSet(resp TokenResponse, clk clock.PassiveClock) *TokenSet {
	if clk == nil {
		clk = clock.RealClock{}
	}

	ts := &TokenSet{clock: clk}
	ts.Refresh(resp)
	return ts
}

// Refresh replaces all values from a renewal response and resets the issue time.
func (ts *TokenSet) Refresh(resp TokenResponse) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.issuedAt = ts.clock.Now()
	ts.accessToken = resp.AccessToken
	ts.refreshToken = resp.RefreshToken
	ts.tokenType = resp.TokenType
	ts.accessTTL = time.Duration(resp.ExpiresIn) * time.Second
	ts.refreshTTL = 0
	if resp.RefreshExpiresIn != nil {
		ts.refreshTTL = time.Duration(*resp.RefreshExpiresIn) * time.Second
	}
}

// AccessToken returns the current bearer credential.
func (ts *TokenSet) AccessToken() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.accessToken
}

// RefreshToken returns the current refresh credential, possibly empty.
func (ts *TokenSet) RefreshToken() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.refreshToken
}

// IssuedAt returns the time of the last issuance or refresh.
func (ts *TokenSet) IssuedAt() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.issuedAt
}

// IsExpired reports whether the access token should no longer be used.
func (ts *TokenSet) IsExpired() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.expired(ts.accessTTL)
}

// IsRefreshExpired reports whether the refresh token can no longer be
// exchanged. A missing refresh token counts as expired; a refresh token
// without a lifetime never expires.
func (ts *TokenSet) IsRefreshExpired() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.refreshToken == "" {
		return true
	}
	if ts.refreshTTL == 0 {
		return false
	}
	return ts.expired(ts.refreshTTL)
}

// Expiry returns the point in time at which IsExpired turns true.
func (ts *TokenSet) Expiry() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.issuedAt.Add(ts.accessTTL - ExpiryThreshold)
}

func (ts *TokenSet) expired(ttl time.Duration) bool {
	return ts.clock.Since(ts.issuedAt)+ExpiryThreshold >= ttl
}

// Token returns a snapshot of the access token in golang.org/x/oauth2 form.
func (ts *TokenSet) Token() *oauth2.Token {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	tokenType := ts.tokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &oauth2.Token{
		AccessToken:  ts.accessToken,
		RefreshToken: ts.refreshToken,
		TokenType:    tokenType,
		Expiry:       ts.issuedAt.Add(ts.accessTTL - ExpiryThreshold),
	}
}
