package session

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/inukshuk/artimi/internal/auth"
	"github.com/inukshuk/artimi/internal/metrics"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config is the immutable configuration of a Session.
type Config struct {
	AuthURL       string // openid-connect base, e.g. .../protocol/openid-connect
	ProcessingURL string // metagrapho base, e.g. .../processing/v1
	ModelsURL     string // TrpServer REST base for public model listings
	ClientID      string

	User      string
	Password  string
	UserAgent string

	Interval   time.Duration // poll period
	MaxRetries int           // consecutive poll failures tolerated
	RetryAfter time.Duration // backoff for 429 responses without Retry-After
	Timeout    time.Duration // used when HTTPClient is nil

	HTTPClient Doer
	Logger     *slog.Logger
	Clock      clock.Clock
	Metrics    *metrics.Metrics
}

// Session is an authenticated connection to the processing API. It is safe
// for concurrent use.
type Session struct {
	config  Config
	client  Doer
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	tokens *auth.TokenSet
	limits map[string]time.Time // origin -> rate limited until
	flight singleflight.Group

	mu sync.RWMutex
}

// New creates a Session. Zero durations, an empty UserAgent and nil
// collaborators are replaced by defaults. MaxRetries is kept as given, zero
// meaning no retries; a negative value selects the default of 3.
func New(cfg Config) (*Session, error) {
	if cfg.AuthURL == "" {
		return nil, fmt.Errorf("auth endpoint cannot be empty")
	}

	if cfg.ProcessingURL == "" {
		return nil, fmt.Errorf("processing endpoint cannot be empty")
	}

	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id cannot be empty")
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = "artimi"
	}

	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}

	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 10 * time.Second
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	cfg.ProcessingURL = strings.TrimRight(cfg.ProcessingURL, "/")
	cfg.ModelsURL = strings.TrimRight(cfg.ModelsURL, "/")

	return &Session{
		config:  cfg,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		limits:  make(map[string]time.Time),
	}, nil
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.config
}

// Authenticated reports whether the session holds a token set.
func (s *Session) Authenticated() bool {
	return s.TokenSet() != nil
}

// TokenSet returns the current credentials or nil.
func (s *Session) TokenSet() *auth.TokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

func (s *Session) setTokenSet(tokens *auth.TokenSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
}
