package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default endpoints of the public Transkribus services.
const (
	DefaultAuthURL       = "https://account.readcoop.eu/auth/realms/readcoop/protocol/openid-connect"
	DefaultMetagraphoURL = "https://transkribus.eu/processing/v1"
	DefaultTRPURL        = "https://transkribus.eu/TrpServer/rest"
	DefaultClientID      = "processing-api-client"
)

// Environment variables overriding the credentials of the config file.
const (
	EnvUser     = "TRANSKRIBUS_USER"
	EnvPassword = "TRANSKRIBUS_PASSWORD"
)

// Config represents the complete client configuration
type Config struct {
	Auth       string `yaml:"auth"`
	Metagrapho string `yaml:"metagrapho"`
	TRP        string `yaml:"trp"`
	ClientID   string `yaml:"client_id"`

	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	UserAgent string `yaml:"user_agent"`

	Interval   int  `yaml:"interval"`    // milliseconds
	MaxRetries int  `yaml:"max_retries"` // consecutive poll failures
	RetryAfter int  `yaml:"retry_after"` // milliseconds
	Timeout    int  `yaml:"timeout"`     // seconds
	Verbose    bool `yaml:"verbose"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains the optional metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is present.
func Default(userAgent string) *Config {
	return &Config{
		Auth:       DefaultAuthURL,
		Metagrapho: DefaultMetagraphoURL,
		TRP:        DefaultTRPURL,
		ClientID:   DefaultClientID,
		UserAgent:  userAgent,
		Interval:   5000,
		MaxRetries: 3,
		RetryAfter: 10000,
		Timeout:    60,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9464",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults,
// applies the environment overrides and validates the result.
func Load(path, userAgent string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default(userAgent)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults when the
// file does not exist.
func LoadOrDefault(path, userAgent string) (*Config, error) {
	config, err := Load(path, userAgent)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return config, err
	}

	config = Default(userAgent)
	config.ApplyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides the credentials from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvUser); ok && v != "" {
		c.User = v
	}
	if v, ok := lookup(EnvPassword); ok && v != "" {
		c.Password = v
	}
}

// LoadEnvFile loads variables from a dotenv file into the process
// environment. Variables already set are kept. A missing file is ignored.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Validate performs validation of the configuration. Credentials are not
// required here since anonymous commands work without them.
func (c *Config) Validate() error {
	endpoints := map[string]string{
		"auth":       c.Auth,
		"metagrapho": c.Metagrapho,
		"trp":        c.TRP,
	}
	for name, value := range endpoints {
		if err := validateURL(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.ClientID == "" {
		return fmt.Errorf("client_id cannot be empty")
	}

	if c.UserAgent == "" {
		return fmt.Errorf("user_agent cannot be empty")
	}

	if c.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 millisecond, got %d", c.Interval)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}

	if c.RetryAfter < 0 {
		return fmt.Errorf("retry_after cannot be negative, got %d", c.RetryAfter)
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

func validateURL(value string) error {
	if value == "" {
		return fmt.Errorf("url cannot be empty")
	}

	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", value, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https, got %q", value)
	}
	if u.Host == "" {
		return fmt.Errorf("url must have a host, got %q", value)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path.
	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Address == "" {
		return fmt.Errorf("address cannot be empty when metrics are enabled")
	}
	return nil
}

// GetIntervalDuration returns the poll interval as a time.Duration
func (c *Config) GetIntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Millisecond
}

// GetRetryAfterDuration returns the default rate-limit backoff as a time.Duration
func (c *Config) GetRetryAfterDuration() time.Duration {
	return time.Duration(c.RetryAfter) * time.Millisecond
}

// GetTimeoutDuration returns the HTTP client timeout as a time.Duration
func (c *Config) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
