package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/inukshuk/artimi/internal/config"
	"github.com/inukshuk/artimi/internal/metrics"
	"github.com/inukshuk/artimi/internal/server"
	"github.com/inukshuk/artimi/internal/session"
)

// app carries the state shared by all commands of one invocation.
type app struct {
	configPath  string
	envFile     string
	verbose     bool
	metricsAddr string

	out     io.Writer
	cfg     *config.Config
	logger  *slog.Logger
	logFile *os.File

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracker  *server.Tracker
	monitor  *server.HTTPServer
	session  *session.Session
}

func userAgent() string {
	return fmt.Sprintf("%s/%s", serviceName, serviceVersion)
}

// setup loads the configuration and builds the logger, the metrics and the
// session.
func (a *app) setup() error {
	if err := config.LoadEnvFile(a.envFile); err != nil {
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if a.configPath == defaultConfigPath {
		cfg, err = config.LoadOrDefault(a.configPath, userAgent())
	} else {
		cfg, err = config.Load(a.configPath, userAgent())
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if a.verbose {
		cfg.Verbose = true
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = a.metricsAddr
	}
	a.cfg = cfg

	a.logger, a.logFile = initLogger(cfg.Logging, cfg.Verbose)
	a.logger.Debug("Configuration loaded",
		slog.String("config_path", a.configPath),
		slog.String("auth", cfg.Auth),
		slog.String("metagrapho", cfg.Metagrapho),
		slog.String("trp", cfg.TRP),
		slog.Int("interval_ms", cfg.Interval),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetrics(a.registry)
	a.tracker = server.NewTracker()

	a.session, err = session.New(session.Config{
		AuthURL:       cfg.Auth,
		ProcessingURL: cfg.Metagrapho,
		ModelsURL:     cfg.TRP,
		ClientID:      cfg.ClientID,
		User:          cfg.User,
		Password:      cfg.Password,
		UserAgent:     cfg.UserAgent,
		Interval:      cfg.GetIntervalDuration(),
		MaxRetries:    cfg.MaxRetries,
		RetryAfter:    cfg.GetRetryAfterDuration(),
		HTTPClient:    &http.Client{Timeout: cfg.GetTimeoutDuration()},
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.monitor = server.NewHTTPServer(cfg.Metrics.Address, serviceVersion, a.logger, a.registry, a.tracker, a.metrics)
		if err := a.monitor.Start(); err != nil {
			return err
		}
	}

	return nil
}

// teardown ends the session and stops the monitoring server.
func (a *app) teardown() {
	if a.logger == nil {
		return
	}

	if a.session != nil && a.session.Authenticated() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.session.Logout(ctx); err != nil {
			a.logger.Warn("Logout failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	if a.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.monitor.Stop(ctx); err != nil {
			a.logger.Error("Error stopping monitoring server", slog.String("error", err.Error()))
		}
		cancel()
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig, verbose bool) (*slog.Logger, *os.File) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Results go to stdout, so logs default to stderr.
	var output, file *os.File
	switch cfg.Output {
	case "stderr", "":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = os.Stderr
		} else {
			output, file = f, f
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), file
}
