package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics of the transcription client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Outgoing API request metrics
	APIRequests        *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	RateLimited        *prometheus.CounterVec

	// Authentication metrics
	Logins         *prometheus.CounterVec
	TokenRefreshes *prometheus.CounterVec
	Logouts        prometheus.Counter

	// Process metrics
	ProcessesSubmitted prometheus.Counter
	ProcessTransitions *prometheus.CounterVec
	PollIterations     prometheus.Counter
	PollRetries        prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil
// registerer uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "artimi_api_requests_total",
			Help: "Total number of requests sent to the auth and processing APIs",
		}, []string{"method", "origin", "status_code"}),
		APIRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artimi_api_request_duration_seconds",
			Help:    "Duration of requests sent to the auth and processing APIs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"method", "origin"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "artimi_rate_limited_total",
			Help: "Total number of 429 responses per origin",
		}, []string{"origin"}),

		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "artimi_logins_total",
			Help: "Total number of password grant attempts",
		}, []string{"result"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "artimi_token_refreshes_total",
			Help: "Total number of refresh grant attempts",
		}, []string{"result"}),
		Logouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "artimi_logouts_total",
			Help: "Total number of logouts",
		}),

		ProcessesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "artimi_processes_submitted_total",
			Help: "Total number of submitted transcription processes",
		}),
		ProcessTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "artimi_process_transitions_total",
			Help: "Total number of observed process status transitions",
		}, []string{"status"}),
		PollIterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "artimi_poll_iterations_total",
			Help: "Total number of status requests issued by the poll loop",
		}),
		PollRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "artimi_poll_retries_total",
			Help: "Total number of failed status requests absorbed by the poll loop",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "artimi_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artimi_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "artimi_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordAPIRequest records one outgoing API request
func (m *Metrics) RecordAPIRequest(method, origin, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(method, origin, statusCode).Inc()
	m.APIRequestDuration.WithLabelValues(method, origin).Observe(durationSeconds)
}

// RecordRateLimited increments the 429 counter for origin
func (m *Metrics) RecordRateLimited(origin string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(origin).Inc()
}

// RecordLogin records a password grant with result "success" or "failure"
func (m *Metrics) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(result).Inc()
}

// RecordTokenRefresh records a refresh grant with result "success" or "fallback"
func (m *Metrics) RecordTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

// RecordLogout increments the logout counter
func (m *Metrics) RecordLogout() {
	if m == nil {
		return
	}
	m.Logouts.Inc()
}

// RecordProcessSubmitted increments the submitted processes counter
func (m *Metrics) RecordProcessSubmitted() {
	if m == nil {
		return
	}
	m.ProcessesSubmitted.Inc()
}

// RecordProcessTransition records a status transition
func (m *Metrics) RecordProcessTransition(status string) {
	if m == nil {
		return
	}
	m.ProcessTransitions.WithLabelValues(status).Inc()
}

// RecordPollIteration increments the poll iteration counter and, for a
// failed iteration, the retry counter
func (m *Metrics) RecordPollIteration(failed bool) {
	if m == nil {
		return
	}
	m.PollIterations.Inc()
	if failed {
		m.PollRetries.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
