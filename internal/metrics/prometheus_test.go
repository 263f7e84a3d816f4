package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	// Must not panic.
	m.RecordAPIRequest("GET", "https://example.com", "200", 0.1)
	m.RecordRateLimited("https://example.com")
	m.RecordLogin("success")
	m.RecordTokenRefresh("success")
	m.RecordLogout()
	m.RecordProcessSubmitted()
	m.RecordProcessTransition("RUNNING")
	m.RecordPollIteration(true)
	m.RecordHTTPRequest("GET", "/health", "200", 0.1)
	m.RecordHTTPError("GET", "/health", "server_error")
}

func TestRecordPollIteration(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPollIteration(false)
	m.RecordPollIteration(true)
	m.RecordPollIteration(true)

	if got := testutil.ToFloat64(m.PollIterations); got != 3 {
		t.Errorf("Expected 3 poll iterations, got %v", got)
	}
	if got := testutil.ToFloat64(m.PollRetries); got != 2 {
		t.Errorf("Expected 2 poll retries, got %v", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.RecordRateLimited("https://api.example.com")

	if got := testutil.ToFloat64(a.RateLimited.WithLabelValues("https://api.example.com")); got != 1 {
		t.Errorf("Expected 1 rate limited response, got %v", got)
	}
	if got := testutil.ToFloat64(b.RateLimited.WithLabelValues("https://api.example.com")); got != 0 {
		t.Errorf("Expected second registry to be untouched, got %v", got)
	}
}
