package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inukshuk/artimi/internal/metrics"
)

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	tracker  *Tracker
	metrics  *metrics.Metrics
	version  string

	startTime time.Time
	mu        sync.RWMutex
	addr      string
}

// NewHTTPServer creates a new monitoring server listening on address
func NewHTTPServer(address, version string, logger *slog.Logger,
	gatherer prometheus.Gatherer, tracker *Tracker, m *metrics.Metrics) *HTTPServer {

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if tracker == nil {
		tracker = NewTracker()
	}

	h := &HTTPServer{
		logger:    logger,
		gatherer:  gatherer,
		tracker:   tracker,
		metrics:   m,
		version:   version,
		startTime: time.Now(),
		addr:      address,
	}

	h.server = &http.Server{
		Addr:         address,
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routes of the server
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/processes", h.withMetrics("/processes", h.handleProcesses))
	mux.HandleFunc("/processes/", h.withMetrics("/processes/{id}", h.handleProcessDetail))

	// No request metrics for the metrics endpoint itself
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.addr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Info("Starting monitoring server",
		slog.String("address", h.Addr()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (h *HTTPServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.addr
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping monitoring server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "artimi",
			"version": h.version,
		},
		"processes": h.tracker.Counts(),
	})
}

// handleProcesses implements the /processes endpoint
func (h *HTTPServer) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	processes := h.tracker.List()
	writeJSON(w, map[string]any{
		"total_processes": len(processes),
		"timestamp":       time.Now().UTC(),
		"processes":       processes,
	})
}

// handleProcessDetail implements the /processes/{id} endpoint
func (h *HTTPServer) handleProcessDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/processes/")
	if id == "" {
		http.Error(w, "Process ID required", http.StatusBadRequest)
		return
	}

	info, ok := h.tracker.Get(id)
	if !ok {
		http.Error(w, "Process not found", http.StatusNotFound)
		return
	}

	writeJSON(w, info)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "artimi",
		"version": h.version,
		"endpoints": map[string]string{
			"GET /":               "API documentation",
			"GET /health":         "Health check",
			"GET /processes":      "List tracked processes",
			"GET /processes/{id}": "Get one tracked process",
			"GET /metrics":        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
