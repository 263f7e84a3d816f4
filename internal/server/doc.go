// Package server exposes a small monitoring API while the client runs:
// a health check, the Prometheus metrics and the status of every process
// the client is tracking.
package server
