// Package metrics defines the Prometheus instruments recorded by the session
// and the poll loop.
package metrics
