// Package metrics defines the engine's Prometheus instruments. Each
// Metrics value carries its own registry; the handler is mounted on the
// dedicated metrics listener, never on the API server.
package metrics
