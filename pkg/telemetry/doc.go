// Package telemetry groups the observability subpackages.
//
// Subpackages:
//
//   - logging: structured slog logging with buffered output
//   - tracing: request IDs and OpenTelemetry span export
//   - health: admin liveness and readiness probes
//
// Request counters, gauges, and histograms live in pkg/stats, which owns
// the Prometheus registry the admin endpoint serves.
package telemetry
