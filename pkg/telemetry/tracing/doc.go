// Package tracing drives per-request OpenTelemetry spans.
//
// The trace decision rides in the x-request-id header itself: the UUID
// version nibble (character 14) encodes whether the request is traceable
// ('4', the natural value of a v4 UUID), force-traced ('9', set when
// x-envoy-force-trace is present), or excluded ('0'). Every hop can read
// the decision without extra headers.
//
// When tracing is disabled the Driver is a noop with no per-request
// allocation. When enabled, finished spans are exported through the
// structured logger; an OTLP collector can tail those records.
package tracing
