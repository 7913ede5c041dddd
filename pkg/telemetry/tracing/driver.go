package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mercator-hq/janus/pkg/config"
)

var noopTracer = noop.NewTracerProvider().Tracer("janus")

// Driver owns the tracer provider for the process. Disabled tracing yields a
// noop tracer with no per-span allocation.
type Driver struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	enabled  bool
}

// New builds a Driver from the tracing configuration. When enabled, finished
// spans are exported in batches through log.
func New(cfg *config.TracingConfig, log *slog.Logger) *Driver {
	if cfg == nil || !cfg.Enabled {
		return &Driver{tracer: noopTracer}
	}
	if log == nil {
		log = slog.Default()
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&logExporter{logger: log.With("component", "tracing")}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	return &Driver{
		tracer:   provider.Tracer("janus"),
		provider: provider,
		enabled:  true,
	}
}

// Enabled reports whether spans are recorded.
func (d *Driver) Enabled() bool { return d.enabled }

// StartRequestSpan opens a span for one downstream request when the request
// id carries a positive trace decision. The caller must End the span.
func (d *Driver) StartRequestSpan(ctx context.Context, requestID, method, path, authority string) (context.Context, trace.Span) {
	if !d.enabled || !Traceable(requestID) {
		return noopTracer.Start(ctx, "request")
	}
	return d.tracer.Start(ctx, "request", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.authority", authority),
		attribute.Bool("trace.forced", StatusOf(requestID) == TraceForced),
	))
}

// FinishRequestSpan records the response outcome and ends the span.
func FinishRequestSpan(span trace.Span, responseCode int, responseFlags string) {
	span.SetAttributes(
		attribute.Int("http.status_code", responseCode),
		attribute.String("response.flags", responseFlags),
	)
	if responseCode >= 500 || responseCode == 0 {
		span.SetStatus(codes.Error, "")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes pending spans. Safe on a disabled driver.
func (d *Driver) Shutdown(ctx context.Context) error {
	if d.provider == nil {
		return nil
	}
	return d.provider.Shutdown(ctx)
}

// logExporter emits finished spans as structured log records for a collector
// to ingest from the log stream.
type logExporter struct {
	logger *slog.Logger
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		sc := s.SpanContext()
		attrs := make([]any, 0, 8+2*len(s.Attributes()))
		attrs = append(attrs,
			"span", s.Name(),
			"trace_id", sc.TraceID().String(),
			"span_id", sc.SpanID().String(),
			"duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
		)
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		e.logger.Info("span", attrs...)
	}
	return nil
}

func (e *logExporter) Shutdown(ctx context.Context) error { return nil }
