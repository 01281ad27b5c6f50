package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every interviewkit span.
const tracerName = "github.com/MrWong99/interviewkit"

// Tracer returns the interviewkit tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCaptureSpan starts a span for work on one interview session, tagged
// with session_id and, for per-answer work, question_id.
func StartCaptureSpan(ctx context.Context, name, sessionID, questionID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("session_id", sessionID)}
	if questionID != "" {
		attrs = append(attrs, attribute.String("question_id", questionID))
	}
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base with trace_id and span_id of the span in ctx, so a
// failed backend call can be found in the trace. Without a span base is
// returned as is; a nil base uses [slog.Default].
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
