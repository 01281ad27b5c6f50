package observe

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider for the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (string, bool) {
	for _, a := range s.Attributes() {
		if a.Key == attribute.Key(key) {
			return a.Value.AsString(), true
		}
	}
	return "", false
}

func TestStartCaptureSpan_TagsSessionAndQuestion(t *testing.T) {
	exp := useTestTracer(t)

	ctx, finish := StartCaptureSpan(context.Background(), "interview.finish", "sess-1", "")
	_, start := StartCaptureSpan(ctx, "speech.start", "sess-1", "q2")
	start.End()
	finish.End()

	spans := exp.GetSpans().Snapshots()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	speechSpan, finishSpan := spans[0], spans[1]
	if speechSpan.Name() != "speech.start" || finishSpan.Name() != "interview.finish" {
		t.Fatalf("span names = %q, %q", speechSpan.Name(), finishSpan.Name())
	}
	if speechSpan.Parent().SpanID() != finishSpan.SpanContext().SpanID() {
		t.Error("answer span is not a child of the interview span")
	}
	if q, ok := spanAttr(speechSpan, "question_id"); !ok || q != "q2" {
		t.Errorf("question_id = %q, %v", q, ok)
	}
	if _, ok := spanAttr(finishSpan, "question_id"); ok {
		t.Error("session-wide span carries a question_id")
	}
	for _, s := range spans {
		if sid, _ := spanAttr(s, "session_id"); sid != "sess-1" {
			t.Errorf("%s session_id = %q", s.Name(), sid)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	useTestTracer(t)
	ctx, span := StartCaptureSpan(context.Background(), "nonverbal.start", "sess-1", "")
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Errorf("correlation id %q, want 32 hex chars", cid)
	}
}

func TestLogger_FailedBackendCallCarriesTrace(t *testing.T) {
	useTestTracer(t)
	rec := NewRecorder(slog.LevelInfo)

	ctx, span := StartSpan(context.Background(), "speech.analyze_session")
	Logger(ctx, rec.Logger()).Warn("speech backend request failed", "err", errors.New("502 Bad Gateway"))
	span.End()

	if v, ok := rec.Attr("speech backend request failed", "trace_id"); !ok || v.String() != CorrelationID(ctx) {
		t.Errorf("trace_id = %v (found %v), want %s", v, ok, CorrelationID(ctx))
	}
	if _, ok := rec.Attr("speech backend request failed", "span_id"); !ok {
		t.Error("record missing span_id")
	}
}

func TestLogger_WithoutSpan(t *testing.T) {
	rec := NewRecorder(slog.LevelInfo)
	base := rec.Logger()
	if l := Logger(context.Background(), base); l != base {
		t.Error("Logger without a span should return base unchanged")
	}
	if Logger(context.Background(), nil) != slog.Default() {
		t.Error("nil base should fall back to slog.Default")
	}
}
