package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestAudioCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AudioFramesSent.Add(ctx, 3)
	m.AudioFramesDropped.Add(ctx, 1)
	m.AudioBytesSent.Add(ctx, 2*2730)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"interviewkit.audio.frames_sent", 3},
		{"interviewkit.audio.frames_dropped", 1},
		{"interviewkit.audio.bytes_sent", 5460},
	}
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("counter value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRecordTranscriptUpdate(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscriptUpdate(ctx, "partial")
	m.RecordTranscriptUpdate(ctx, "partial")
	m.RecordTranscriptUpdate(ctx, "final")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "interviewkit.transcript.updates", "kind", "partial"); got != 2 {
		t.Errorf("partial = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "interviewkit.transcript.updates", "kind", "final"); got != 1 {
		t.Errorf("final = %d, want 1", got)
	}
}

func TestRecordVideoSkip(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.VideoFramesSent.Add(ctx, 1)
	m.RecordVideoSkip(ctx, "not_ready")
	m.RecordVideoSkip(ctx, "not_ready")
	m.RecordVideoSkip(ctx, "closed")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "interviewkit.video.frames_skipped", "reason", "not_ready"); got != 2 {
		t.Errorf("not_ready = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "interviewkit.video.frames_skipped", "reason", "closed"); got != 1 {
		t.Errorf("closed = %d, want 1", got)
	}
}

func TestRecordTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, ChannelSpeech, "open")
	m.RecordTransition(ctx, ChannelNonVerbal, "active")
	m.RecordTransition(ctx, ChannelNonVerbal, "active")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "interviewkit.session.transitions", "state", "active"); got != 2 {
		t.Errorf("active = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "interviewkit.session.transitions", "channel", ChannelSpeech); got != 1 {
		t.Errorf("speech = %d, want 1", got)
	}
}

func TestRecordDeviceProbe(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDeviceProbe(ctx, "muted")
	m.RecordDeviceProbe(ctx, "live")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "interviewkit.device.probes", "outcome", "muted"); got != 1 {
		t.Errorf("muted = %d, want 1", got)
	}
}

func TestRecordBackendRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBackendRequest(ctx, ChannelNonVerbal, "analyze_session", "ok", 120*time.Millisecond)
	m.RecordBackendRequest(ctx, ChannelNonVerbal, "analyze_session", "error", 2*time.Second)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "interviewkit.backend.requests", "status", "ok"); got != 1 {
		t.Errorf("ok = %d, want 1", got)
	}

	met := findMetric(rm, "interviewkit.backend.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("sample count = %d, want 2", count)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	speech := metric.WithAttributes(Attr("channel", ChannelSpeech))
	m.ActiveSessions.Add(ctx, 1, speech)
	m.ActiveSessions.Add(ctx, 1, speech)
	m.ActiveSessions.Add(ctx, -1, speech)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "interviewkit.active_sessions", "channel", ChannelSpeech); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "interviewkit.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
