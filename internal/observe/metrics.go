// Package observe provides the observability primitives for interviewkit:
// OpenTelemetry metrics, tracing, HTTP middleware, and an in-memory
// [slog.Handler] for asserting on diagnostics in tests.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all interviewkit
// metrics.
const meterName = "github.com/MrWong99/interviewkit"

// Capture channel names used as the "channel" attribute.
const (
	ChannelSpeech    = "speech"
	ChannelNonVerbal = "nonverbal"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio capture ---

	// AudioFramesSent counts PCM frames written to the speech socket.
	AudioFramesSent metric.Int64Counter

	// AudioFramesDropped counts PCM frames discarded because the socket was
	// not open.
	AudioFramesDropped metric.Int64Counter

	// AudioBytesSent counts PCM payload bytes written to the speech socket.
	AudioBytesSent metric.Int64Counter

	// TranscriptUpdates counts applied transcript messages. Use with
	// attribute:
	//   attribute.String("kind", "partial"|"final")
	TranscriptUpdates metric.Int64Counter

	// --- Video capture ---

	// VideoFramesSent counts JPEG frames written to the non-verbal socket.
	VideoFramesSent metric.Int64Counter

	// VideoFramesSkipped counts timer ticks that produced no frame. Use with
	// attribute:
	//   attribute.String("reason", "not_ready"|"closed"|"encode"|"write")
	VideoFramesSkipped metric.Int64Counter

	// --- Sessions and devices ---

	// SessionTransitions counts state changes. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("state", ...)
	SessionTransitions metric.Int64Counter

	// ActiveSessions tracks capture sessions with an open socket. Use with
	// attribute:
	//   attribute.String("channel", ...)
	ActiveSessions metric.Int64UpDownCounter

	// DeviceProbes counts microphone probes by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	DeviceProbes metric.Int64Counter

	// --- Backend requests ---

	// BackendRequests counts one-shot backend calls. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("op", ...),
	//   attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// BackendDuration tracks one-shot backend call latency.
	BackendDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks observability listener latency, labelled
	// by method, mux route, and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// backend analysis calls, which range from tens of milliseconds to tens of
// seconds.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio.
	if met.AudioFramesSent, err = m.Int64Counter("interviewkit.audio.frames_sent",
		metric.WithDescription("PCM frames written to the speech socket."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesDropped, err = m.Int64Counter("interviewkit.audio.frames_dropped",
		metric.WithDescription("PCM frames dropped because the speech socket was not open."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("interviewkit.audio.bytes_sent",
		metric.WithDescription("PCM payload bytes written to the speech socket."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TranscriptUpdates, err = m.Int64Counter("interviewkit.transcript.updates",
		metric.WithDescription("Applied transcript messages by kind."),
	); err != nil {
		return nil, err
	}

	// Video.
	if met.VideoFramesSent, err = m.Int64Counter("interviewkit.video.frames_sent",
		metric.WithDescription("JPEG frames written to the non-verbal socket."),
	); err != nil {
		return nil, err
	}
	if met.VideoFramesSkipped, err = m.Int64Counter("interviewkit.video.frames_skipped",
		metric.WithDescription("Capture ticks that produced no frame, by reason."),
	); err != nil {
		return nil, err
	}

	// Sessions and devices.
	if met.SessionTransitions, err = m.Int64Counter("interviewkit.session.transitions",
		metric.WithDescription("Capture session state changes by channel and target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("interviewkit.active_sessions",
		metric.WithDescription("Capture sessions with an open socket."),
	); err != nil {
		return nil, err
	}
	if met.DeviceProbes, err = m.Int64Counter("interviewkit.device.probes",
		metric.WithDescription("Microphone probes by outcome."),
	); err != nil {
		return nil, err
	}

	// Backend calls.
	if met.BackendRequests, err = m.Int64Counter("interviewkit.backend.requests",
		metric.WithDescription("One-shot backend requests by backend, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("interviewkit.backend.duration",
		metric.WithDescription("Latency of one-shot backend requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("interviewkit.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition records a session state change on channel.
func (m *Metrics) RecordTransition(ctx context.Context, channel, state string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("state", state),
		),
	)
}

// RecordVideoSkip records a capture tick that produced no frame.
func (m *Metrics) RecordVideoSkip(ctx context.Context, reason string) {
	m.VideoFramesSkipped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscriptUpdate records an applied partial or final transcript.
func (m *Metrics) RecordTranscriptUpdate(ctx context.Context, kind string) {
	m.TranscriptUpdates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDeviceProbe records one microphone probe.
func (m *Metrics) RecordDeviceProbe(ctx context.Context, outcome string) {
	m.DeviceProbes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordBackendRequest records a one-shot backend call and its latency.
func (m *Metrics) RecordBackendRequest(ctx context.Context, backend, op, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("status", status),
	)
	m.BackendRequests.Add(ctx, 1, attrs)
	m.BackendDuration.Record(ctx, elapsed.Seconds(), attrs)
}
