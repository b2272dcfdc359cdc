// Package observe provides application-wide observability primitives for
// Auriscribe: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Auriscribe metrics.
const meterName = "github.com/auriscribe/auriscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks transcription latency. Use with attribute:
	//   attribute.String("profile", "chunk"|"final")
	STTDuration metric.Float64Histogram

	// NoteDuration tracks note-drafting latency.
	NoteDuration metric.Float64Histogram

	// FinalizeDuration tracks the whole finalize pipeline per session, from
	// stream end to session_complete.
	FinalizeDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksReceived counts inbound audio chunks. Use with attribute:
	//   attribute.String("mode", "standard"|"enhanced")
	ChunksReceived metric.Int64Counter

	// TranscriptUpdates counts partial transcript messages sent to clients.
	TranscriptUpdates metric.Int64Counter

	// SessionsRejected counts session creations refused by admission control.
	SessionsRejected metric.Int64Counter

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of admitted, not-yet-completed sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStreams tracks the number of open websocket connections.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// fast chunk transcriptions up to slow note drafts.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("auriscribe.stt.duration",
		metric.WithDescription("Latency of transcription calls by profile."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NoteDuration, err = m.Float64Histogram("auriscribe.note.duration",
		metric.WithDescription("Latency of note drafting."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("auriscribe.finalize.duration",
		metric.WithDescription("End-to-end finalize pipeline latency per session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksReceived, err = m.Int64Counter("auriscribe.chunks.received",
		metric.WithDescription("Total inbound audio chunks by processing mode."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptUpdates, err = m.Int64Counter("auriscribe.transcript.updates",
		metric.WithDescription("Total partial transcript updates sent to clients."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("auriscribe.sessions.rejected",
		metric.WithDescription("Total session creations rejected by admission control."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("auriscribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("auriscribe.active_sessions",
		metric.WithDescription("Number of admitted, not-yet-completed sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("auriscribe.active_streams",
		metric.WithDescription("Number of open streaming connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("auriscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordTranscription records one transcription call's latency by profile.
func (m *Metrics) RecordTranscription(ctx context.Context, profile string, seconds float64) {
	m.STTDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("profile", profile)),
	)
}

// RecordChunk records one inbound audio chunk by processing mode.
func (m *Metrics) RecordChunk(ctx context.Context, mode string) {
	m.ChunksReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordProviderError records a provider failure counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
