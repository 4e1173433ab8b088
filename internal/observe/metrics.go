// Package observe provides application-wide observability primitives for
// opensay: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware for the stats endpoint.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all opensay metrics.
const meterName = "github.com/smbpunt/opensay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TranscriptionDuration tracks per-segment transcription latency. Use
	// with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	TranscriptionDuration metric.Float64Histogram

	// SegmentDuration tracks the audio length of emitted segments.
	SegmentDuration metric.Float64Histogram

	// SegmentsEmitted counts speech segments closed by the segmenter.
	SegmentsEmitted metric.Int64Counter

	// SamplesDropped counts samples lost to ring-buffer overwrite.
	SamplesDropped metric.Int64Counter

	// CaptureRecoveries counts capture restarts by outcome. Use with
	// attribute:
	//   attribute.String("status", "recovered"|"failed")
	CaptureRecoveries metric.Int64Counter

	// EgressDecisions counts network egress authorization decisions. Use
	// with attributes:
	//   attribute.String("category", ...), attribute.Bool("allowed", ...)
	EgressDecisions metric.Int64Counter

	// TranscriptionErrors counts failed transcription attempts by backend.
	TranscriptionErrors metric.Int64Counter

	// ActiveSessions tracks dictation sessions currently capturing.
	ActiveSessions metric.Int64UpDownCounter

	// InFlightTranscriptions tracks segments submitted but not yet
	// delivered or discarded.
	InFlightTranscriptions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks stats endpoint request latency. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// local-model and cloud transcription latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionDuration, err = m.Float64Histogram("opensay.transcription.duration",
		metric.WithDescription("Per-segment transcription latency by backend and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("opensay.segment.duration",
		metric.WithDescription("Audio length of emitted speech segments."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.SegmentsEmitted, err = m.Int64Counter("opensay.segments.emitted",
		metric.WithDescription("Total speech segments closed by the segmenter."),
	); err != nil {
		return nil, err
	}
	if met.SamplesDropped, err = m.Int64Counter("opensay.samples.dropped",
		metric.WithDescription("Total audio samples lost to ring-buffer overwrite."),
	); err != nil {
		return nil, err
	}
	if met.CaptureRecoveries, err = m.Int64Counter("opensay.capture.recoveries",
		metric.WithDescription("Total capture restart attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.EgressDecisions, err = m.Int64Counter("opensay.egress.decisions",
		metric.WithDescription("Total egress authorization decisions by category and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionErrors, err = m.Int64Counter("opensay.transcription.errors",
		metric.WithDescription("Total failed transcription attempts by backend."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("opensay.active_sessions",
		metric.WithDescription("Number of dictation sessions currently capturing."),
	); err != nil {
		return nil, err
	}
	if met.InFlightTranscriptions, err = m.Int64UpDownCounter("opensay.transcriptions.in_flight",
		metric.WithDescription("Segments submitted for transcription but not yet delivered."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("opensay.http.request.duration",
		metric.WithDescription("Stats endpoint request latency by method and path."),
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

// RecordTranscription records one finished transcription attempt: the
// latency histogram sample plus, on failure, the error counter.
func (m *Metrics) RecordTranscription(ctx context.Context, backend, status string, seconds float64) {
	m.TranscriptionDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
	if status != "ok" {
		m.TranscriptionErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("backend", backend)),
		)
	}
}

// RecordSegment records an emitted segment and its audio length.
func (m *Metrics) RecordSegment(ctx context.Context, seconds float64) {
	m.SegmentsEmitted.Add(ctx, 1)
	m.SegmentDuration.Record(ctx, seconds)
}

// RecordEgressDecision records one egress authorization decision.
func (m *Metrics) RecordEgressDecision(ctx context.Context, category string, allowed bool) {
	m.EgressDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("category", category),
			attribute.Bool("allowed", allowed),
		),
	)
}

// RecordCaptureRecovery records one capture restart attempt.
func (m *Metrics) RecordCaptureRecovery(ctx context.Context, status string) {
	m.CaptureRecoveries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
