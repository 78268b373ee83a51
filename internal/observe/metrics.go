// Package observe provides application-wide observability primitives for
// streamdub: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all streamdub metrics.
const meterName = "github.com/MrWong99/streamdub"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Segmenter ---

	// SegmentsEmitted counts emitted segments. Use with attribute:
	//   attribute.String("trigger", ...)
	SegmentsEmitted metric.Int64Counter

	// SegmentsDeferred counts short-segment deferrals.
	SegmentsDeferred metric.Int64Counter

	// LoudnessInvalid counts discarded out-of-range loudness samples.
	LoudnessInvalid metric.Int64Counter

	// --- Fragments ---

	FragmentsSent      metric.Int64Counter
	FragmentsSucceeded metric.Int64Counter

	// FragmentsFailed counts peer-reported failures. Use with attribute:
	//   attribute.Bool("retryable", ...)
	FragmentsFailed metric.Int64Counter

	FragmentsTimedOut metric.Int64Counter

	// Fallbacks counts outputs carrying original audio. Use with attribute:
	//   attribute.String("reason", ...)
	Fallbacks metric.Int64Counter

	// FragmentRoundTrip tracks send-to-result latency.
	FragmentRoundTrip metric.Float64Histogram

	// --- Resilience ---

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// BackpressureEvents counts backpressure signals. Use with attribute:
	//   attribute.String("action", ...)
	BackpressureEvents metric.Int64Counter

	// ReconnectAttempts counts reconnection attempts. Use with attribute:
	//   attribute.String("result", "success"|"failure")
	ReconnectAttempts metric.Int64Counter

	// PeerErrors counts unsolicited peer error messages. Use with attributes:
	//   attribute.String("code", ...), attribute.Bool("retryable", ...)
	PeerErrors metric.Int64Counter

	// --- Gauges ---

	FragmentsInFlight   metric.Int64Gauge
	AccumulatedDuration metric.Float64Gauge
	AccumulatedBytes    metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// translation round trips, which run from sub-second to the fragment timeout.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 4, 6, 8, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.SegmentsEmitted, "streamdub.segments.emitted", "Segments emitted by the segmenter, by trigger."},
		{&met.SegmentsDeferred, "streamdub.segments.deferred", "Silence boundaries skipped because the segment was too short."},
		{&met.LoudnessInvalid, "streamdub.loudness.invalid", "Loudness samples discarded as out of range."},
		{&met.FragmentsSent, "streamdub.fragments.sent", "Fragments written to the peer."},
		{&met.FragmentsSucceeded, "streamdub.fragments.succeeded", "Fragments resolved with translated audio."},
		{&met.FragmentsFailed, "streamdub.fragments.failed", "Fragments the peer reported as failed, by retryability."},
		{&met.FragmentsTimedOut, "streamdub.fragments.timed_out", "Fragments expired without a result."},
		{&met.Fallbacks, "streamdub.fallbacks", "Outputs published with original audio, by reason."},
		{&met.BreakerTransitions, "streamdub.breaker.transitions", "Circuit breaker state transitions."},
		{&met.BackpressureEvents, "streamdub.backpressure.events", "Backpressure signals received, by action."},
		{&met.ReconnectAttempts, "streamdub.reconnect.attempts", "Reconnection attempts, by result."},
		{&met.PeerErrors, "streamdub.peer.errors", "Unsolicited error messages from the peer."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.FragmentRoundTrip, err = m.Float64Histogram("streamdub.fragment.round_trip",
		metric.WithDescription("Latency from fragment send to resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.FragmentsInFlight, err = m.Int64Gauge("streamdub.fragments.in_flight",
		metric.WithDescription("Fragments currently awaiting a result."),
	); err != nil {
		return nil, err
	}
	if met.AccumulatedDuration, err = m.Float64Gauge("streamdub.segmenter.accumulated_duration",
		metric.WithDescription("Audio buffered in the segmenter accumulator."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.AccumulatedBytes, err = m.Int64Gauge("streamdub.segmenter.accumulated_bytes",
		metric.WithDescription("Bytes buffered in the segmenter accumulator."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("streamdub.http.request.duration",
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

// RecordSegment records one emitted segment.
func (m *Metrics) RecordSegment(ctx context.Context, trigger string) {
	m.SegmentsEmitted.Add(ctx, 1, metric.WithAttributes(Attr("trigger", trigger)))
}

// RecordFragmentFailed records a peer-reported fragment failure.
func (m *Metrics) RecordFragmentFailed(ctx context.Context, retryable bool) {
	m.FragmentsFailed.Add(ctx, 1,
		metric.WithAttributes(Attr("retryable", strconv.FormatBool(retryable))),
	)
}

// RecordFallback records one output published with original audio.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(Attr("from", from), Attr("to", to)),
	)
}

// RecordBackpressure records one backpressure signal.
func (m *Metrics) RecordBackpressure(ctx context.Context, action string) {
	m.BackpressureEvents.Add(ctx, 1, metric.WithAttributes(Attr("action", action)))
}

// RecordReconnectAttempt records a reconnection attempt. A nil err counts as
// success.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}

// RecordPeerError records an unsolicited peer error.
func (m *Metrics) RecordPeerError(ctx context.Context, code string, retryable bool) {
	m.PeerErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("code", code), Attr("retryable", strconv.FormatBool(retryable))),
	)
}

// RecordSegmenterLevel records the accumulator gauges.
func (m *Metrics) RecordSegmenterLevel(ctx context.Context, seconds float64, bytes int) {
	m.AccumulatedDuration.Record(ctx, seconds)
	m.AccumulatedBytes.Record(ctx, int64(bytes))
}
