// Package observe provides application-wide observability primitives for the
// relay: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/relay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTLatency tracks time from audio send to transcript receipt.
	STTLatency metric.Float64Histogram

	// FinalizationLatency tracks time from finalization trigger to the
	// conversation aggregate reaching status completed.
	FinalizationLatency metric.Float64Histogram

	// FanoutSendLatency tracks downstream broker send latency per relay.
	FanoutSendLatency metric.Float64Histogram

	// --- Counters ---

	// STTProviderRequests counts STT session starts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	STTProviderRequests metric.Int64Counter

	// STTProviderErrors counts STT provider errors. Use with attribute:
	//   attribute.String("provider", ...)
	STTProviderErrors metric.Int64Counter

	// FinalizationsTotal counts conversation finalizations by outcome. Use
	// with attribute: attribute.String("outcome", ...) ("completed" or
	// "discarded").
	FinalizationsTotal metric.Int64Counter

	// FanoutReconnects counts downstream broker reconnect attempts. Use with
	// attribute: attribute.String("relay", ...) ("audio" or "transcript").
	FanoutReconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InProgressConversations tracks the number of conversation aggregates
	// currently in status in_progress or processing.
	InProgressConversations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time streaming latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTLatency, err = m.Float64Histogram("relay.stt.latency",
		metric.WithDescription("Latency from audio send to transcript receipt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizationLatency, err = m.Float64Histogram("relay.finalization.latency",
		metric.WithDescription("Latency from finalization trigger to conversation completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FanoutSendLatency, err = m.Float64Histogram("relay.fanout.send.latency",
		metric.WithDescription("Downstream broker send latency per relay."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.STTProviderRequests, err = m.Int64Counter("relay.stt.provider.requests",
		metric.WithDescription("Total STT session starts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.STTProviderErrors, err = m.Int64Counter("relay.stt.provider.errors",
		metric.WithDescription("Total STT provider errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.FinalizationsTotal, err = m.Int64Counter("relay.finalizations.total",
		metric.WithDescription("Total conversation finalizations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FanoutReconnects, err = m.Int64Counter("relay.fanout.reconnects",
		metric.WithDescription("Total downstream broker reconnect attempts by relay."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("relay.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}
	if met.InProgressConversations, err = m.Int64UpDownCounter("relay.in_progress_conversations",
		metric.WithDescription("Number of conversation aggregates not yet completed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("relay.http.request.duration",
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

// RecordSTTRequest is a convenience method that records an STT provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordSTTRequest(ctx context.Context, provider, status string) {
	m.STTProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordSTTError is a convenience method that records an STT provider error
// counter increment.
func (m *Metrics) RecordSTTError(ctx context.Context, provider string) {
	m.STTProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordFinalization is a convenience method that records a finalization
// counter increment with the given outcome ("completed" or "discarded").
func (m *Metrics) RecordFinalization(ctx context.Context, outcome string) {
	m.FinalizationsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordFanoutReconnect is a convenience method that records a downstream
// broker reconnect attempt for the given relay ("audio" or "transcript").
func (m *Metrics) RecordFanoutReconnect(ctx context.Context, relay string) {
	m.FanoutReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("relay", relay)),
	)
}
