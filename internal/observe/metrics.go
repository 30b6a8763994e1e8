// Package observe provides application-wide observability primitives for
// retune: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them into a dedicated Prometheus registry that is scraped at
// /metrics. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Nothing in this package is called from the audio thread. Per-block values
// reach the instruments through the engine's control-side dispatcher and
// latency monitor.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all retune metrics.
const meterName = "github.com/MrWong99/retune"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BlockDuration tracks sampled per-block processing time.
	BlockDuration metric.Float64Histogram

	// ConversionDuration tracks end-to-end offline file conversion time. Use
	// with attribute.String("status", ...).
	ConversionDuration metric.Float64Histogram

	// --- Counters ---

	// SessionStarts counts start attempts. Use with attribute:
	//   attribute.String("result", ...)
	SessionStarts metric.Int64Counter

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ProcessingErrors counts blocks that fell back to passthrough. Use with
	// attribute.String("shifter", ...).
	ProcessingErrors metric.Int64Counter

	// StreamStatus counts driver overflow/underflow reports. Use with
	// attribute.String("status", ...).
	StreamStatus metric.Int64Counter

	// DroppedEvents counts per-block events lost because the dispatcher
	// queue was full.
	DroppedEvents metric.Int64Counter

	// Conversions counts offline conversions. Use with attribute:
	//   attribute.String("status", ...)
	Conversions metric.Int64Counter

	// StageFallbacks counts conversion stages that were bypassed in favour of
	// a fallback. Use with attribute.String("stage", ...).
	StageFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running audio sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// blockBuckets defines histogram bucket boundaries (in seconds) around a
// typical 5–25 ms hardware period.
var blockBuckets = []float64{
	0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// conversionBuckets defines histogram bucket boundaries (in seconds) for
// whole-file conversions.
var conversionBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BlockDuration, err = m.Float64Histogram("retune.block.duration",
		metric.WithDescription("Sampled per-block processing time of the audio callback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(blockBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConversionDuration, err = m.Float64Histogram("retune.conversion.duration",
		metric.WithDescription("End-to-end offline conversion time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(conversionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionStarts, err = m.Int64Counter("retune.session.starts",
		metric.WithDescription("Session start attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("retune.session.transitions",
		metric.WithDescription("Session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.ProcessingErrors, err = m.Int64Counter("retune.processing.errors",
		metric.WithDescription("Blocks emitted as passthrough after a pitch-shift failure."),
	); err != nil {
		return nil, err
	}
	if met.StreamStatus, err = m.Int64Counter("retune.stream.status",
		metric.WithDescription("Driver-reported input overflows and output underflows."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64Counter("retune.events.dropped",
		metric.WithDescription("Per-block events dropped because the dispatcher queue was full."),
	); err != nil {
		return nil, err
	}
	if met.Conversions, err = m.Int64Counter("retune.conversions",
		metric.WithDescription("Offline conversions by status."),
	); err != nil {
		return nil, err
	}
	if met.StageFallbacks, err = m.Int64Counter("retune.conversion.fallbacks",
		metric.WithDescription("Conversion stages bypassed in favour of a fallback."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("retune.active_sessions",
		metric.WithDescription("Number of running audio sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("retune.http.request.duration",
		metric.WithDescription("Control-surface HTTP latency by method and mux route."),
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

// RecordBlockDuration records one sampled block processing time.
func (m *Metrics) RecordBlockDuration(ctx context.Context, d time.Duration) {
	m.BlockDuration.Record(ctx, d.Seconds())
}

// RecordSessionStart records a start attempt with its result label
// ("ok", "invalid_config", "device_not_found", "stream_open").
func (m *Metrics) RecordSessionStart(ctx context.Context, result string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordStateTransition records a state change and keeps ActiveSessions in
// step with entries into and exits from the "running" state.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	switch {
	case to == "running" && from != "running":
		m.ActiveSessions.Add(ctx, 1)
	case from == "running" && to != "running":
		m.ActiveSessions.Add(ctx, -1)
	}
}

// RecordProcessingError records one passthrough block.
func (m *Metrics) RecordProcessingError(ctx context.Context, shifter string) {
	m.ProcessingErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("shifter", shifter)))
}

// RecordStreamStatus records one driver status report.
func (m *Metrics) RecordStreamStatus(ctx context.Context, status string) {
	m.StreamStatus.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDroppedEvents records n dropped dispatcher events.
func (m *Metrics) RecordDroppedEvents(ctx context.Context, n uint64) {
	m.DroppedEvents.Add(ctx, int64(n))
}

// RecordConversion records a finished conversion with its status
// ("ok", "failed", "skipped") and duration.
func (m *Metrics) RecordConversion(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Conversions.Add(ctx, 1, attrs)
	m.ConversionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStageFallback records that stage failed and a fallback was tried.
func (m *Metrics) RecordStageFallback(ctx context.Context, stage string) {
	m.StageFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
