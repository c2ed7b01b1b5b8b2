// Package observe provides the adapter's observability primitives:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP health
// endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// through the Prometheus exporter bridge set up by [InitProvider]. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all adapter metrics.
const meterName = "github.com/nupi-ai/plugin-vad-segmenter"

// Metrics holds the OpenTelemetry instruments for the adapter. All fields
// are safe for concurrent use.
type Metrics struct {
	// WindowsScored counts scored windows. Attribute: engine.
	WindowsScored metric.Int64Counter

	// WindowsSpeech counts windows labeled as speech. Attribute: engine.
	WindowsSpeech metric.Int64Counter

	// Segments counts segment boundaries. Attribute: boundary (start|end).
	Segments metric.Int64Counter

	// SegmentSplits counts segments force-closed at the max duration.
	SegmentSplits metric.Int64Counter

	// ScorerDuration tracks per-window scoring latency. Attribute: engine.
	ScorerDuration metric.Float64Histogram

	// ScorerErrors counts failed scoring calls. Attribute: engine.
	ScorerErrors metric.Int64Counter

	// ActiveStreams tracks the number of open detection streams.
	ActiveStreams metric.Int64UpDownCounter

	// RejectedStreams counts streams refused because the limit was reached.
	RejectedStreams metric.Int64Counter
}

// scorerBuckets are histogram boundaries in seconds; a 16 ms window must be
// scored well within its own duration.
var scorerBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.WindowsScored, err = m.Int64Counter("vad.windows.scored",
		metric.WithDescription("Total windows scored by engine."),
	); err != nil {
		return nil, err
	}
	if met.WindowsSpeech, err = m.Int64Counter("vad.windows.speech",
		metric.WithDescription("Total windows labeled as speech by engine."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("vad.segments",
		metric.WithDescription("Total segment boundaries emitted by boundary type."),
	); err != nil {
		return nil, err
	}
	if met.SegmentSplits, err = m.Int64Counter("vad.segments.split",
		metric.WithDescription("Total segments closed by the maximum speech duration."),
	); err != nil {
		return nil, err
	}
	if met.ScorerDuration, err = m.Float64Histogram("vad.scorer.duration",
		metric.WithDescription("Latency of scoring one window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(scorerBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScorerErrors, err = m.Int64Counter("vad.scorer.errors",
		metric.WithDescription("Total scorer failures by engine."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("vad.active_streams",
		metric.WithDescription("Number of open detection streams."),
	); err != nil {
		return nil, err
	}
	if met.RejectedStreams, err = m.Int64Counter("vad.streams.rejected",
		metric.WithDescription("Total streams rejected by the concurrency limit."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordBoundary counts one segment boundary. split marks an end emitted by
// the maximum duration rule.
func (m *Metrics) RecordBoundary(ctx context.Context, boundary string, split bool) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("boundary", boundary)))
	if split {
		m.SegmentSplits.Add(ctx, 1)
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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
