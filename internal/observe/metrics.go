// Package observe provides application-wide observability primitives for
// Emberwake: OpenTelemetry metrics for the anticipation subsystem, tracing
// helpers, and the SDK provider bootstrap with a Prometheus exporter bridge.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Emberwake metrics.
const meterName = "github.com/emberwake/emberwake"

// Metrics holds all OpenTelemetry metric instruments for the anticipation
// subsystem. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// GenerationDuration tracks background and inline scene generation
	// latency.
	GenerationDuration metric.Float64Histogram

	// CollapseDuration tracks end-to-end collapse latency. Use with
	// attribute:
	//   attribute.String("path", "fast"|"slow")
	CollapseDuration metric.Float64Histogram

	// Predictions counts location predictions emitted.
	Predictions metric.Int64Counter

	// CacheEvents counts cache lookups. Use with attribute:
	//   attribute.String("event", "hit"|"miss")
	CacheEvents metric.Int64Counter

	// CacheEvictions counts cache evictions. Use with attributes:
	//   attribute.String("reason", ...), attribute.Bool("wasted", ...)
	CacheEvictions metric.Int64Counter

	// GenerationOutcomes counts finished generations. Use with attribute:
	//   attribute.String("outcome", "completed"|"failed"|"expired")
	GenerationOutcomes metric.Int64Counter

	// InFlightGenerations tracks the number of generations currently
	// running.
	InFlightGenerations metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Scene
// generation is LLM-bound, so the buckets stretch well past typical HTTP
// latencies.
var latencyBuckets = []float64{
	0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("emberwake.worldserver.generation.duration",
		metric.WithDescription("Latency of scene generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CollapseDuration, err = m.Float64Histogram("emberwake.worldserver.collapse.duration",
		metric.WithDescription("End-to-end collapse latency by path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Predictions, err = m.Int64Counter("emberwake.worldserver.predictions",
		metric.WithDescription("Total location predictions emitted."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvents, err = m.Int64Counter("emberwake.worldserver.cache.events",
		metric.WithDescription("Total cache lookups by event."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("emberwake.worldserver.cache.evictions",
		metric.WithDescription("Total cache evictions by reason and waste classification."),
	); err != nil {
		return nil, err
	}
	if met.GenerationOutcomes, err = m.Int64Counter("emberwake.worldserver.generation.outcomes",
		metric.WithDescription("Total finished generations by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.InFlightGenerations, err = m.Int64UpDownCounter("emberwake.worldserver.generation.in_flight",
		metric.WithDescription("Number of scene generations currently running."),
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

// RecordPredictions records n emitted predictions.
func (m *Metrics) RecordPredictions(n int) {
	m.Predictions.Add(context.Background(), int64(n))
}

// RecordCacheEvent records a cache lookup outcome ("hit" or "miss").
func (m *Metrics) RecordCacheEvent(event string) {
	m.CacheEvents.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordEviction records a cache eviction with its reason and waste
// classification.
func (m *Metrics) RecordEviction(reason string, wasted bool) {
	m.CacheEvictions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.Bool("wasted", wasted),
		),
	)
}

// GenerationStarted marks one generation as in flight.
func (m *Metrics) GenerationStarted() {
	m.InFlightGenerations.Add(context.Background(), 1)
}

// GenerationFinished records a finished generation. The duration feeds the
// latency histogram only for completed generations.
func (m *Metrics) GenerationFinished(outcome string, d time.Duration) {
	ctx := context.Background()
	m.InFlightGenerations.Add(ctx, -1)
	m.GenerationOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	if outcome == "completed" {
		m.GenerationDuration.Record(ctx, d.Seconds())
	}
}

// RecordCollapse records a collapse latency for the given path ("fast" or
// "slow").
func (m *Metrics) RecordCollapse(path string, latency time.Duration) {
	m.CollapseDuration.Record(context.Background(), latency.Seconds(),
		metric.WithAttributes(attribute.String("path", path)),
	)
}
