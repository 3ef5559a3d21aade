package worldserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emberwake/emberwake/internal/observe"
)

// Metrics accumulates anticipation counters and cumulative latencies. It is
// the single owner of this state; the [Cache], [Engine] and [CollapseManager]
// record through it and never touch each other's numbers. All methods are
// safe for concurrent use.
//
// When Export is set, every event is additionally mirrored into the
// OpenTelemetry instruments in [observe.Metrics] so operators can scrape
// them; the local counters remain authoritative for [Metrics.Snapshot].
type Metrics struct {
	// Export optionally mirrors events to OpenTelemetry. May be nil.
	Export *observe.Metrics

	mu                   sync.Mutex
	predictionsMade      int64
	cacheHits            int64
	cacheMisses          int64
	generationsStarted   int64
	generationsCompleted int64
	generationsFailed    int64
	generationsExpired   int64
	generationsWasted    int64
	totalGenerationTime  time.Duration
	totalCacheHitLatency time.Duration
}

// NewMetrics creates a Metrics instance. export may be nil.
func NewMetrics(export *observe.Metrics) *Metrics {
	return &Metrics{Export: export}
}

// RecordPredictions adds n to the predictions-made counter.
func (m *Metrics) RecordPredictions(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.predictionsMade += int64(n)
	m.mu.Unlock()
	if m.Export != nil {
		m.Export.RecordPredictions(n)
	}
}

// RecordCacheHit records a cache hit and its lookup latency.
func (m *Metrics) RecordCacheHit(latency time.Duration) {
	m.mu.Lock()
	m.cacheHits++
	m.totalCacheHitLatency += latency
	m.mu.Unlock()
	if m.Export != nil {
		m.Export.RecordCacheEvent("hit")
	}
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.mu.Lock()
	m.cacheMisses++
	m.mu.Unlock()
	if m.Export != nil {
		m.Export.RecordCacheEvent("miss")
	}
}

// RecordGenerationStarted records that a background generation began.
func (m *Metrics) RecordGenerationStarted() {
	m.mu.Lock()
	m.generationsStarted++
	m.mu.Unlock()
	if m.Export != nil {
		m.Export.GenerationStarted()
	}
}

// RecordGenerationCompleted records a successful generation and its duration.
func (m *Metrics) RecordGenerationCompleted(d time.Duration) {
	m.mu.Lock()
	m.generationsCompleted++
	m.totalGenerationTime += d
	m.mu.Unlock()
	if m.Export != nil {
		m.Export.GenerationFinished("completed", d)
	}
}

// RecordGenerationFailed records a generation that returned an error.
func (m *Metrics) RecordGenerationFailed() {
	m.mu.Lock()
	m.generationsFailed++
	m.mu.Unlock()
	if m.Export != nil {
		m.Export.GenerationFinished("failed", 0)
	}
}

// RecordGenerationExpired records a generation whose task expired while in
// flight; the result was discarded instead of cached.
func (m *Metrics) RecordGenerationExpired() {
	m.mu.Lock()
	m.generationsExpired++
	m.mu.Unlock()
	if m.Export != nil {
		m.Export.GenerationFinished("expired", 0)
	}
}

// RecordEviction records a cache eviction. wasted is true when the evicted
// scene was an uncommitted generation removed for capacity or staleness
// reasons — completed work that never reached the player.
func (m *Metrics) RecordEviction(reason EvictionReason, wasted bool) {
	if wasted {
		m.mu.Lock()
		m.generationsWasted++
		m.mu.Unlock()
	}
	if m.Export != nil {
		m.Export.RecordEviction(string(reason), wasted)
	}
}

// RecordCollapse records the end-to-end latency of a collapse call. The
// counter side of collapses is already covered by cache hit/miss; this feeds
// only the latency histogram export.
func (m *Metrics) RecordCollapse(preGenerated bool, latency time.Duration) {
	if m.Export == nil {
		return
	}
	path := "slow"
	if preGenerated {
		path = "fast"
	}
	m.Export.RecordCollapse(path, latency)
}

// Snapshot returns a consistent point-in-time copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		PredictionsMade:      m.predictionsMade,
		CacheHits:            m.cacheHits,
		CacheMisses:          m.cacheMisses,
		GenerationsStarted:   m.generationsStarted,
		GenerationsCompleted: m.generationsCompleted,
		GenerationsFailed:    m.generationsFailed,
		GenerationsExpired:   m.generationsExpired,
		GenerationsWasted:    m.generationsWasted,
		TotalGenerationTime:  m.totalGenerationTime,
		TotalCacheHitLatency: m.totalCacheHitLatency,
	}
}

// MetricsSnapshot is an immutable copy of the anticipation counters with
// derived rates.
type MetricsSnapshot struct {
	PredictionsMade      int64
	CacheHits            int64
	CacheMisses          int64
	GenerationsStarted   int64
	GenerationsCompleted int64
	GenerationsFailed    int64
	GenerationsExpired   int64
	GenerationsWasted    int64
	TotalGenerationTime  time.Duration
	TotalCacheHitLatency time.Duration
}

// HitRate returns hits/(hits+misses), or 0 before any collapse.
func (s MetricsSnapshot) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// WasteRate returns wasted/completed, or 0 before any completion.
func (s MetricsSnapshot) WasteRate() float64 {
	if s.GenerationsCompleted == 0 {
		return 0
	}
	return float64(s.GenerationsWasted) / float64(s.GenerationsCompleted)
}

// AvgGenerationTime returns the mean duration of completed generations.
func (s MetricsSnapshot) AvgGenerationTime() time.Duration {
	if s.GenerationsCompleted == 0 {
		return 0
	}
	return s.TotalGenerationTime / time.Duration(s.GenerationsCompleted)
}

// AvgCacheHitLatency returns the mean cache hit lookup latency.
func (s MetricsSnapshot) AvgCacheHitLatency() time.Duration {
	if s.CacheHits == 0 {
		return 0
	}
	return s.TotalCacheHitLatency / time.Duration(s.CacheHits)
}

// LogValue implements [slog.LogValuer] so a snapshot can be logged as one
// attribute group.
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("predictions_made", s.PredictionsMade),
		slog.Int64("cache_hits", s.CacheHits),
		slog.Int64("cache_misses", s.CacheMisses),
		slog.Float64("hit_rate", s.HitRate()),
		slog.Int64("generations_started", s.GenerationsStarted),
		slog.Int64("generations_completed", s.GenerationsCompleted),
		slog.Int64("generations_failed", s.GenerationsFailed),
		slog.Int64("generations_expired", s.GenerationsExpired),
		slog.Int64("generations_wasted", s.GenerationsWasted),
		slog.Float64("waste_rate", s.WasteRate()),
		slog.Duration("avg_generation_time", s.AvgGenerationTime()),
		slog.Duration("avg_cache_hit_latency", s.AvgCacheHitLatency()),
	)
}
