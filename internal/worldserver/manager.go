package worldserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberwake/emberwake/internal/location"
	"github.com/emberwake/emberwake/internal/observe"
)

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Enabled is the kill switch for the whole subsystem. When false the
	// game loop behaves as if anticipation did not exist: CheckPreGenerated
	// returns nil and TriggerAnticipation no-ops, neither moving a counter.
	// Collapse is not gated; it still runs and counts its cache miss.
	Enabled bool

	// State, Generator and Locations are the three ports the core consumes.
	// All required.
	State     GameState
	Generator SceneGenerator
	Locations location.Store

	// Export optionally mirrors metrics into OpenTelemetry instruments.
	Export *observe.Metrics

	// ExtractMentions optionally pulls location keys out of recent action
	// text for the predictor's mentioned source.
	ExtractMentions func(recentActions []string) []string

	// CacheMaxSize, CacheExpiry, MaxWorkers, MaxPredictions and
	// CheckInterval tune the subsystem; zero values take the defaults
	// ([DefaultCacheMaxSize], [DefaultSceneExpiry], [DefaultMaxWorkers],
	// [DefaultMaxPredictions], [DefaultCheckInterval]).
	CacheMaxSize   int
	CacheExpiry    time.Duration
	MaxWorkers     int
	MaxPredictions int
	CheckInterval  time.Duration
}

// Manager is the composition root for the anticipation subsystem and the
// only type the game loop needs to hold. It wires the metrics, cache,
// predictor, engine and collapse manager together and exposes the four
// operations of the game-loop contract plus diagnostics.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	enabled   bool
	metrics   *Metrics
	cache     *Cache
	predictor *Predictor
	engine    *Engine
	collapse  *CollapseManager

	// anticipating guards against trigger pile-up: while a run spawned by
	// TriggerAnticipation is live, further triggers are no-ops.
	anticipating atomic.Bool

	mu            sync.Mutex
	engineStarted bool
}

// NewManager wires the subsystem from cfg.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("worldserver: manager requires a game state")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("worldserver: manager requires a scene generator")
	}
	if cfg.Locations == nil {
		return nil, fmt.Errorf("worldserver: manager requires a location store")
	}

	metrics := NewMetrics(cfg.Export)
	cache := NewCache(CacheConfig{
		MaxSize:       cfg.CacheMaxSize,
		DefaultExpiry: cfg.CacheExpiry,
		Metrics:       metrics,
	})

	predictor, err := NewPredictor(PredictorConfig{
		State:           cfg.State,
		ExtractMentions: cfg.ExtractMentions,
	})
	if err != nil {
		return nil, err
	}

	engine, err := NewEngine(EngineConfig{
		Cache:          cache,
		Predictor:      predictor,
		Generator:      cfg.Generator,
		Metrics:        metrics,
		MaxWorkers:     cfg.MaxWorkers,
		MaxPredictions: cfg.MaxPredictions,
		CheckInterval:  cfg.CheckInterval,
	})
	if err != nil {
		return nil, err
	}

	collapse, err := NewCollapseManager(CollapseConfig{
		Cache:     cache,
		Generator: cfg.Generator,
		Locations: cfg.Locations,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("world server manager initialised",
		"enabled", cfg.Enabled,
		"cache_max_size", cache.MaxSize(),
	)

	return &Manager{
		enabled:   cfg.Enabled,
		metrics:   metrics,
		cache:     cache,
		predictor: predictor,
		engine:    engine,
		collapse:  collapse,
	}, nil
}

// Enabled reports whether the subsystem is live.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// CheckPreGenerated returns a collapse result iff a fresh pre-generated
// scene was cached for locationKey; otherwise nil, so the caller can run its
// own — possibly richer — fallback. Always nil when the subsystem is
// disabled.
func (m *Manager) CheckPreGenerated(ctx context.Context, locationKey string, turnNumber int) (*CollapseResult, error) {
	if !m.enabled {
		return nil, nil
	}
	return m.collapse.CheckPreGenerated(ctx, locationKey, turnNumber)
}

// Collapse always produces a result for the observed location: the fast path
// when a fresh scene is cached, inline generation otherwise. See
// [CollapseManager.Collapse].
func (m *Manager) Collapse(ctx context.Context, locationKey string, turnNumber int) (*CollapseResult, error) {
	return m.collapse.Collapse(ctx, locationKey, turnNumber)
}

// TriggerAnticipation starts a background anticipation pass from
// currentLocation. Call it after displaying narrative, while the player
// reads. It never blocks on generation, and while a previous trigger's pass
// is still running further calls are no-ops.
func (m *Manager) TriggerAnticipation(ctx context.Context, currentLocation string, recentActions []string) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	if !m.engineStarted {
		m.engine.Start(ctx, currentLocation)
		m.engineStarted = true
	} else if m.engine.CurrentLocation() != currentLocation {
		m.engine.SetLocation(currentLocation)
	}
	m.mu.Unlock()

	if !m.anticipating.CompareAndSwap(false, true) {
		slog.Debug("skipping anticipation, previous pass still running")
		return
	}

	go func() {
		defer m.anticipating.Store(false)
		m.engine.Anticipate(ctx, recentActions)
	}()
}

// OnLocationChange records the player's move: stale cache entries are
// invalidated, in-flight work for other locations is expired, and an
// immediate anticipation cycle is scheduled. See [Engine.OnLocationChange].
func (m *Manager) OnLocationChange(newLocation string) {
	if !m.enabled {
		return
	}
	m.engine.OnLocationChange(newLocation)
}

// ForceGenerate primes the cache for locationKey, bypassing prediction. An
// existing cached scene is returned untouched; otherwise generation runs
// inline and the result is cached.
func (m *Manager) ForceGenerate(ctx context.Context, locationKey string) (*PreGeneratedScene, error) {
	if !m.enabled {
		return nil, fmt.Errorf("worldserver: anticipation is disabled")
	}
	return m.engine.ForceGenerate(ctx, locationKey)
}

// Invalidate removes locationKey from the cache, or every entry when the key
// is empty. Returns the number of entries removed.
func (m *Manager) Invalidate(locationKey string) int {
	if locationKey == "" {
		return m.cache.Clear()
	}
	if m.cache.Invalidate(locationKey) {
		return 1
	}
	return 0
}

// Shutdown tears the subsystem down cooperatively: the engine stops, tasks
// still in flight are expired (their eventual results are discarded, never a
// crash), and the cache is cleared. Nothing is drained or waited for.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	started := m.engineStarted
	m.engineStarted = false
	m.mu.Unlock()

	if started {
		m.engine.Stop()
	}
	m.cache.Clear()

	slog.Info("world server manager shut down", "metrics", m.metrics.Snapshot())
}

// Stats summarises the subsystem for operators.
type Stats struct {
	Enabled   bool
	Metrics   MetricsSnapshot
	Predictor PredictorStats
}

// Stats returns current anticipation statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Enabled:   m.enabled,
		Metrics:   m.metrics.Snapshot(),
		Predictor: m.predictor.Stats(),
	}
}

// Status returns the engine's diagnostic snapshot (task states and cache
// contents) in addition to [Manager.Stats].
func (m *Manager) Status() EngineStatus {
	return m.engine.Status()
}
