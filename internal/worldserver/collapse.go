package worldserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/emberwake/emberwake/internal/location"
	"github.com/emberwake/emberwake/internal/observe"
)

// CollapseManager is the only entry point by which uncommitted pre-generated
// state becomes authoritative game state. When the player observes a
// location, [CollapseManager.Collapse] either consumes a fresh cached scene
// (fast path) or generates one inline (slow path); both paths advance the
// durable visit bookkeeping and produce a [NarratorManifest].
type CollapseManager struct {
	cache     *Cache
	generator SceneGenerator
	locations location.Store
	metrics   *Metrics
}

// CollapseConfig configures a [CollapseManager].
type CollapseConfig struct {
	// Cache is checked for pre-generated scenes. Required.
	Cache *Cache

	// Generator is the slow-path scene source. Required.
	Generator SceneGenerator

	// Locations persists visit bookkeeping. Required.
	Locations location.Store

	// Metrics receives collapse events. Nil uses the cache's instance.
	Metrics *Metrics
}

// NewCollapseManager creates a [CollapseManager] from cfg.
func NewCollapseManager(cfg CollapseConfig) (*CollapseManager, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("worldserver: collapse manager requires a cache")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("worldserver: collapse manager requires a scene generator")
	}
	if cfg.Locations == nil {
		return nil, fmt.Errorf("worldserver: collapse manager requires a location store")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = cfg.Cache.Metrics()
	}
	return &CollapseManager{
		cache:     cfg.Cache,
		generator: cfg.Generator,
		locations: cfg.Locations,
		metrics:   cfg.Metrics,
	}, nil
}

// Collapse commits the observation of locationKey on turnNumber.
//
// Fast path: a fresh cached scene is consumed — committed, removed from the
// cache, and turned into the narrator manifest. Slow path: the scene is
// generated inline; a generation failure fails the whole call, because the
// slow path is the one operation the game cannot do without.
//
// Calling Collapse twice for the same (location, turn) is safe: the second
// call misses the cache (the entry was consumed) and runs inline, and the
// first-visit turn is write-once in the store.
func (m *CollapseManager) Collapse(ctx context.Context, locationKey string, turnNumber int) (*CollapseResult, error) {
	ctx, span := observe.StartSpan(ctx, "worldserver.collapse",
		trace.WithAttributes(attribute.String("location", locationKey)),
	)
	defer span.End()

	start := time.Now()

	if scene := m.cache.Get(locationKey); scene != nil {
		return m.commit(ctx, scene, turnNumber, start)
	}

	// Cache miss — fall back to synchronous generation.
	m.metrics.RecordCacheMiss()
	slog.Info("collapse cache miss, generating inline", "location", locationKey)

	genStart := time.Now()
	scene, err := m.generator.GenerateScene(ctx, locationKey)
	if err != nil {
		return nil, fmt.Errorf("worldserver: collapse %q: generate scene: %w", locationKey, err)
	}
	genTime := time.Since(genStart)

	if err := m.recordVisit(ctx, locationKey, turnNumber); err != nil {
		return nil, err
	}

	latency := time.Since(start)
	m.metrics.RecordCollapse(false, latency)

	slog.Info("collapse sync generation",
		"location", locationKey,
		"generation_time", genTime,
		"latency", latency,
	)

	return &CollapseResult{
		LocationKey:      locationKey,
		NarratorManifest: buildNarratorManifest(scene, false),
		WasPreGenerated:  false,
		Latency:          latency,
		GenerationTime:   genTime,
	}, nil
}

// CheckPreGenerated collapses locationKey iff a fresh pre-generated scene is
// cached; otherwise it returns (nil, nil) so the caller can run its own
// fallback. No miss is counted — the caller owns the miss path.
func (m *CollapseManager) CheckPreGenerated(ctx context.Context, locationKey string, turnNumber int) (*CollapseResult, error) {
	start := time.Now()

	scene := m.cache.Get(locationKey)
	if scene == nil {
		slog.Debug("no pre-generated scene", "location", locationKey)
		return nil, nil
	}
	return m.commit(ctx, scene, turnNumber, start)
}

// commit is the shared fast path: mark the scene consumed, advance visit
// bookkeeping, build the manifest, and make sure the entry is gone from the
// cache so a committed scene can never be observed as pre-generated twice.
func (m *CollapseManager) commit(ctx context.Context, scene *PreGeneratedScene, turnNumber int, start time.Time) (*CollapseResult, error) {
	scene.Commit()

	if err := m.recordVisit(ctx, scene.LocationKey, turnNumber); err != nil {
		return nil, err
	}

	manifest := buildNarratorManifest(scene, true)

	// The consumed entry must not linger: committed scenes are not in the
	// cache. Get leaves the entry in place, so this is what removes it.
	m.cache.Invalidate(scene.LocationKey)

	latency := time.Since(start)
	m.metrics.RecordCollapse(true, latency)

	slog.Info("collapse cache hit",
		"location", scene.LocationKey,
		"age", scene.Age(),
		"latency", latency,
	)

	return &CollapseResult{
		LocationKey:      scene.LocationKey,
		NarratorManifest: manifest,
		WasPreGenerated:  true,
		Latency:          latency,
		CacheAge:         scene.Age(),
		PredictionReason: scene.PredictionReason,
	}, nil
}

// recordVisit advances the location's visit turns: first-visited is set once,
// last-visited always. A location with no persistent record is skipped; no
// record is created here.
func (m *CollapseManager) recordVisit(ctx context.Context, locationKey string, turnNumber int) error {
	rec, err := m.locations.Get(ctx, locationKey)
	if errors.Is(err, location.ErrNotFound) {
		slog.Debug("no location record for visit tracking", "location", locationKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("worldserver: visit bookkeeping for %q: %w", locationKey, err)
	}

	firstVisit := rec.FirstVisitedTurn == nil
	if err := m.locations.UpdateVisit(ctx, locationKey, turnNumber, firstVisit); err != nil {
		return fmt.Errorf("worldserver: visit bookkeeping for %q: %w", locationKey, err)
	}
	return nil
}
