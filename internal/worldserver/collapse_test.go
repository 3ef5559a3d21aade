package worldserver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emberwake/emberwake/internal/location"
	"github.com/emberwake/emberwake/internal/worldserver"
	"github.com/emberwake/emberwake/internal/worldserver/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

type collapseFixture struct {
	cache     *worldserver.Cache
	metrics   *worldserver.Metrics
	gen       *mock.SceneGenerator
	store     *location.MemStore
	collapser *worldserver.CollapseManager
}

func newCollapseFixture(t *testing.T) *collapseFixture {
	t.Helper()

	metrics := worldserver.NewMetrics(nil)
	cache := worldserver.NewCache(worldserver.CacheConfig{MaxSize: 10, Metrics: metrics})
	gen := &mock.SceneGenerator{}
	store := location.NewMemStore()

	collapser, err := worldserver.NewCollapseManager(worldserver.CollapseConfig{
		Cache:     cache,
		Generator: gen,
		Locations: store,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("NewCollapseManager() error = %v", err)
	}
	return &collapseFixture{cache: cache, metrics: metrics, gen: gen, store: store, collapser: collapser}
}

func (f *collapseFixture) addLocation(t *testing.T, key, displayName string) {
	t.Helper()
	if err := f.store.Upsert(context.Background(), location.Location{Key: key, DisplayName: displayName}); err != nil {
		t.Fatalf("Upsert(%q) error = %v", key, err)
	}
}

func (f *collapseFixture) visitTurns(t *testing.T, key string) (first, last *int) {
	t.Helper()
	rec, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	return rec.FirstVisitedTurn, rec.LastVisitedTurn
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

// TestCollapse_FastPath covers the cache-hit scenario end to end: the scene
// is committed, visit turns advance, the manifest carries provenance, and
// the entry leaves the cache.
func TestCollapse_FastPath(t *testing.T) {
	f := newCollapseFixture(t)
	f.addLocation(t, "tavern", "The Broken Flagon")

	scene := sceneAged("tavern", 2*time.Second, 300*time.Second)
	scene.LocationDisplayName = "The Broken Flagon"
	scene.PredictionReason = worldserver.ReasonAdjacent
	f.cache.Put(scene)

	result, err := f.collapser.Collapse(context.Background(), "tavern", 5)
	if err != nil {
		t.Fatalf("Collapse() error = %v", err)
	}

	if !result.WasPreGenerated {
		t.Error("WasPreGenerated = false, want true")
	}
	if result.PredictionReason != worldserver.ReasonAdjacent {
		t.Errorf("PredictionReason = %s, want adjacent", result.PredictionReason)
	}
	if result.CacheAge < 2*time.Second || result.CacheAge > 3*time.Second {
		t.Errorf("CacheAge = %v, want ≈2s", result.CacheAge)
	}
	if !result.NarratorManifest.WasPreGenerated {
		t.Error("manifest WasPreGenerated = false, want true")
	}
	if result.NarratorManifest.PreGenerationAgeSeconds <= 0 {
		t.Error("manifest pre-generation age missing")
	}
	if result.NarratorManifest.LocationDisplayName != "The Broken Flagon" {
		t.Errorf("manifest display name = %q", result.NarratorManifest.LocationDisplayName)
	}

	// The committed scene must be gone and tagged.
	if f.cache.Contains("tavern") {
		t.Error("committed scene still cached")
	}
	if !scene.IsCommitted() {
		t.Error("scene not marked committed")
	}

	// Visit bookkeeping: first and last both set to the observing turn.
	first, last := f.visitTurns(t, "tavern")
	if first == nil || *first != 5 {
		t.Errorf("first_visited_turn = %v, want 5", first)
	}
	if last == nil || *last != 5 {
		t.Errorf("last_visited_turn = %v, want 5", last)
	}

	snap := f.metrics.Snapshot()
	if snap.CacheHits != 1 || snap.CacheMisses != 0 {
		t.Errorf("hits/misses = %d/%d, want 1/0", snap.CacheHits, snap.CacheMisses)
	}
	if f.gen.CallCount() != 0 {
		t.Errorf("generator called %d times on the fast path, want 0", f.gen.CallCount())
	}
}

// TestCollapse_SlowPath covers the cache-miss scenario: inline generation,
// visit bookkeeping, and miss accounting.
func TestCollapse_SlowPath(t *testing.T) {
	f := newCollapseFixture(t)
	f.addLocation(t, "ruins", "Sunken Ruins")
	f.gen.Delay = 20 * time.Millisecond

	result, err := f.collapser.Collapse(context.Background(), "ruins", 1)
	if err != nil {
		t.Fatalf("Collapse() error = %v", err)
	}

	if result.WasPreGenerated {
		t.Error("WasPreGenerated = true on an empty cache")
	}
	if result.GenerationTime < 20*time.Millisecond {
		t.Errorf("GenerationTime = %v, want ≥ generator delay", result.GenerationTime)
	}
	if result.Latency < result.GenerationTime {
		t.Errorf("Latency %v < GenerationTime %v", result.Latency, result.GenerationTime)
	}
	if result.NarratorManifest.WasPreGenerated {
		t.Error("manifest WasPreGenerated = true, want false")
	}
	if result.NarratorManifest.PreGenerationAgeSeconds != 0 {
		t.Error("manifest pre-generation age set on the slow path")
	}

	first, last := f.visitTurns(t, "ruins")
	if first == nil || *first != 1 || last == nil || *last != 1 {
		t.Errorf("visit turns = %v/%v, want 1/1", first, last)
	}

	snap := f.metrics.Snapshot()
	if snap.CacheMisses != 1 || snap.CacheHits != 0 {
		t.Errorf("hits/misses = %d/%d, want 0/1", snap.CacheHits, snap.CacheMisses)
	}
}

// TestCollapse_StaleScene verifies a stale cached scene behaves as a miss
// and is evicted as a wasted generation.
func TestCollapse_StaleScene(t *testing.T) {
	f := newCollapseFixture(t)
	f.addLocation(t, "tavern", "The Broken Flagon")

	f.cache.Put(sceneAged("tavern", 400*time.Second, 300*time.Second))

	result, err := f.collapser.Collapse(context.Background(), "tavern", 2)
	if err != nil {
		t.Fatalf("Collapse() error = %v", err)
	}

	if result.WasPreGenerated {
		t.Error("stale scene served as pre-generated")
	}
	if f.gen.CallsFor("tavern") != 1 {
		t.Errorf("inline generations = %d, want 1", f.gen.CallsFor("tavern"))
	}

	snap := f.metrics.Snapshot()
	if snap.CacheMisses != 1 {
		t.Errorf("cache_misses = %d, want 1", snap.CacheMisses)
	}
	if snap.GenerationsWasted != 1 {
		t.Errorf("generations_wasted = %d, want 1 (stale eviction)", snap.GenerationsWasted)
	}
}

// TestCollapse_Idempotent verifies collapsing the same (location, turn)
// twice succeeds, runs the slow path the second time, and never rewrites the
// first-visit turn.
func TestCollapse_Idempotent(t *testing.T) {
	f := newCollapseFixture(t)
	f.addLocation(t, "tavern", "The Broken Flagon")
	f.cache.Put(freshScene("tavern"))

	first, err := f.collapser.Collapse(context.Background(), "tavern", 5)
	if err != nil {
		t.Fatalf("first Collapse() error = %v", err)
	}
	if !first.WasPreGenerated {
		t.Error("first collapse missed a fresh cache entry")
	}

	second, err := f.collapser.Collapse(context.Background(), "tavern", 5)
	if err != nil {
		t.Fatalf("second Collapse() error = %v", err)
	}
	if second.WasPreGenerated {
		t.Error("second collapse found the consumed entry")
	}

	firstTurn, lastTurn := f.visitTurns(t, "tavern")
	if firstTurn == nil || *firstTurn != 5 {
		t.Errorf("first_visited_turn = %v, want 5 (write-once)", firstTurn)
	}
	if lastTurn == nil || *lastTurn != 5 {
		t.Errorf("last_visited_turn = %v, want 5", lastTurn)
	}
}

// TestCollapse_HitsPlusMissesEqualCalls verifies the accounting identity
// cache_hits + cache_misses == collapse calls.
func TestCollapse_HitsPlusMissesEqualCalls(t *testing.T) {
	f := newCollapseFixture(t)
	f.addLocation(t, "tavern", "The Broken Flagon")
	f.addLocation(t, "ruins", "Sunken Ruins")

	f.cache.Put(freshScene("tavern"))

	calls := 0
	for _, key := range []string{"tavern", "ruins", "tavern", "ruins"} {
		if _, err := f.collapser.Collapse(context.Background(), key, calls); err != nil {
			t.Fatalf("Collapse(%q) error = %v", key, err)
		}
		calls++
	}

	snap := f.metrics.Snapshot()
	if snap.CacheHits+snap.CacheMisses != int64(calls) {
		t.Errorf("hits+misses = %d, want %d", snap.CacheHits+snap.CacheMisses, calls)
	}
	if snap.CacheHits != 1 {
		t.Errorf("cache_hits = %d, want 1", snap.CacheHits)
	}
}

// TestCollapse_GeneratorFailurePropagates verifies a slow-path generation
// failure fails the collapse call — the engine fabricates nothing.
func TestCollapse_GeneratorFailurePropagates(t *testing.T) {
	f := newCollapseFixture(t)
	f.addLocation(t, "ruins", "Sunken Ruins")
	f.gen.Err = errors.New("llm unavailable")

	if _, err := f.collapser.Collapse(context.Background(), "ruins", 1); err == nil {
		t.Fatal("Collapse() succeeded with a failing generator")
	}

	// The miss is still counted; nothing was committed.
	snap := f.metrics.Snapshot()
	if snap.CacheMisses != 1 {
		t.Errorf("cache_misses = %d, want 1", snap.CacheMisses)
	}
	first, last := f.visitTurns(t, "ruins")
	if first != nil || last != nil {
		t.Errorf("visit turns advanced on a failed collapse: %v/%v", first, last)
	}
}

// TestCollapse_UnknownLocationRecord verifies collapsing a location with no
// persistent record succeeds; visit bookkeeping is skipped, not an error.
func TestCollapse_UnknownLocationRecord(t *testing.T) {
	f := newCollapseFixture(t)

	result, err := f.collapser.Collapse(context.Background(), "uncharted", 3)
	if err != nil {
		t.Fatalf("Collapse() error = %v", err)
	}
	if result.WasPreGenerated {
		t.Error("WasPreGenerated = true, want false")
	}
}

// TestCollapse_CheckPreGenerated verifies the check-only entry point: a
// result on a hit, (nil, nil) on a miss with no miss counted.
func TestCollapse_CheckPreGenerated(t *testing.T) {
	f := newCollapseFixture(t)
	f.addLocation(t, "tavern", "The Broken Flagon")

	result, err := f.collapser.CheckPreGenerated(context.Background(), "tavern", 1)
	if err != nil {
		t.Fatalf("CheckPreGenerated() error = %v", err)
	}
	if result != nil {
		t.Fatalf("CheckPreGenerated on empty cache = %+v, want nil", result)
	}
	if snap := f.metrics.Snapshot(); snap.CacheMisses != 0 {
		t.Errorf("cache_misses = %d, want 0 — the caller owns the miss path", snap.CacheMisses)
	}

	f.cache.Put(freshScene("tavern"))

	result, err = f.collapser.CheckPreGenerated(context.Background(), "tavern", 2)
	if err != nil {
		t.Fatalf("CheckPreGenerated() error = %v", err)
	}
	if result == nil || !result.WasPreGenerated {
		t.Fatalf("CheckPreGenerated = %+v, want a fast-path result", result)
	}
	if f.gen.CallCount() != 0 {
		t.Errorf("generator called %d times, want 0", f.gen.CallCount())
	}

	// The consumed entry is gone: a second check is a miss again.
	result, err = f.collapser.CheckPreGenerated(context.Background(), "tavern", 3)
	if err != nil {
		t.Fatalf("CheckPreGenerated() error = %v", err)
	}
	if result != nil {
		t.Error("consumed scene served twice as pre-generated")
	}
}
