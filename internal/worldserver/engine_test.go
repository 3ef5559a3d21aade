package worldserver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emberwake/emberwake/internal/worldserver"
	"github.com/emberwake/emberwake/internal/worldserver/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

// newEngine builds an engine over the given state and generator with a
// one-hour check interval so the periodic loop never interferes; tests drive
// cycles deterministically through Anticipate.
func newEngine(t *testing.T, state worldserver.GameState, gen worldserver.SceneGenerator) (*worldserver.Engine, *worldserver.Cache, *worldserver.Metrics) {
	t.Helper()

	metrics := worldserver.NewMetrics(nil)
	cache := worldserver.NewCache(worldserver.CacheConfig{MaxSize: 10, Metrics: metrics})
	predictor, err := worldserver.NewPredictor(worldserver.PredictorConfig{State: state})
	if err != nil {
		t.Fatalf("NewPredictor() error = %v", err)
	}
	engine, err := worldserver.NewEngine(worldserver.EngineConfig{
		Cache:         cache,
		Predictor:     predictor,
		Generator:     gen,
		Metrics:       metrics,
		CheckInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine, cache, metrics
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// checkOutcomeInvariant asserts completed+failed+expired ≤ started.
func checkOutcomeInvariant(t *testing.T, snap worldserver.MetricsSnapshot) {
	t.Helper()
	outcomes := snap.GenerationsCompleted + snap.GenerationsFailed + snap.GenerationsExpired
	if outcomes > snap.GenerationsStarted {
		t.Errorf("outcome invariant violated: completed=%d failed=%d expired=%d > started=%d",
			snap.GenerationsCompleted, snap.GenerationsFailed, snap.GenerationsExpired,
			snap.GenerationsStarted)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

// TestEngine_CycleGeneratesAndCaches verifies a cycle generates every
// prediction and stores the results with provenance attached.
func TestEngine_CycleGeneratesAndCaches(t *testing.T) {
	state := &mock.GameState{
		Exits: map[string][]string{"home": {"tavern", "market", "forest"}},
	}
	gen := &mock.SceneGenerator{}
	engine, cache, metrics := newEngine(t, state, gen)

	engine.Start(context.Background(), "home")
	defer engine.Stop()

	engine.Anticipate(context.Background(), nil)

	for _, key := range []string{"tavern", "market", "forest"} {
		if !cache.Contains(key) {
			t.Errorf("cache missing %s after anticipation cycle", key)
		}
	}

	scene := cache.Get("tavern")
	if scene == nil {
		t.Fatal("no scene for tavern")
	}
	if scene.PredictionReason != worldserver.ReasonAdjacent {
		t.Errorf("scene prediction reason = %s, want adjacent", scene.PredictionReason)
	}
	if scene.PredictedProbability <= 0 {
		t.Errorf("scene predicted probability = %v, want > 0", scene.PredictedProbability)
	}

	snap := metrics.Snapshot()
	if snap.PredictionsMade != 3 {
		t.Errorf("predictions_made = %d, want 3", snap.PredictionsMade)
	}
	if snap.GenerationsStarted != 3 || snap.GenerationsCompleted != 3 {
		t.Errorf("started/completed = %d/%d, want 3/3", snap.GenerationsStarted, snap.GenerationsCompleted)
	}
	checkOutcomeInvariant(t, snap)
}

// TestEngine_DedupAgainstCacheAndInflight verifies a cycle skips locations
// that are already cached or already being generated.
func TestEngine_DedupAgainstCacheAndInflight(t *testing.T) {
	state := &mock.GameState{
		Exits: map[string][]string{"home": {"tavern", "market"}, "tavern": {}, "market": {}},
	}
	release := make(chan struct{})
	gen := &mock.SceneGenerator{Release: release}
	engine, cache, _ := newEngine(t, state, gen)

	engine.Start(context.Background(), "home")
	defer engine.Stop()

	// Pre-generated scene for tavern: must not be regenerated.
	cache.Put(freshScene("tavern"))

	cycleDone := make(chan struct{})
	go func() {
		engine.Anticipate(context.Background(), nil)
		close(cycleDone)
	}()

	// Only market should reach the generator, and it is now held in flight.
	waitFor(t, time.Second, func() bool { return gen.CallCount() == 1 }, "market generation to start")
	if gen.CallsFor("tavern") != 0 {
		t.Error("cached location tavern was re-generated")
	}

	// A second cycle while market is in flight must not dispatch it again.
	engine.Anticipate(context.Background(), nil)
	if got := gen.CallCount(); got != 1 {
		t.Errorf("generator calls after second cycle = %d, want 1 (in-flight dedup)", got)
	}

	close(release)
	<-cycleDone

	if !cache.Contains("market") {
		t.Error("market not cached after generation completed")
	}
}

// TestEngine_OnLocationChange verifies relocation invalidates every cached
// scene except the new location's, expires in-flight work for other
// locations, and discards the late result.
func TestEngine_OnLocationChange(t *testing.T) {
	state := &mock.GameState{
		Exits: map[string][]string{"home": {"forest"}, "tavern": {}},
	}
	release := make(chan struct{})
	gen := &mock.SceneGenerator{Release: release}
	engine, cache, metrics := newEngine(t, state, gen)

	engine.Start(context.Background(), "home")
	defer engine.Stop()

	// Pre-generated scenes as if earlier cycles had completed.
	cache.Put(freshScene("tavern"))
	cache.Put(freshScene("market"))

	// Kick off generation for forest and let it get in flight.
	go engine.Anticipate(context.Background(), nil)
	waitFor(t, time.Second, func() bool { return gen.CallsFor("forest") == 1 }, "forest generation to start")

	engine.OnLocationChange("tavern")

	// Only the new location survives the bulk invalidation.
	if !cache.Contains("tavern") {
		t.Error("tavern (new location) was invalidated")
	}
	if cache.Contains("market") {
		t.Error("market survived relocation")
	}

	// The in-flight forest generation completes late; its result must be
	// discarded, counted as expired rather than completed.
	close(release)
	waitFor(t, time.Second, func() bool {
		return metrics.Snapshot().GenerationsExpired == 1
	}, "forest expiry to be recorded")

	time.Sleep(20 * time.Millisecond) // allow any (incorrect) late cache write
	if cache.Contains("forest") {
		t.Error("expired task wrote its scene to the cache")
	}

	snap := metrics.Snapshot()
	if snap.GenerationsCompleted != 0 {
		t.Errorf("generations_completed = %d, want 0", snap.GenerationsCompleted)
	}
	if snap.GenerationsExpired != 1 {
		t.Errorf("generations_expired = %d, want 1", snap.GenerationsExpired)
	}
	checkOutcomeInvariant(t, snap)
}

// TestEngine_FailedGeneration verifies a generator error marks the task
// failed, counts the failure, and caches nothing.
func TestEngine_FailedGeneration(t *testing.T) {
	state := &mock.GameState{Exits: map[string][]string{"home": {"tavern"}}}
	gen := &mock.SceneGenerator{Err: errors.New("llm unavailable")}
	engine, cache, metrics := newEngine(t, state, gen)

	engine.Start(context.Background(), "home")
	defer engine.Stop()

	engine.Anticipate(context.Background(), nil)

	if cache.Len() != 0 {
		t.Errorf("cache has %d entries after failed generation, want 0", cache.Len())
	}

	snap := metrics.Snapshot()
	if snap.GenerationsFailed != 1 {
		t.Errorf("generations_failed = %d, want 1", snap.GenerationsFailed)
	}
	if status := engine.Status(); status.TasksByStatus[worldserver.StatusFailed] != 1 {
		t.Errorf("tasks by status = %v, want one failed", status.TasksByStatus)
	}
	checkOutcomeInvariant(t, snap)
}

// TestEngine_RequeueAfterFailure verifies a failed location is re-queued by a
// later cycle (no retry within the same cycle).
func TestEngine_RequeueAfterFailure(t *testing.T) {
	state := &mock.GameState{Exits: map[string][]string{"home": {"tavern"}}}
	gen := &mock.SceneGenerator{Err: errors.New("llm unavailable")}
	engine, cache, _ := newEngine(t, state, gen)

	engine.Start(context.Background(), "home")
	defer engine.Stop()

	engine.Anticipate(context.Background(), nil)
	if gen.CallsFor("tavern") != 1 {
		t.Fatalf("calls after failing cycle = %d, want 1", gen.CallsFor("tavern"))
	}

	// The backend recovers; the next cycle picks the location up again.
	gen.Err = nil
	engine.Anticipate(context.Background(), nil)

	if gen.CallsFor("tavern") != 2 {
		t.Errorf("calls after recovery cycle = %d, want 2", gen.CallsFor("tavern"))
	}
	if !cache.Contains("tavern") {
		t.Error("tavern not cached after recovery")
	}
}

// TestEngine_StopExpiresInflightWork verifies Stop tags live tasks expired
// without waiting for workers and without crashing on their late results.
func TestEngine_StopExpiresInflightWork(t *testing.T) {
	state := &mock.GameState{Exits: map[string][]string{"home": {"tavern"}}}
	release := make(chan struct{})
	gen := &mock.SceneGenerator{Release: release}
	engine, cache, metrics := newEngine(t, state, gen)

	engine.Start(context.Background(), "home")

	go engine.Anticipate(context.Background(), nil)
	waitFor(t, time.Second, func() bool { return gen.CallCount() == 1 }, "generation to start")

	engine.Stop()
	if engine.IsRunning() {
		t.Error("engine still running after Stop")
	}

	close(release)
	time.Sleep(20 * time.Millisecond)

	if cache.Len() != 0 {
		t.Error("late result cached after Stop")
	}

	snap := metrics.Snapshot()
	if snap.GenerationsExpired != 1 {
		t.Errorf("generations_expired = %d, want 1", snap.GenerationsExpired)
	}
	if snap.GenerationsFailed != 0 || snap.GenerationsCompleted != 0 {
		t.Errorf("failed/completed = %d/%d, want 0/0", snap.GenerationsFailed, snap.GenerationsCompleted)
	}
	checkOutcomeInvariant(t, snap)
}

// TestEngine_StartIdempotent verifies a second Start is a no-op.
func TestEngine_StartIdempotent(t *testing.T) {
	state := &mock.GameState{Exits: map[string][]string{"home": {}}}
	engine, _, _ := newEngine(t, state, &mock.SceneGenerator{})

	engine.Start(context.Background(), "home")
	engine.Start(context.Background(), "home")

	if !engine.IsRunning() {
		t.Error("engine not running after Start")
	}
	engine.Stop()
	engine.Stop() // second Stop is a no-op too
}

// TestEngine_PeriodicLoop verifies the background clock drives cycles
// without explicit triggers.
func TestEngine_PeriodicLoop(t *testing.T) {
	state := &mock.GameState{Exits: map[string][]string{"home": {"tavern"}}}
	gen := &mock.SceneGenerator{}

	metrics := worldserver.NewMetrics(nil)
	cache := worldserver.NewCache(worldserver.CacheConfig{MaxSize: 10, Metrics: metrics})
	predictor, err := worldserver.NewPredictor(worldserver.PredictorConfig{State: state})
	if err != nil {
		t.Fatalf("NewPredictor() error = %v", err)
	}
	engine, err := worldserver.NewEngine(worldserver.EngineConfig{
		Cache:         cache,
		Predictor:     predictor,
		Generator:     gen,
		Metrics:       metrics,
		CheckInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	engine.Start(context.Background(), "home")
	defer engine.Stop()

	waitFor(t, 2*time.Second, func() bool { return cache.Contains("tavern") },
		"periodic cycle to warm the cache")
}

// TestEngine_ForceGenerate verifies the prime-don't-overwrite contract:
// cached scenes are returned untouched, misses generate and cache.
func TestEngine_ForceGenerate(t *testing.T) {
	state := &mock.GameState{Exits: map[string][]string{"home": {}}}
	gen := &mock.SceneGenerator{}
	engine, cache, _ := newEngine(t, state, gen)

	existing := freshScene("tavern")
	cache.Put(existing)

	got, err := engine.ForceGenerate(context.Background(), "tavern")
	if err != nil {
		t.Fatalf("ForceGenerate() error = %v", err)
	}
	if got != existing {
		t.Error("ForceGenerate overwrote an existing cache entry")
	}
	if gen.CallCount() != 0 {
		t.Errorf("generator called %d times for a cached location, want 0", gen.CallCount())
	}

	// Miss path: generate, cache, return.
	got, err = engine.ForceGenerate(context.Background(), "ruins")
	if err != nil {
		t.Fatalf("ForceGenerate() error = %v", err)
	}
	if got == nil || got.LocationKey != "ruins" {
		t.Fatalf("ForceGenerate returned %v", got)
	}
	if !cache.Contains("ruins") {
		t.Error("forced generation not cached")
	}

	// Failure path propagates.
	gen.Err = errors.New("llm unavailable")
	if _, err := engine.ForceGenerate(context.Background(), "docks"); err == nil {
		t.Error("ForceGenerate error not propagated")
	}
}

// TestEngine_TaskStateMachine exercises the guarded transitions directly.
func TestEngine_TaskStateMachine(t *testing.T) {
	state := &mock.GameState{Exits: map[string][]string{"home": {"tavern"}}}
	release := make(chan struct{})
	gen := &mock.SceneGenerator{Release: release}
	engine, _, _ := newEngine(t, state, gen)

	engine.Start(context.Background(), "home")
	defer engine.Stop()

	go engine.Anticipate(context.Background(), nil)
	waitFor(t, time.Second, func() bool {
		return engine.Status().TasksByStatus[worldserver.StatusInProgress] == 1
	}, "task to enter in_progress")

	close(release)
	waitFor(t, time.Second, func() bool {
		return engine.Status().TasksByStatus[worldserver.StatusCompleted] == 1
	}, "task to complete")
}
