package worldserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/emberwake/emberwake/internal/observe"
)

// Engine defaults.
const (
	DefaultMaxWorkers    = 2
	DefaultCheckInterval = time.Second
)

// EngineConfig configures an [Engine].
type EngineConfig struct {
	// Cache stores generated scenes. Required.
	Cache *Cache

	// Predictor ranks candidate locations. Required.
	Predictor *Predictor

	// Generator produces scenes. Required.
	Generator SceneGenerator

	// Metrics receives engine events. Nil uses the cache's instance.
	Metrics *Metrics

	// MaxWorkers bounds concurrent generations. Zero means [DefaultMaxWorkers].
	MaxWorkers int

	// MaxPredictions bounds predictions dispatched per cycle.
	// Zero means [DefaultMaxPredictions].
	MaxPredictions int

	// CheckInterval is the sleep between anticipation cycles.
	// Zero means [DefaultCheckInterval].
	CheckInterval time.Duration
}

// Engine keeps the cache warm with scenes for the most valuable predictions
// while the player reads, and abandons predictions that go stale when the
// player moves.
//
// Cancellation is advisory: an in-flight generation is never aborted. Its
// task is tagged expired, and the worker discards the result at the commit
// site. This sidesteps races between killing a task and the task already
// returning — the compute is pure with respect to game state, so running it
// to completion is harmless.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	cache          *Cache
	predictor      *Predictor
	generator      SceneGenerator
	metrics        *Metrics
	maxPredictions int
	checkInterval  time.Duration
	sem            *semaphore.Weighted

	mu      sync.Mutex
	running bool
	current string
	tasks   map[string]*AnticipationTask
	cancel  context.CancelFunc
	done    chan struct{}

	// nudge requests an immediate cycle; buffered so OnLocationChange never
	// blocks on the loop.
	nudge chan struct{}
}

// NewEngine creates an [Engine] from cfg, applying defaults for zero fields.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("worldserver: engine requires a cache")
	}
	if cfg.Predictor == nil {
		return nil, fmt.Errorf("worldserver: engine requires a predictor")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("worldserver: engine requires a scene generator")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = cfg.Cache.Metrics()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.MaxPredictions <= 0 {
		cfg.MaxPredictions = DefaultMaxPredictions
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return &Engine{
		cache:          cfg.Cache,
		predictor:      cfg.Predictor,
		generator:      cfg.Generator,
		metrics:        cfg.Metrics,
		maxPredictions: cfg.MaxPredictions,
		checkInterval:  cfg.CheckInterval,
		sem:            semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		tasks:          make(map[string]*AnticipationTask),
		nudge:          make(chan struct{}, 1),
	}, nil
}

// Start begins the anticipation loop from currentLocation. Idempotent: a
// second call while running is a no-op. The loop stops when Stop is called
// or ctx is cancelled.
func (e *Engine) Start(ctx context.Context, currentLocation string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		slog.Warn("anticipation engine already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.current = currentLocation
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.loop(loopCtx, e.done)

	slog.Info("anticipation engine started",
		"location", currentLocation,
		"check_interval", e.checkInterval,
	)
}

// Stop cancels the anticipation loop and tags every non-terminal task as
// expired so in-flight workers discard their eventual output. It waits for
// the loop goroutine but never for the workers.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.done = nil
	tasks := e.snapshotTasksLocked()
	e.mu.Unlock()

	// Expire tasks before cancelling so a worker unblocked by the cancel
	// finds its task already terminal and records nothing further.
	for _, task := range tasks {
		if task.MarkExpired() == StatusInProgress {
			e.metrics.RecordGenerationExpired()
		}
	}

	cancel()
	<-done

	slog.Info("anticipation engine stopped")
}

// IsRunning reports whether the anticipation loop is live.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// CurrentLocation returns the location the engine is predicting from.
func (e *Engine) CurrentLocation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// SetLocation records the location to predict from without the invalidation
// side effects of [Engine.OnLocationChange]. The facade's trigger path uses
// it to keep the engine aligned with the game loop between explicit moves.
func (e *Engine) SetLocation(locationKey string) {
	e.mu.Lock()
	e.current = locationKey
	e.mu.Unlock()
}

// OnLocationChange records the player's move to newLocation: predictions made
// from the old location are void, so every cached scene except newLocation's
// is invalidated and every in-flight task for another location is tagged
// expired. An immediate anticipation cycle is then requested.
//
// This method observes the in-flight task set without blocking on any
// worker; in-flight generations run to completion and their results are
// filtered at the commit site.
func (e *Engine) OnLocationChange(newLocation string) {
	e.mu.Lock()
	old := e.current
	e.current = newLocation
	tasks := e.snapshotTasksLocked()
	e.mu.Unlock()

	slog.Info("location changed", "from", old, "to", newLocation)

	e.cache.InvalidateAllExcept(newLocation)

	for key, task := range tasks {
		if key == newLocation {
			continue
		}
		if task.MarkExpired() == StatusInProgress {
			e.metrics.RecordGenerationExpired()
		}
	}

	// Forget tasks for other locations; terminal either way, and the next
	// cycle should be free to re-queue them if predicted again.
	e.mu.Lock()
	for key := range e.tasks {
		if key != newLocation {
			delete(e.tasks, key)
		}
	}
	running := e.running
	e.mu.Unlock()

	if running {
		select {
		case e.nudge <- struct{}{}:
		default:
		}
	}
}

// Anticipate runs a single anticipation cycle inline, seeding the predictor
// with the caller's recent action text, and blocks until every generation
// dispatched by this cycle has finished. Used by the facade's trigger path —
// the caller runs it on its own goroutine and uses its duration to debounce
// further triggers. The periodic loop runs the same cycle without waiting.
func (e *Engine) Anticipate(ctx context.Context, recentActions []string) {
	var wg sync.WaitGroup
	e.runCycle(ctx, recentActions, &wg)
	wg.Wait()
}

// ForceGenerate bypasses prediction. It returns the cached scene when one is
// already present (never overwriting it); otherwise it generates inline,
// caches the result, and returns it.
func (e *Engine) ForceGenerate(ctx context.Context, locationKey string) (*PreGeneratedScene, error) {
	if scene := e.cache.Get(locationKey); scene != nil {
		return scene, nil
	}

	slog.Info("force generating scene", "location", locationKey)
	scene, err := e.generator.GenerateScene(ctx, locationKey)
	if err != nil {
		return nil, fmt.Errorf("worldserver: force generate %q: %w", locationKey, err)
	}
	e.cache.Put(scene)
	return scene, nil
}

// EngineStatus is a diagnostic snapshot of the engine.
type EngineStatus struct {
	Running         bool
	CurrentLocation string
	TasksByStatus   map[GenerationStatus]int
	Cache           CacheStats
}

// Status returns a diagnostic snapshot.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	status := EngineStatus{
		Running:         e.running,
		CurrentLocation: e.current,
		TasksByStatus:   make(map[GenerationStatus]int),
	}
	tasks := e.snapshotTasksLocked()
	e.mu.Unlock()

	for _, task := range tasks {
		status.TasksByStatus[task.Status()]++
	}
	status.Cache = e.cache.Stats()
	return status
}

// loop runs anticipation cycles on the configured clock until ctx ends.
func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx, nil, nil)
		case <-e.nudge:
			e.runCycle(ctx, nil, nil)
		}
	}
}

// runCycle asks the predictor for candidates and dispatches generation for
// those that are neither cached nor already in flight, in priority order.
// When wg is non-nil it tracks the dispatched workers.
func (e *Engine) runCycle(ctx context.Context, recentActions []string, wg *sync.WaitGroup) {
	e.mu.Lock()
	current := e.current
	e.mu.Unlock()

	if current == "" {
		return
	}

	predictions := e.predictor.Predict(current, recentActions, e.maxPredictions)
	if len(predictions) == 0 {
		return
	}
	e.metrics.RecordPredictions(len(predictions))

	for _, pred := range predictions {
		if e.cache.Contains(pred.LocationKey) {
			slog.Debug("skipping prediction, already cached", "location", pred.LocationKey)
			continue
		}

		e.mu.Lock()
		if existing, ok := e.tasks[pred.LocationKey]; ok {
			switch existing.Status() {
			case StatusPending, StatusInProgress:
				e.mu.Unlock()
				slog.Debug("skipping prediction, already queued", "location", pred.LocationKey)
				continue
			}
		}
		task := newTask(pred.LocationKey, pred.Probability, pred.Reason)
		e.tasks[pred.LocationKey] = task
		e.mu.Unlock()

		slog.Info("queued generation",
			"location", pred.LocationKey,
			"priority", pred.Probability,
			"reason", pred.Reason,
		)
		if wg != nil {
			wg.Add(1)
		}
		go e.dispatch(ctx, task, wg)
	}
}

// dispatch waits for a worker slot and runs the task. Tasks queued behind
// the semaphore may be expired by a location change before they start; they
// are dropped at pickup.
func (e *Engine) dispatch(ctx context.Context, task *AnticipationTask, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		// Engine shutting down; Stop tags the task expired.
		return
	}
	defer e.sem.Release(1)
	e.runTask(ctx, task)
}

// runTask performs one generation. The task may be expired at three points:
// before pickup (dropped silently), during generation (result discarded; the
// expiry was already counted when the task was tagged), or never (result
// cached and completion recorded).
func (e *Engine) runTask(ctx context.Context, task *AnticipationTask) {
	if !task.TryStart() {
		slog.Debug("task expired before start", "location", task.LocationKey)
		return
	}
	e.metrics.RecordGenerationStarted()

	ctx, span := observe.StartSpan(ctx, "worldserver.generate",
		trace.WithAttributes(
			attribute.String("location", task.LocationKey),
			attribute.String("reason", string(task.PredictionReason)),
		),
	)
	defer span.End()

	slog.Debug("starting generation", "location", task.LocationKey)
	start := time.Now()

	scene, err := e.generator.GenerateScene(ctx, task.LocationKey)
	duration := time.Since(start)

	if err != nil {
		if task.MarkFailed(err.Error()) {
			e.metrics.RecordGenerationFailed()
			slog.Warn("generation failed",
				"location", task.LocationKey,
				"duration", duration,
				"err", err,
			)
		}
		return
	}

	scene.PredictedProbability = task.Priority
	scene.PredictionReason = task.PredictionReason

	if !task.TryComplete(scene) {
		// Expired while generating; drop the scene on the floor.
		slog.Info("generation completed but task expired", "location", task.LocationKey)
		return
	}

	e.cache.Put(scene)
	e.metrics.RecordGenerationCompleted(duration)
	slog.Info("generation completed",
		"location", task.LocationKey,
		"duration", duration,
	)
}

// snapshotTasksLocked copies the task map. Callers must hold e.mu.
func (e *Engine) snapshotTasksLocked() map[string]*AnticipationTask {
	tasks := make(map[string]*AnticipationTask, len(e.tasks))
	for key, task := range e.tasks {
		tasks[key] = task
	}
	return tasks
}
