// Package worldserver implements the anticipation subsystem of the Emberwake
// narrative engine: speculative pre-generation of scenes for locations the
// player is likely to observe next, and the "collapse" of that speculative
// state into authoritative game state when a prediction is confirmed.
//
// The package is organised around six cooperating pieces:
//
//   - [Metrics] — counters and latency accumulators shared by all pieces.
//   - [Cache] — a bounded, TTL-aware LRU of uncommitted [PreGeneratedScene]s.
//   - [Predictor] — ranks likely next locations from a read-only [GameState].
//   - [SceneGenerator] — the external port that produces scenes (LLM-backed).
//   - [Engine] — the background scheduler that keeps the cache warm.
//   - [CollapseManager] — consumes cached scenes (or generates inline) when
//     the player observes a location.
//
// [Manager] is the thin composition root the game loop talks to.
//
// Everything here is speculative by design: any failure in prediction or
// background generation degrades to the synchronous slow path in
// [CollapseManager.Collapse], which is the only operation required for
// correctness.
package worldserver

import (
	"fmt"
	"sync"
	"time"
)

// DefaultSceneExpiry is the TTL applied to a [PreGeneratedScene] whose
// Expiry field was left zero.
const DefaultSceneExpiry = 5 * time.Minute

// PredictionReason explains why a location was ranked as a likely destination.
type PredictionReason string

const (
	// ReasonAdjacent marks a location directly connected to the current one.
	ReasonAdjacent PredictionReason = "adjacent"

	// ReasonQuestTarget marks a location referenced by an active quest objective.
	ReasonQuestTarget PredictionReason = "quest_target"

	// ReasonMentioned marks a location named in recent dialogue or narration.
	ReasonMentioned PredictionReason = "mentioned"

	// ReasonHome marks the player's home location.
	ReasonHome PredictionReason = "home"

	// ReasonFrequent marks a location the player visits often this session.
	ReasonFrequent PredictionReason = "frequent"

	// ReasonNPCLocation marks the current location of an NPC the player
	// referenced recently.
	ReasonNPCLocation PredictionReason = "npc_location"
)

// reasonRank orders prediction reasons for tie-breaking: earlier is stronger.
var reasonRank = map[PredictionReason]int{
	ReasonAdjacent:    0,
	ReasonQuestTarget: 1,
	ReasonMentioned:   2,
	ReasonHome:        3,
	ReasonFrequent:    4,
	ReasonNPCLocation: 5,
}

// GenerationStatus is the lifecycle state of an [AnticipationTask].
type GenerationStatus string

const (
	// StatusPending means the task is queued but no worker has picked it up.
	StatusPending GenerationStatus = "pending"

	// StatusInProgress means a worker is currently generating the scene.
	StatusInProgress GenerationStatus = "in_progress"

	// StatusCompleted means generation succeeded and the result was cached.
	StatusCompleted GenerationStatus = "completed"

	// StatusFailed means the scene generator returned an error.
	StatusFailed GenerationStatus = "failed"

	// StatusExpired means the player's location changed and this task no
	// longer matches; its eventual output is discarded.
	StatusExpired GenerationStatus = "expired"

	// StatusCancelled means the task was cancelled explicitly.
	StatusCancelled GenerationStatus = "cancelled"
)

// terminal reports whether a status admits no further transitions.
func (s GenerationStatus) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// LocationPrediction is a ranked candidate for the player's next location.
// Values are immutable after construction via [NewLocationPrediction].
type LocationPrediction struct {
	// LocationKey identifies the predicted location, unique per session.
	LocationKey string

	// Probability is the independent likelihood of this prediction in [0, 1].
	// Predictions are not a distribution; probabilities need not sum to 1.
	Probability float64

	// Reason is the provenance tag explaining the ranking.
	Reason PredictionReason

	// ReasonDetail is an optional human-readable explanation for logging,
	// e.g. `quest: Find the merchant`.
	ReasonDetail string
}

// NewLocationPrediction validates and constructs a [LocationPrediction].
// A probability outside [0, 1] is a programmer error and is rejected.
func NewLocationPrediction(locationKey string, probability float64, reason PredictionReason, detail string) (LocationPrediction, error) {
	if probability < 0 || probability > 1 {
		return LocationPrediction{}, fmt.Errorf("worldserver: prediction probability must be in [0, 1], got %v", probability)
	}
	return LocationPrediction{
		LocationKey:  locationKey,
		Probability:  probability,
		Reason:       reason,
		ReasonDetail: detail,
	}, nil
}

// PreGeneratedScene is a scene that has been generated speculatively but not
// yet observed by the player. It is uncommitted state: it lives only in the
// [Cache] and is dropped (never persisted) unless a collapse consumes it.
//
// Ownership: produced by the [Engine]'s workers (or inline generation), held
// by the [Cache], and transferred exclusively to the [CollapseManager] when
// consumed.
type PreGeneratedScene struct {
	// LocationKey identifies the location this scene belongs to.
	LocationKey string

	// LocationDisplayName is the human-readable location name.
	LocationDisplayName string

	// SceneManifest is the full structured scene payload. Its schema belongs
	// to the narrator subsystem; this package treats it as opaque.
	SceneManifest map[string]any

	// NPCsPresent, ItemsPresent and Furniture are the entity lists surfaced
	// for the narrator manifest shape.
	NPCsPresent  []map[string]any
	ItemsPresent []map[string]any
	Furniture    []map[string]any

	// Atmosphere holds lighting, sounds, smells and similar ambience data.
	Atmosphere map[string]any

	// GeneratedAt is the wall-clock time the scene was produced.
	GeneratedAt time.Time

	// GenerationTime is how long the generation call took.
	GenerationTime time.Duration

	// Expiry is the scene's TTL. Zero means [DefaultSceneExpiry].
	Expiry time.Duration

	// PredictedProbability and PredictionReason record the prediction that
	// caused this scene to be generated, when there was one.
	PredictedProbability float64
	PredictionReason     PredictionReason

	mu        sync.Mutex
	committed bool
}

// ttl returns the effective TTL, applying the default for a zero Expiry.
func (s *PreGeneratedScene) ttl() time.Duration {
	if s.Expiry <= 0 {
		return DefaultSceneExpiry
	}
	return s.Expiry
}

// Age returns how long ago the scene was generated.
func (s *PreGeneratedScene) Age() time.Duration {
	return time.Since(s.GeneratedAt)
}

// RemainingTTL returns the time left before the scene goes stale.
// Never negative.
func (s *PreGeneratedScene) RemainingTTL() time.Duration {
	if rem := s.ttl() - s.Age(); rem > 0 {
		return rem
	}
	return 0
}

// IsStale reports whether the scene has outlived its TTL.
func (s *PreGeneratedScene) IsStale() bool {
	return s.Age() > s.ttl()
}

// Commit marks the scene as consumed by a collapse. The flag transitions
// false→true exactly once; further calls are no-ops. A committed scene is
// never re-cached and never counts as a wasted generation on eviction.
func (s *PreGeneratedScene) Commit() {
	s.mu.Lock()
	s.committed = true
	s.mu.Unlock()
}

// IsCommitted reports whether the scene has been consumed by a collapse.
func (s *PreGeneratedScene) IsCommitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// AnticipationTask is one unit of background generation tracked by the
// [Engine]. Status transitions are serialised by an internal mutex so that
// workers and [Engine.OnLocationChange] can race safely:
//
//	pending → in_progress → completed | failed
//	pending | in_progress → expired
//
// completed, failed, expired and cancelled are terminal.
type AnticipationTask struct {
	// LocationKey is the location being generated.
	LocationKey string

	// Priority is the prediction probability; higher generates first.
	Priority float64

	// PredictionReason records why the location was predicted.
	PredictionReason PredictionReason

	// CreatedAt is when the task was queued.
	CreatedAt time.Time

	mu          sync.Mutex
	status      GenerationStatus
	startedAt   time.Time
	completedAt time.Time
	err         string
	result      *PreGeneratedScene
}

// newTask creates a pending task.
func newTask(locationKey string, priority float64, reason PredictionReason) *AnticipationTask {
	return &AnticipationTask{
		LocationKey:      locationKey,
		Priority:         priority,
		PredictionReason: reason,
		CreatedAt:        time.Now(),
		status:           StatusPending,
	}
}

// Status returns the task's current status.
func (t *AnticipationTask) Status() GenerationStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the failure message, if the task failed.
func (t *AnticipationTask) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Result returns the generated scene, if the task completed.
func (t *AnticipationTask) Result() *PreGeneratedScene {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// TryStart transitions pending → in_progress. Returns false when the task was
// expired (or otherwise moved out of pending) before a worker picked it up, in which
// case the worker must drop it without generating.
func (t *AnticipationTask) TryStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.status = StatusInProgress
	t.startedAt = time.Now()
	return true
}

// TryComplete transitions in_progress → completed and records the result.
// Returns false when the task was expired while generation was in flight;
// the caller must then discard the scene.
func (t *AnticipationTask) TryComplete(result *PreGeneratedScene) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusInProgress {
		return false
	}
	t.status = StatusCompleted
	t.completedAt = time.Now()
	t.result = result
	return true
}

// MarkFailed transitions a non-terminal task to failed with the given error
// message. Returns false when the task had already reached a terminal state
// (e.g. expired while the generator was failing), in which case the failure
// must not be double-counted.
func (t *AnticipationTask) MarkFailed(errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.terminal() {
		return false
	}
	t.status = StatusFailed
	t.completedAt = time.Now()
	t.err = errMsg
	return true
}

// MarkExpired tags a pending or in-progress task as expired. Returns the
// status the task held before the call so callers can decide whether the
// expiry interrupted live work (metrics count only in-progress expiries).
// Terminal tasks are left untouched.
func (t *AnticipationTask) MarkExpired() GenerationStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.status
	if !prev.terminal() {
		t.status = StatusExpired
		t.completedAt = time.Now()
	}
	return prev
}

// Duration returns how long the task ran, or 0 when it has not both started
// and finished.
func (t *AnticipationTask) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() || t.completedAt.IsZero() {
		return 0
	}
	return t.completedAt.Sub(t.startedAt)
}

// NarratorManifest is the structured payload handed to the narrator subsystem
// to render prose for the player. Fields mirror [PreGeneratedScene] with the
// provenance flag added.
type NarratorManifest struct {
	LocationKey         string           `json:"location_key"`
	LocationDisplayName string           `json:"location_display_name"`
	NPCs                []map[string]any `json:"npcs"`
	Items               []map[string]any `json:"items"`
	Furniture           []map[string]any `json:"furniture"`
	Atmosphere          map[string]any   `json:"atmosphere"`
	SceneManifest       map[string]any   `json:"scene_manifest"`
	WasPreGenerated     bool             `json:"was_pre_generated"`

	// PreGenerationAgeSeconds is set only when WasPreGenerated is true.
	PreGenerationAgeSeconds float64 `json:"pre_generation_age_seconds,omitempty"`
}

// CollapseResult is the outcome of observing a location.
type CollapseResult struct {
	// LocationKey is the observed location.
	LocationKey string

	// NarratorManifest is the payload for the narrator.
	NarratorManifest NarratorManifest

	// WasPreGenerated reports whether the fast path (cache hit) was taken.
	WasPreGenerated bool

	// Latency is the end-to-end duration of the collapse call.
	Latency time.Duration

	// CacheAge and PredictionReason are set on the fast path only.
	CacheAge         time.Duration
	PredictionReason PredictionReason

	// GenerationTime is the inline generation duration, slow path only.
	GenerationTime time.Duration
}

// buildNarratorManifest assembles the manifest from a scene.
func buildNarratorManifest(scene *PreGeneratedScene, preGenerated bool) NarratorManifest {
	m := NarratorManifest{
		LocationKey:         scene.LocationKey,
		LocationDisplayName: scene.LocationDisplayName,
		NPCs:                scene.NPCsPresent,
		Items:               scene.ItemsPresent,
		Furniture:           scene.Furniture,
		Atmosphere:          scene.Atmosphere,
		SceneManifest:       scene.SceneManifest,
		WasPreGenerated:     preGenerated,
	}
	if preGenerated {
		m.PreGenerationAgeSeconds = scene.Age().Seconds()
	}
	return m
}
