package worldserver

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultMaxPredictions bounds a prediction request when the caller passes a
// non-positive limit.
const DefaultMaxPredictions = 3

// GameState is the read-only view of game state the [Predictor] consumes.
// Implementations must be safe for concurrent reads; all methods are
// synchronous and must not block on I/O.
type GameState interface {
	// KnownLocation reports whether locationKey exists in the world.
	KnownLocation(locationKey string) bool

	// ExitsFrom returns the location keys directly connected to locationKey.
	ExitsFrom(locationKey string) []string

	// ActiveQuestTargets returns location keys referenced by active,
	// unfinished quest objectives.
	ActiveQuestTargets() []string

	// RecentlyMentioned returns up to k location keys named in recent
	// dialogue or narration, most recent first.
	RecentlyMentioned(k int) []string

	// PlayerHome returns the player's home location key, or "" if unset.
	PlayerHome() string

	// VisitCounts returns per-location visit counts for this session.
	VisitCounts() map[string]int

	// NPCLocation returns the current location key of the given NPC,
	// or "" when unknown.
	NPCLocation(npcKey string) string

	// RecentlyReferencedNPCs returns up to k NPC keys the player referenced
	// recently, most recent first.
	RecentlyReferencedNPCs(k int) []string
}

// PredictorWeights holds the base probability assigned to each prediction
// source. The defaults preserve the intended ordering: adjacency strongest,
// then quest targets, mentions, home, frequency, and NPC placement.
type PredictorWeights struct {
	Adjacent    float64
	QuestTarget float64
	Mentioned   float64
	Home        float64
	Frequent    float64
	NPCLocation float64
}

// DefaultPredictorWeights returns the standard source weights.
func DefaultPredictorWeights() PredictorWeights {
	return PredictorWeights{
		Adjacent:    0.70,
		QuestTarget: 0.65,
		Mentioned:   0.50,
		Home:        0.40,
		Frequent:    0.30,
		NPCLocation: 0.25,
	}
}

// mentionLookback is how many recent mentions and NPC references the
// predictor considers per cycle.
const mentionLookback = 5

// frequentTopK is how many top-visited locations feed the frequency source.
const frequentTopK = 3

// PredictorConfig configures a [Predictor].
type PredictorConfig struct {
	// State is the game state read model. Required.
	State GameState

	// Weights overrides the source weights. Zero value means defaults.
	Weights PredictorWeights

	// ExtractMentions, when set, pulls location keys out of free-form recent
	// action text (the game loop's last few player inputs). Nil ignores the
	// recent-actions argument to Predict.
	ExtractMentions func(recentActions []string) []string
}

// Predictor ranks likely next locations for the player. Prediction itself is
// a pure function of the [GameState] view; the Predictor additionally keeps
// lightweight per-reason counters for diagnostics.
type Predictor struct {
	state           GameState
	weights         PredictorWeights
	extractMentions func([]string) []string

	mu            sync.Mutex
	byReason      map[PredictionReason]int64
	totalPredicts int64
}

// NewPredictor creates a [Predictor] from cfg.
func NewPredictor(cfg PredictorConfig) (*Predictor, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("worldserver: predictor requires a game state")
	}
	if cfg.Weights == (PredictorWeights{}) {
		cfg.Weights = DefaultPredictorWeights()
	}
	return &Predictor{
		state:           cfg.State,
		weights:         cfg.Weights,
		extractMentions: cfg.ExtractMentions,
		byReason:        make(map[PredictionReason]int64),
	}, nil
}

// Predict returns up to maxN ranked predictions for the player's next
// location, ordered by descending probability. Ties break by reason strength
// (adjacent first) and then lexicographic key. A location produced by several
// sources keeps its highest probability and its strongest reason.
//
// An unknown currentLocation yields an empty slice; there are no error
// conditions.
func (p *Predictor) Predict(currentLocation string, recentActions []string, maxN int) []LocationPrediction {
	if maxN <= 0 {
		maxN = DefaultMaxPredictions
	}
	if !p.state.KnownLocation(currentLocation) {
		return nil
	}

	// candidates merges all sources; the strongest (probability, reason)
	// pair per location wins.
	candidates := make(map[string]LocationPrediction)
	consider := func(key string, probability float64, reason PredictionReason, detail string) {
		if key == "" || key == currentLocation {
			return
		}
		if probability > 1 {
			probability = 1
		}
		existing, ok := candidates[key]
		if ok {
			if probability < existing.Probability {
				return
			}
			if probability == existing.Probability && reasonRank[reason] >= reasonRank[existing.Reason] {
				return
			}
		}
		candidates[key] = LocationPrediction{
			LocationKey:  key,
			Probability:  probability,
			Reason:       reason,
			ReasonDetail: detail,
		}
	}

	// 1. Adjacency: directly connected exits.
	for _, exit := range p.state.ExitsFrom(currentLocation) {
		consider(exit, p.weights.Adjacent, ReasonAdjacent, "connected exit")
	}

	// 2. Quest targets.
	for _, target := range p.state.ActiveQuestTargets() {
		consider(target, p.weights.QuestTarget, ReasonQuestTarget, "active quest objective")
	}

	// 3. Recent mentions: state-side narration plus the caller's recent
	// action text when an extractor is configured.
	for _, key := range p.state.RecentlyMentioned(mentionLookback) {
		consider(key, p.weights.Mentioned, ReasonMentioned, "mentioned in recent narration")
	}
	if p.extractMentions != nil && len(recentActions) > 0 {
		for _, key := range p.extractMentions(recentActions) {
			consider(key, p.weights.Mentioned, ReasonMentioned, "mentioned in recent actions")
		}
	}

	// 4. Player home.
	if home := p.state.PlayerHome(); home != "" {
		consider(home, p.weights.Home, ReasonHome, "player home")
	}

	// 5. Frequently visited: top-K by session visit count.
	for _, fv := range topVisited(p.state.VisitCounts(), frequentTopK) {
		consider(fv.key, p.weights.Frequent, ReasonFrequent,
			fmt.Sprintf("visited %d times", fv.count))
	}

	// 6. Locations of recently referenced NPCs.
	for _, npc := range p.state.RecentlyReferencedNPCs(mentionLookback) {
		if loc := p.state.NPCLocation(npc); loc != "" {
			consider(loc, p.weights.NPCLocation, ReasonNPCLocation,
				fmt.Sprintf("location of %s", npc))
		}
	}

	predictions := make([]LocationPrediction, 0, len(candidates))
	for _, pred := range candidates {
		predictions = append(predictions, pred)
	}
	sort.Slice(predictions, func(i, j int) bool {
		a, b := predictions[i], predictions[j]
		if a.Probability != b.Probability {
			return a.Probability > b.Probability
		}
		if reasonRank[a.Reason] != reasonRank[b.Reason] {
			return reasonRank[a.Reason] < reasonRank[b.Reason]
		}
		return a.LocationKey < b.LocationKey
	})
	if len(predictions) > maxN {
		predictions = predictions[:maxN]
	}

	p.mu.Lock()
	p.totalPredicts++
	for _, pred := range predictions {
		p.byReason[pred.Reason]++
	}
	p.mu.Unlock()

	return predictions
}

// PredictorStats summarises prediction activity for diagnostics.
type PredictorStats struct {
	// Calls is the number of Predict invocations.
	Calls int64

	// ByReason counts emitted predictions per provenance tag.
	ByReason map[PredictionReason]int64
}

// Stats returns a copy of the predictor's diagnostic counters.
func (p *Predictor) Stats() PredictorStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	byReason := make(map[PredictionReason]int64, len(p.byReason))
	for reason, n := range p.byReason {
		byReason[reason] = n
	}
	return PredictorStats{Calls: p.totalPredicts, ByReason: byReason}
}

// visitedCount pairs a location with its visit count for top-K selection.
type visitedCount struct {
	key   string
	count int
}

// topVisited returns the k most-visited locations, counts descending, keys
// ascending on equal counts for deterministic output.
func topVisited(counts map[string]int, k int) []visitedCount {
	all := make([]visitedCount, 0, len(counts))
	for key, count := range counts {
		if count > 0 {
			all = append(all, visitedCount{key: key, count: count})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].key < all[j].key
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}
