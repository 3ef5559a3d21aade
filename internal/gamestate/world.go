// Package gamestate holds the in-memory read model of the game world that
// the anticipation predictor consumes: the location graph, quest targets,
// NPC placement, visit counts, and a rolling log of recently mentioned
// places and people.
//
// Mention tracking combines fast substring checks with phonetic matching so
// that narration like "head for the brokn flagon" still registers a
// reference to The Broken Flagon.
//
// All exported methods are goroutine-safe.
package gamestate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/emberwake/emberwake/internal/phonetic"
)

// recallLimit bounds the rolling mention and NPC-reference logs.
const recallLimit = 20

// maxNGram is the longest word n-gram tried during phonetic scanning.
// World names rarely exceed three words.
const maxNGram = 3

// LocationDef describes one location in the world graph.
type LocationDef struct {
	// Key is the session-unique location identifier.
	Key string

	// DisplayName is the human-readable name; defaults to Key.
	DisplayName string

	// Exits lists the keys of directly connected locations.
	Exits []string
}

// NPCDef describes one NPC and where they currently are.
type NPCDef struct {
	// Key is the session-unique NPC identifier.
	Key string

	// Name is the NPC's display name; defaults to Key.
	Name string

	// Location is the key of the location the NPC is at.
	Location string
}

// QuestDef describes a quest and the locations its objectives point at.
type QuestDef struct {
	// Name identifies the quest.
	Name string

	// TargetLocations lists location keys referenced by the objectives.
	TargetLocations []string

	// Completed quests contribute no prediction targets.
	Completed bool
}

// Config assembles a [World].
type Config struct {
	Locations []LocationDef
	NPCs      []NPCDef
	Quests    []QuestDef

	// Home is the player's home location key. Optional.
	Home string

	// Matcher is the phonetic matcher used for mention scanning.
	// Nil uses a default [phonetic.New] matcher.
	Matcher *phonetic.Matcher
}

// World is the in-memory game world read model.
type World struct {
	matcher *phonetic.Matcher

	mu        sync.RWMutex
	locations map[string]LocationDef
	npcs      map[string]NPCDef
	quests    []QuestDef
	home      string
	visits    map[string]int
	mentions  []string // location keys, most recent first
	npcRefs   []string // NPC keys, most recent first
}

// New builds a [World] from cfg. Exits, quest targets, NPC placements and
// the home location must all reference defined locations.
func New(cfg Config) (*World, error) {
	w := &World{
		matcher:   cfg.Matcher,
		locations: make(map[string]LocationDef, len(cfg.Locations)),
		npcs:      make(map[string]NPCDef, len(cfg.NPCs)),
		quests:    append([]QuestDef(nil), cfg.Quests...),
		home:      cfg.Home,
		visits:    make(map[string]int),
	}
	if w.matcher == nil {
		w.matcher = phonetic.New()
	}

	for _, loc := range cfg.Locations {
		if loc.Key == "" {
			return nil, fmt.Errorf("gamestate: location with empty key")
		}
		if loc.DisplayName == "" {
			loc.DisplayName = loc.Key
		}
		if _, dup := w.locations[loc.Key]; dup {
			return nil, fmt.Errorf("gamestate: duplicate location key %q", loc.Key)
		}
		w.locations[loc.Key] = loc
	}

	for _, loc := range cfg.Locations {
		for _, exit := range loc.Exits {
			if _, ok := w.locations[exit]; !ok {
				return nil, fmt.Errorf("gamestate: location %q has exit to undefined location %q", loc.Key, exit)
			}
		}
	}
	if cfg.Home != "" {
		if _, ok := w.locations[cfg.Home]; !ok {
			return nil, fmt.Errorf("gamestate: home location %q is undefined", cfg.Home)
		}
	}

	for _, npc := range cfg.NPCs {
		if npc.Key == "" {
			return nil, fmt.Errorf("gamestate: npc with empty key")
		}
		if npc.Name == "" {
			npc.Name = npc.Key
		}
		if npc.Location != "" {
			if _, ok := w.locations[npc.Location]; !ok {
				return nil, fmt.Errorf("gamestate: npc %q placed at undefined location %q", npc.Key, npc.Location)
			}
		}
		w.npcs[npc.Key] = npc
	}

	for _, quest := range cfg.Quests {
		for _, target := range quest.TargetLocations {
			if _, ok := w.locations[target]; !ok {
				return nil, fmt.Errorf("gamestate: quest %q targets undefined location %q", quest.Name, target)
			}
		}
	}

	return w, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Predictor read port
// ─────────────────────────────────────────────────────────────────────────────

// DisplayName returns the display name for key, or key itself when unknown.
func (w *World) DisplayName(key string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if loc, ok := w.locations[key]; ok {
		return loc.DisplayName
	}
	return key
}

// NPCsAt returns the NPCs currently at the given location.
func (w *World) NPCsAt(key string) []NPCDef {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var present []NPCDef
	for _, npc := range w.npcs {
		if npc.Location == key {
			present = append(present, npc)
		}
	}
	return present
}

// KnownLocation reports whether key is defined.
func (w *World) KnownLocation(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.locations[key]
	return ok
}

// ExitsFrom returns the exits of key, or nil for an unknown location.
func (w *World) ExitsFrom(key string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	loc, ok := w.locations[key]
	if !ok {
		return nil
	}
	return append([]string(nil), loc.Exits...)
}

// ActiveQuestTargets returns the target locations of unfinished quests.
func (w *World) ActiveQuestTargets() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var targets []string
	for _, quest := range w.quests {
		if quest.Completed {
			continue
		}
		targets = append(targets, quest.TargetLocations...)
	}
	return targets
}

// RecentlyMentioned returns up to k recently mentioned location keys, most
// recent first.
func (w *World) RecentlyMentioned(k int) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if k > len(w.mentions) {
		k = len(w.mentions)
	}
	return append([]string(nil), w.mentions[:k]...)
}

// PlayerHome returns the home location key, or "".
func (w *World) PlayerHome() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.home
}

// VisitCounts returns a copy of the per-location visit counts.
func (w *World) VisitCounts() map[string]int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	counts := make(map[string]int, len(w.visits))
	for key, n := range w.visits {
		counts[key] = n
	}
	return counts
}

// NPCLocation returns the location key of the given NPC, or "".
func (w *World) NPCLocation(npcKey string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.npcs[npcKey].Location
}

// RecentlyReferencedNPCs returns up to k recently referenced NPC keys, most
// recent first.
func (w *World) RecentlyReferencedNPCs(k int) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if k > len(w.npcRefs) {
		k = len(w.npcRefs)
	}
	return append([]string(nil), w.npcRefs[:k]...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutation
// ─────────────────────────────────────────────────────────────────────────────

// RecordVisit increments the visit count for key.
func (w *World) RecordVisit(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.locations[key]; ok {
		w.visits[key]++
	}
}

// MoveNPC relocates an NPC. Unknown NPCs or locations are ignored.
func (w *World) MoveNPC(npcKey, locationKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	npc, ok := w.npcs[npcKey]
	if !ok {
		return
	}
	if _, ok := w.locations[locationKey]; !ok {
		return
	}
	npc.Location = locationKey
	w.npcs[npcKey] = npc
}

// CompleteQuest marks the named quest completed; its targets stop feeding
// predictions.
func (w *World) CompleteQuest(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.quests {
		if w.quests[i].Name == name {
			w.quests[i].Completed = true
		}
	}
}

// RecordNarration scans one turn of narration or player input for location
// and NPC references and pushes them onto the rolling recall logs.
func (w *World) RecordNarration(text string) {
	locations := w.ScanLocations(text)
	npcs := w.scanNPCs(text)
	if len(locations) == 0 && len(npcs) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, key := range locations {
		w.mentions = pushRecent(w.mentions, key)
	}
	for _, key := range npcs {
		w.npcRefs = pushRecent(w.npcRefs, key)
	}
}

// ExtractLocationMentions scans free-form action lines for location
// references. It satisfies the predictor's mention-extractor hook.
func (w *World) ExtractLocationMentions(lines []string) []string {
	var keys []string
	seen := make(map[string]struct{})
	for _, line := range lines {
		for _, key := range w.ScanLocations(line) {
			if _, dup := seen[key]; !dup {
				keys = append(keys, key)
				seen[key] = struct{}{}
			}
		}
	}
	return keys
}

// ScanLocations returns the keys of locations referenced in text, found by
// case-insensitive substring match on the display name or key, with a
// phonetic pass over word n-grams for anything not caught directly.
func (w *World) ScanLocations(text string) []string {
	w.mu.RLock()
	names := make([]string, 0, len(w.locations)*2)
	byName := make(map[string]string, len(w.locations)*2)
	for key, loc := range w.locations {
		names = append(names, loc.DisplayName)
		byName[strings.ToLower(loc.DisplayName)] = key
		byName[strings.ToLower(key)] = key
	}
	w.mu.RUnlock()

	return w.scan(text, names, byName)
}

// scanNPCs returns the keys of NPCs referenced in text.
func (w *World) scanNPCs(text string) []string {
	w.mu.RLock()
	names := make([]string, 0, len(w.npcs)*2)
	byName := make(map[string]string, len(w.npcs)*2)
	for key, npc := range w.npcs {
		names = append(names, npc.Name)
		byName[strings.ToLower(npc.Name)] = key
		byName[strings.ToLower(key)] = key
	}
	w.mu.RUnlock()

	return w.scan(text, names, byName)
}

// scan is the shared reference detector: substring pass first, then phonetic
// n-gram matching for names not already found.
func (w *World) scan(text string, names []string, byName map[string]string) []string {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return nil
	}

	var found []string
	seen := make(map[string]struct{})
	add := func(key string) {
		if _, dup := seen[key]; !dup {
			found = append(found, key)
			seen[key] = struct{}{}
		}
	}

	// Direct pass: the name (or key) appears verbatim.
	for name, key := range byName {
		if strings.Contains(lower, name) {
			add(key)
		}
	}

	// Phonetic pass over n-grams for the rest. Grams shorter than 4 chars
	// are skipped — articles and prepositions would otherwise collide with
	// the short words inside multi-word names.
	words := strings.Fields(lower)
	for n := 1; n <= maxNGram; n++ {
		for i := 0; i+n <= len(words); i++ {
			gram := strings.Join(words[i:i+n], " ")
			if len(gram) < 4 {
				continue
			}
			if name, _, ok := w.matcher.Match(gram, names); ok {
				if key, known := byName[strings.ToLower(name)]; known {
					add(key)
				}
			}
		}
	}

	return found
}

// pushRecent prepends key to log, deduplicating and trimming to recallLimit.
func pushRecent(log []string, key string) []string {
	out := make([]string, 0, len(log)+1)
	out = append(out, key)
	for _, existing := range log {
		if existing != key {
			out = append(out, existing)
		}
	}
	if len(out) > recallLimit {
		out = out[:recallLimit]
	}
	return out
}
