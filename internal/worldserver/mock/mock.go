// Package mock provides test doubles for the worldserver ports.
//
// SceneGenerator and GameState let unit tests drive the anticipation core
// without an LLM backend or a real world model. All mutation of configurable
// fields should happen before the mock is handed to the code under test;
// call-recording methods are safe for concurrent use.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emberwake/emberwake/internal/worldserver"
)

// SceneGenerator is a mock implementation of [worldserver.SceneGenerator].
type SceneGenerator struct {
	// Scenes maps location keys to canned results. Keys absent from the map
	// get a minimal fabricated scene.
	Scenes map[string]*worldserver.PreGeneratedScene

	// Err, if non-nil, is returned from every GenerateScene call.
	Err error

	// Delay is slept before returning, honouring ctx cancellation. Used to
	// hold generations in flight while a test changes location.
	Delay time.Duration

	// GenerateFunc, if non-nil, replaces the canned behaviour entirely.
	GenerateFunc func(ctx context.Context, locationKey string) (*worldserver.PreGeneratedScene, error)

	// Release, if non-nil, blocks every call until the channel is closed (or
	// ctx ends). It gives tests precise control over when an in-flight
	// generation finishes.
	Release chan struct{}

	mu    sync.Mutex
	calls []string
}

// GenerateScene implements [worldserver.SceneGenerator].
func (g *SceneGenerator) GenerateScene(ctx context.Context, locationKey string) (*worldserver.PreGeneratedScene, error) {
	g.mu.Lock()
	g.calls = append(g.calls, locationKey)
	g.mu.Unlock()

	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.Release != nil {
		select {
		case <-g.Release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if g.GenerateFunc != nil {
		return g.GenerateFunc(ctx, locationKey)
	}
	if g.Err != nil {
		return nil, g.Err
	}
	if scene, ok := g.Scenes[locationKey]; ok {
		return scene, nil
	}
	return Scene(locationKey), nil
}

// Calls returns every generated location key in call order.
func (g *SceneGenerator) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	calls := make([]string, len(g.calls))
	copy(calls, g.calls)
	return calls
}

// CallCount returns the total number of GenerateScene invocations.
func (g *SceneGenerator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// CallsFor returns how many times locationKey was generated.
func (g *SceneGenerator) CallsFor(locationKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == locationKey {
			n++
		}
	}
	return n
}

// Scene fabricates a minimal fresh scene for locationKey.
func Scene(locationKey string) *worldserver.PreGeneratedScene {
	return &worldserver.PreGeneratedScene{
		LocationKey:         locationKey,
		LocationDisplayName: locationKey,
		SceneManifest:       map[string]any{"description": fmt.Sprintf("a scene at %s", locationKey)},
		Atmosphere:          map[string]any{"lighting": "dim"},
		GeneratedAt:         time.Now(),
	}
}

// Compile-time interface check.
var _ worldserver.SceneGenerator = (*SceneGenerator)(nil)

// GameState is a mock implementation of [worldserver.GameState]. The zero
// value knows no locations; populate the fields before use.
type GameState struct {
	// Exits maps location keys to their connected exits. A key's presence
	// also makes the location known.
	Exits map[string][]string

	// QuestTargets, Mentioned, Home, Visits, NPCLocations and NPCRefs feed
	// the corresponding prediction sources.
	QuestTargets []string
	Mentioned    []string
	Home         string
	Visits       map[string]int
	NPCLocations map[string]string
	NPCRefs      []string
}

// KnownLocation implements [worldserver.GameState].
func (s *GameState) KnownLocation(locationKey string) bool {
	_, ok := s.Exits[locationKey]
	return ok
}

// ExitsFrom implements [worldserver.GameState].
func (s *GameState) ExitsFrom(locationKey string) []string {
	return s.Exits[locationKey]
}

// ActiveQuestTargets implements [worldserver.GameState].
func (s *GameState) ActiveQuestTargets() []string {
	return s.QuestTargets
}

// RecentlyMentioned implements [worldserver.GameState].
func (s *GameState) RecentlyMentioned(k int) []string {
	if len(s.Mentioned) > k {
		return s.Mentioned[:k]
	}
	return s.Mentioned
}

// PlayerHome implements [worldserver.GameState].
func (s *GameState) PlayerHome() string {
	return s.Home
}

// VisitCounts implements [worldserver.GameState].
func (s *GameState) VisitCounts() map[string]int {
	return s.Visits
}

// NPCLocation implements [worldserver.GameState].
func (s *GameState) NPCLocation(npcKey string) string {
	return s.NPCLocations[npcKey]
}

// RecentlyReferencedNPCs implements [worldserver.GameState].
func (s *GameState) RecentlyReferencedNPCs(k int) []string {
	if len(s.NPCRefs) > k {
		return s.NPCRefs[:k]
	}
	return s.NPCRefs
}

// Compile-time interface check.
var _ worldserver.GameState = (*GameState)(nil)
