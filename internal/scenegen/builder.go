// Package scenegen implements the worldserver scene-generator port with an
// LLM-backed scene builder.
//
// The builder asks the model for a structured scene manifest — description,
// items, furniture, atmosphere — for a location, merges in the NPCs the
// world model places there, and packages the result as a
// [worldserver.PreGeneratedScene]. It is the dominant latency in the
// anticipation pipeline; everything else exists to hide this call.
package scenegen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/emberwake/emberwake/internal/gamestate"
	"github.com/emberwake/emberwake/internal/worldserver"
	"github.com/emberwake/emberwake/pkg/provider/llm"
)

const (
	defaultTemperature = 0.8
	defaultMaxTokens   = 1024
)

// systemPrompt frames the model as the scene director.
const systemPrompt = `You are the scene director of a narrative role-playing game.
Given a location, you produce a concrete scene: what the player sees, which
objects and furniture are present, and the ambient atmosphere. Respond with a
single JSON object and nothing else, using this shape:
{
  "description": "two or three sentences of scene-setting prose",
  "items": [{"name": "...", "description": "..."}],
  "furniture": [{"name": "...", "description": "..."}],
  "atmosphere": {"lighting": "...", "sounds": "...", "smells": "..."}
}`

// Config assembles a [Builder].
type Config struct {
	// Provider is the LLM backend. Required.
	Provider llm.Provider

	// World supplies display names and NPC placement. Required.
	World *gamestate.World

	// Temperature and MaxTokens tune the completion; zero values take the
	// package defaults.
	Temperature float64
	MaxTokens   int
}

// Builder generates scenes through an LLM provider. It implements
// [worldserver.SceneGenerator] and is safe for concurrent use.
type Builder struct {
	provider    llm.Provider
	world       *gamestate.World
	temperature float64
	maxTokens   int
}

// Compile-time interface check.
var _ worldserver.SceneGenerator = (*Builder)(nil)

// New creates a [Builder] from cfg.
func New(cfg Config) (*Builder, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("scenegen: builder requires an LLM provider")
	}
	if cfg.World == nil {
		return nil, fmt.Errorf("scenegen: builder requires a world model")
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Builder{
		provider:    cfg.Provider,
		world:       cfg.World,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// sceneManifest is the JSON shape requested from the model.
type sceneManifest struct {
	Description string           `json:"description"`
	Items       []map[string]any `json:"items"`
	Furniture   []map[string]any `json:"furniture"`
	Atmosphere  map[string]any   `json:"atmosphere"`
}

// GenerateScene implements [worldserver.SceneGenerator].
func (b *Builder) GenerateScene(ctx context.Context, locationKey string) (*worldserver.PreGeneratedScene, error) {
	start := time.Now()

	displayName := b.world.DisplayName(locationKey)
	npcs := b.world.NPCsAt(locationKey)

	resp, err := b.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: b.userPrompt(locationKey, displayName, npcs)},
		},
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("scenegen: generate %q: %w", locationKey, err)
	}

	manifest, err := parseManifest(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("scenegen: generate %q: %w", locationKey, err)
	}

	npcsPresent := make([]map[string]any, 0, len(npcs))
	for _, npc := range npcs {
		npcsPresent = append(npcsPresent, map[string]any{
			"key":  npc.Key,
			"name": npc.Name,
		})
	}

	generationTime := time.Since(start)
	return &worldserver.PreGeneratedScene{
		LocationKey:         locationKey,
		LocationDisplayName: displayName,
		SceneManifest: map[string]any{
			"description": manifest.Description,
			"items":       manifest.Items,
			"furniture":   manifest.Furniture,
			"atmosphere":  manifest.Atmosphere,
			"npcs":        npcsPresent,
		},
		NPCsPresent:    npcsPresent,
		ItemsPresent:   manifest.Items,
		Furniture:      manifest.Furniture,
		Atmosphere:     manifest.Atmosphere,
		GeneratedAt:    time.Now(),
		GenerationTime: generationTime,
	}, nil
}

// userPrompt renders the per-location request.
func (b *Builder) userPrompt(locationKey, displayName string, npcs []gamestate.NPCDef) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Location key: %s\nLocation name: %s\n", locationKey, displayName)
	if len(npcs) > 0 {
		sb.WriteString("Characters present: ")
		for i, npc := range npcs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(npc.Name)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Generate the scene manifest for the player entering this location.")
	return sb.String()
}

// parseManifest decodes the model's JSON reply, tolerating markdown code
// fences around the object.
func parseManifest(content string) (*sceneManifest, error) {
	trimmed := strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = after
	} else if after, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = after
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	trimmed = strings.TrimSpace(trimmed)

	var manifest sceneManifest
	if err := json.Unmarshal([]byte(trimmed), &manifest); err != nil {
		return nil, fmt.Errorf("parse scene manifest: %w", err)
	}
	if manifest.Description == "" {
		return nil, fmt.Errorf("parse scene manifest: missing description")
	}
	if manifest.Atmosphere == nil {
		manifest.Atmosphere = map[string]any{}
	}
	return &manifest, nil
}
