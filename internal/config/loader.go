package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists known LLM provider names. [Validate] warns about
// unrecognised names rather than rejecting them — a third-party registry
// entry is legitimate.
var ValidLLMProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek",
	"mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown names.
	if name := cfg.Providers.LLM.Name; name != "" && !slices.Contains(ValidLLMProviders, name) {
		slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
			"name", name,
			"known", ValidLLMProviders,
		)
	}
	if cfg.Providers.LLM.Name == "" && len(cfg.World.Locations) > 0 {
		slog.Warn("no LLM provider configured; scene generation will not be available")
	}

	// World server tuning must stay positive where set.
	ws := cfg.WorldServer
	if ws.CacheMaxSize < 0 {
		errs = append(errs, fmt.Errorf("world_server.cache_max_size %d must not be negative", ws.CacheMaxSize))
	}
	if ws.CacheExpirySeconds < 0 {
		errs = append(errs, fmt.Errorf("world_server.cache_expiry_seconds %v must not be negative", ws.CacheExpirySeconds))
	}
	if ws.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("world_server.max_workers %d must not be negative", ws.MaxWorkers))
	}
	if ws.MaxPredictions < 0 {
		errs = append(errs, fmt.Errorf("world_server.max_predictions %d must not be negative", ws.MaxPredictions))
	}
	if ws.CheckIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("world_server.check_interval_seconds %v must not be negative", ws.CheckIntervalSeconds))
	}

	// World graph coherence.
	keysSeen := make(map[string]int, len(cfg.World.Locations))
	for i, loc := range cfg.World.Locations {
		prefix := fmt.Sprintf("world.locations[%d]", i)
		if loc.Key == "" {
			errs = append(errs, fmt.Errorf("%s.key is required", prefix))
			continue
		}
		if prev, dup := keysSeen[loc.Key]; dup {
			errs = append(errs, fmt.Errorf("%s.key %q is a duplicate of world.locations[%d]", prefix, loc.Key, prev))
		}
		keysSeen[loc.Key] = i
	}
	known := func(key string) bool {
		_, ok := keysSeen[key]
		return ok
	}
	for i, loc := range cfg.World.Locations {
		for _, exit := range loc.Exits {
			if !known(exit) {
				errs = append(errs, fmt.Errorf("world.locations[%d] (%q) has exit to undefined location %q", i, loc.Key, exit))
			}
		}
	}

	// NPCs
	for i, npc := range cfg.World.NPCs {
		prefix := fmt.Sprintf("world.npcs[%d]", i)
		if npc.Key == "" {
			errs = append(errs, fmt.Errorf("%s.key is required", prefix))
		}
		if npc.Location != "" && !known(npc.Location) {
			errs = append(errs, fmt.Errorf("%s (%q) placed at undefined location %q", prefix, npc.Key, npc.Location))
		}
	}

	// Quests
	for i, quest := range cfg.World.Quests {
		for _, target := range quest.TargetLocations {
			if !known(target) {
				errs = append(errs, fmt.Errorf("world.quests[%d] (%q) targets undefined location %q", i, quest.Name, target))
			}
		}
	}

	// Player anchors.
	if len(cfg.World.Locations) > 0 {
		if cfg.Player.StartLocation == "" {
			errs = append(errs, fmt.Errorf("player.start_location is required when a world is configured"))
		} else if !known(cfg.Player.StartLocation) {
			errs = append(errs, fmt.Errorf("player.start_location %q is undefined", cfg.Player.StartLocation))
		}
	}
	if cfg.Player.HomeLocation != "" && !known(cfg.Player.HomeLocation) {
		errs = append(errs, fmt.Errorf("player.home_location %q is undefined", cfg.Player.HomeLocation))
	}

	return errors.Join(errs...)
}
