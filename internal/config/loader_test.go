package config_test

import (
	"strings"
	"testing"

	"github.com/emberwake/emberwake/internal/config"
)

const validYAML = `
server:
  log_level: debug
providers:
  llm:
    name: anthropic
    model: claude-3-5-sonnet-latest
world_server:
  enabled: true
  cache_max_size: 5
  cache_expiry_seconds: 120
  max_workers: 2
  max_predictions: 3
  check_interval_seconds: 0.5
player:
  start_location: home
  home_location: home
world:
  locations:
    - key: home
      display_name: Hearthside Cottage
      exits: [tavern]
    - key: tavern
      display_name: The Broken Flagon
      exits: [home]
  npcs:
    - key: maren
      name: Maren
      location: tavern
  quests:
    - name: Find the merchant
      target_locations: [tavern]
`

// TestLoadFromReader_Valid verifies a complete config parses.
func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.Name != "anthropic" {
		t.Errorf("llm name = %q", cfg.Providers.LLM.Name)
	}
	if !cfg.WorldServer.IsEnabled() {
		t.Error("world server not enabled")
	}
	if cfg.WorldServer.CacheMaxSize != 5 {
		t.Errorf("cache_max_size = %d", cfg.WorldServer.CacheMaxSize)
	}
	if cfg.WorldServer.CheckIntervalSeconds != 0.5 {
		t.Errorf("check_interval_seconds = %v", cfg.WorldServer.CheckIntervalSeconds)
	}
	if len(cfg.World.Locations) != 2 || len(cfg.World.NPCs) != 1 || len(cfg.World.Quests) != 1 {
		t.Errorf("world sizes = %d/%d/%d", len(cfg.World.Locations), len(cfg.World.NPCs), len(cfg.World.Quests))
	}
}

// TestLoadFromReader_UnknownField verifies strict decoding rejects typos.
func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_lvl: debug\n"))
	if err == nil {
		t.Error("unknown field accepted")
	}
}

// TestWorldServerConfig_EnabledDefault verifies the kill switch defaults to
// true when omitted and honours an explicit false.
func TestWorldServerConfig_EnabledDefault(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("world_server:\n  cache_max_size: 3\n"))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if !cfg.WorldServer.IsEnabled() {
		t.Error("enabled should default to true")
	}

	cfg, err = config.LoadFromReader(strings.NewReader("world_server:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.WorldServer.IsEnabled() {
		t.Error("explicit enabled: false ignored")
	}
}

// TestValidate_Errors verifies the error cases produce joined failures.
func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\n",
			want: "log_level",
		},
		{
			name: "negative cache size",
			yaml: "world_server:\n  cache_max_size: -1\n",
			want: "cache_max_size",
		},
		{
			name: "dangling exit",
			yaml: "player:\n  start_location: home\nworld:\n  locations:\n    - key: home\n      exits: [nowhere]\n",
			want: "undefined location",
		},
		{
			name: "duplicate location key",
			yaml: "player:\n  start_location: home\nworld:\n  locations:\n    - key: home\n    - key: home\n",
			want: "duplicate",
		},
		{
			name: "missing start location",
			yaml: "world:\n  locations:\n    - key: home\n",
			want: "start_location",
		},
		{
			name: "npc at undefined location",
			yaml: "player:\n  start_location: home\nworld:\n  locations:\n    - key: home\n  npcs:\n    - key: maren\n      location: void\n",
			want: "undefined location",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
