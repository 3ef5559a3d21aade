// Command emberwake runs a minimal narrative session over the anticipation
// engine: observe a location, read the scene, move — while likely next
// scenes are pre-generated in the background.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/emberwake/emberwake/internal/config"
	"github.com/emberwake/emberwake/internal/gamestate"
	"github.com/emberwake/emberwake/internal/location"
	"github.com/emberwake/emberwake/internal/observe"
	"github.com/emberwake/emberwake/internal/scenegen"
	"github.com/emberwake/emberwake/internal/worldserver"
	"github.com/emberwake/emberwake/pkg/provider/llm"
	"github.com/emberwake/emberwake/pkg/provider/llm/anyllm"
	"github.com/emberwake/emberwake/pkg/provider/llm/openai"

	"github.com/jackc/pgx/v5/pgxpool"
)

// recentActionWindow is how many player inputs feed the predictor.
const recentActionWindow = 5

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "emberwake: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "emberwake: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("emberwake starting",
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
		"anticipation_enabled", cfg.WorldServer.IsEnabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "emberwake",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── World model ───────────────────────────────────────────────────────────
	world, err := buildWorld(cfg)
	if err != nil {
		slog.Error("failed to build world", "err", err)
		return 1
	}

	// ── Location store ────────────────────────────────────────────────────────
	store, storeClose, err := buildLocationStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise location store", "err", err)
		return 1
	}
	defer storeClose()

	// ── LLM provider + scene builder ──────────────────────────────────────────
	reg := config.NewRegistry()
	registerLLMProviders(reg)

	provider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create LLM provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	builder, err := scenegen.New(scenegen.Config{Provider: provider, World: world})
	if err != nil {
		slog.Error("failed to create scene builder", "err", err)
		return 1
	}

	// ── Anticipation subsystem ────────────────────────────────────────────────
	manager, err := worldserver.NewManager(worldserver.ManagerConfig{
		Enabled:         cfg.WorldServer.IsEnabled(),
		State:           world,
		Generator:       builder,
		Locations:       store,
		Export:          observe.DefaultMetrics(),
		ExtractMentions: world.ExtractLocationMentions,
		CacheMaxSize:    cfg.WorldServer.CacheMaxSize,
		CacheExpiry:     secondsToDuration(cfg.WorldServer.CacheExpirySeconds),
		MaxWorkers:      cfg.WorldServer.MaxWorkers,
		MaxPredictions:  cfg.WorldServer.MaxPredictions,
		CheckInterval:   secondsToDuration(cfg.WorldServer.CheckIntervalSeconds),
	})
	if err != nil {
		slog.Error("failed to initialise world server", "err", err)
		return 1
	}
	defer manager.Shutdown()

	// ── Game loop ─────────────────────────────────────────────────────────────
	if err := gameLoop(ctx, cfg, world, manager); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("game loop error", "err", err)
		return 1
	}

	slog.Info("goodbye", "stats", manager.Stats().Metrics)
	return 0
}

// gameLoop runs the interactive session: observe, narrate, anticipate, move.
func gameLoop(ctx context.Context, cfg *config.Config, world *gamestate.World, manager *worldserver.Manager) error {
	current := cfg.Player.StartLocation
	turn := 1
	var recentActions []string

	fmt.Println("Commands: look | go <location> | stats | quit")

	observeLocation := func() error {
		result, err := manager.Collapse(ctx, current, turn)
		if err != nil {
			return fmt.Errorf("observe %q: %w", current, err)
		}
		printScene(result)
		world.RecordVisit(current)
		if desc, ok := result.NarratorManifest.SceneManifest["description"].(string); ok {
			world.RecordNarration(desc)
		}
		manager.TriggerAnticipation(ctx, current, recentActions)
		turn++
		return nil
	}

	if err := observeLocation(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("\n[%s] > ", world.DisplayName(current))
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		recentActions = append([]string{line}, recentActions...)
		if len(recentActions) > recentActionWindow {
			recentActions = recentActions[:recentActionWindow]
		}
		world.RecordNarration(line)

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "quit", "exit":
			return nil

		case "look":
			if err := observeLocation(); err != nil {
				return err
			}

		case "go":
			arg = strings.TrimSpace(arg)
			if !world.KnownLocation(arg) {
				fmt.Printf("No such place: %s\n", arg)
				continue
			}
			current = arg
			manager.OnLocationChange(current)
			if err := observeLocation(); err != nil {
				return err
			}

		case "stats":
			printStats(manager.Stats())

		default:
			fmt.Println("Commands: look | go <location> | stats | quit")
		}
	}
}

// printScene renders a collapse result for the terminal.
func printScene(result *worldserver.CollapseResult) {
	manifest := result.NarratorManifest

	fmt.Printf("\n── %s ──\n", manifest.LocationDisplayName)
	if desc, ok := manifest.SceneManifest["description"].(string); ok && desc != "" {
		fmt.Println(desc)
	}
	if len(manifest.NPCs) > 0 {
		names := make([]string, 0, len(manifest.NPCs))
		for _, npc := range manifest.NPCs {
			if name, ok := npc["name"].(string); ok {
				names = append(names, name)
			}
		}
		fmt.Printf("Present: %s\n", strings.Join(names, ", "))
	}

	if result.WasPreGenerated {
		fmt.Printf("(instant — pre-generated %.1fs ago, predicted via %s)\n",
			result.CacheAge.Seconds(), result.PredictionReason)
	} else {
		fmt.Printf("(generated in %.1fs)\n", result.GenerationTime.Seconds())
	}
}

// printStats renders anticipation statistics for the terminal.
func printStats(stats worldserver.Stats) {
	m := stats.Metrics
	fmt.Printf("enabled=%v hit_rate=%.0f%% hits=%d misses=%d\n",
		stats.Enabled, m.HitRate()*100, m.CacheHits, m.CacheMisses)
	fmt.Printf("generations: started=%d completed=%d failed=%d expired=%d wasted=%d (waste %.0f%%)\n",
		m.GenerationsStarted, m.GenerationsCompleted, m.GenerationsFailed,
		m.GenerationsExpired, m.GenerationsWasted, m.WasteRate()*100)
	fmt.Printf("avg generation %.1fs, avg hit latency %s\n",
		m.AvgGenerationTime().Seconds(), m.AvgCacheHitLatency())
	fmt.Printf("predictor: %d calls, by reason %v\n", stats.Predictor.Calls, stats.Predictor.ByReason)
}

// buildWorld assembles the gamestate read model from config.
func buildWorld(cfg *config.Config) (*gamestate.World, error) {
	worldCfg := gamestate.Config{Home: cfg.Player.HomeLocation}
	for _, loc := range cfg.World.Locations {
		worldCfg.Locations = append(worldCfg.Locations, gamestate.LocationDef{
			Key:         loc.Key,
			DisplayName: loc.DisplayName,
			Exits:       loc.Exits,
		})
	}
	for _, npc := range cfg.World.NPCs {
		worldCfg.NPCs = append(worldCfg.NPCs, gamestate.NPCDef{
			Key:      npc.Key,
			Name:     npc.Name,
			Location: npc.Location,
		})
	}
	for _, quest := range cfg.World.Quests {
		worldCfg.Quests = append(worldCfg.Quests, gamestate.QuestDef{
			Name:            quest.Name,
			TargetLocations: quest.TargetLocations,
		})
	}
	return gamestate.New(worldCfg)
}

// buildLocationStore selects postgres or in-memory persistence and seeds the
// world's location records.
func buildLocationStore(ctx context.Context, cfg *config.Config) (location.Store, func(), error) {
	var store location.Store
	closeFn := func() {}

	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := location.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store = pg
		closeFn = pool.Close
		slog.Info("location store ready", "backend", "postgres")
	} else {
		store = location.NewMemStore()
		slog.Info("location store ready", "backend", "memory")
	}

	for _, loc := range cfg.World.Locations {
		displayName := loc.DisplayName
		if displayName == "" {
			displayName = loc.Key
		}
		if err := store.Upsert(ctx, location.Location{Key: loc.Key, DisplayName: displayName}); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("seed location %q: %w", loc.Key, err)
		}
	}

	return store, closeFn, nil
}

// registerLLMProviders wires the built-in LLM backends into the registry.
func registerLLMProviders(reg *config.Registry) {
	anyllmBacked := []string{
		"anthropic", "gemini", "ollama", "deepseek",
		"mistral", "groq", "llamacpp", "llamafile",
	}
	for _, name := range anyllmBacked {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(entry.Name, entry.Model, opts...)
		})
	}

	// OpenAI goes through the native SDK.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return openai.New(apiKey, entry.Model, opts...)
	})
}

// secondsToDuration converts a fractional-seconds config value.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
