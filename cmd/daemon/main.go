package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/infinitune/infinitune/internal/api"
	"github.com/infinitune/infinitune/internal/archive"
	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/config"
	"github.com/infinitune/infinitune/internal/covercache"
	"github.com/infinitune/infinitune/internal/daemon"
	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/generate/acestep"
	"github.com/infinitune/infinitune/internal/generate/comfyui"
	"github.com/infinitune/infinitune/internal/generate/ollama"
	"github.com/infinitune/infinitune/internal/generate/openrouter"
	iflog "github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/pipeline"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/store"
	"github.com/infinitune/infinitune/internal/telemetry"
	"github.com/infinitune/infinitune/internal/version"
)

// maskURL strips credentials from a URL before it reaches a log line.
func maskURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsedURL.User = nil
	return parsedURL.String()
}

func main() {
	// Handle command-line flags
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "YAML config file path")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Bootstrap logging; the config file's level lands once the app
	// applies the loaded config.
	iflog.Configure(iflog.Config{
		Level:   "info",
		Service: "infinitune",
	})

	logger := iflog.WithComponent("daemon")

	// Root context ends on SIGINT or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Determine config path:
	// - Explicit via --config
	// - Otherwise auto-load ${INFINITUNE_DATA_DIR}/config.yaml if it exists (so UI-saved config persists)
	explicitConfigPath := strings.TrimSpace(*configPath)
	effectiveConfigPath := explicitConfigPath
	if effectiveConfigPath == "" {
		dataDir := strings.TrimSpace(config.ParseString("INFINITUNE_DATA_DIR", "./data"))
		if dataDir == "" {
			dataDir = "./data"
		}
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectiveConfigPath = autoPath
		}
	}

	// Config precedence: environment over file over defaults.
	loader := config.NewLoader(effectiveConfigPath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	if explicitConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", explicitConfigPath).
			Msg("loaded configuration from file")
	} else if effectiveConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file(auto)").
			Str("path", effectiveConfigPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("no config file, using environment and defaults")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Str("data_dir", cfg.DataDir).
			Msg("data directory is not writable")
	}

	// Tracing is a no-op provider when disabled.
	traceProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "infinitune",
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SampleRate,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "telemetry.init_failed").
			Msg("failed to initialise tracing")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.ListenAddr).
		Msg("starting infinitune")

	// Log key configuration
	logger.Info().Msgf("→ Text: ollama %s / openrouter %s (key: %v)",
		maskURL(cfg.Ollama.URL), maskURL(cfg.OpenRouter.URL), cfg.OpenRouter.APIKey != "")
	logger.Info().Msgf("→ Covers: comfyui %s (checkpoint: %s)", maskURL(cfg.ComfyUI.URL), cfg.ComfyUI.Checkpoint)
	logger.Info().Msgf("→ Audio: acestep %s", maskURL(cfg.AceStep.URL))
	if cfg.Redis.Addr != "" {
		logger.Info().Msgf("→ Cover cache: redis %s (ttl: %s)", cfg.Redis.Addr, cfg.CoverCacheTTL)
	} else {
		logger.Info().Msgf("→ Cover cache: in-memory (ttl: %s)", cfg.CoverCacheTTL)
	}
	logger.Info().Msgf("→ Data: %s", cfg.DataDir)
	logger.Info().Msgf("→ Library: %s", cfg.LibraryDir)

	// Hot reload support: watch config file and allow SIGHUP-triggered reload.
	holderPath := effectiveConfigPath
	if holderPath == "" {
		holderPath = filepath.Join(cfg.DataDir, "config.yaml")
	}
	holder := config.NewHolder(cfg, config.NewLoader(holderPath), holderPath)

	eventBus := bus.NewMemoryBus()

	st, err := store.New(cfg.DBPath, eventBus)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "store.open_failed").
			Str("db_path", cfg.DBPath).
			Msg("failed to open store")
	}

	covers := covercache.New(covercache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.CoverCacheTTL)

	archiver, err := archive.New(cfg.LibraryDir, st, covers)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "archive.init_failed").
			Str("library_dir", cfg.LibraryDir).
			Msg("failed to initialise song library")
	}

	aceClient := acestep.NewClient(cfg.AceStep.URL, generate.Options{})

	textQueue := queue.NewEndpointQueue[*model.SongMetadata]("text", cfg.TextConcurrency)
	imageQueue := queue.NewEndpointQueue[*generate.CoverImage]("image", cfg.ImageConcurrency)
	audioQueue := queue.NewAudioQueue(aceClient)

	openrouterClient := openrouter.NewClient(cfg.OpenRouter.URL, cfg.OpenRouter.APIKey, generate.Options{})

	engine := pipeline.NewSupervisor(&pipeline.Deps{
		Store:      st,
		Bus:        eventBus,
		TextQueue:  textQueue,
		ImageQueue: imageQueue,
		AudioQueue: audioQueue,
		Generators: pipeline.Generators{
			Text: map[string]generate.TextGenerator{
				"ollama":     ollama.NewClient(cfg.Ollama.URL, generate.Options{}),
				"openrouter": openrouterClient,
			},
			Image: map[string]generate.ImageGenerator{
				"comfyui": comfyui.New(comfyui.Config{
					BaseURL:    cfg.ComfyUI.URL,
					Checkpoint: cfg.ComfyUI.Checkpoint,
				}),
				"openrouter": openrouterClient,
			},
			Audio: aceClient,
		},
		Covers:   covers,
		Archiver: archiver,
		Tick:     cfg.Tick,
	})

	apiServer := api.New(api.Deps{
		Store:      st,
		Bus:        eventBus,
		Engine:     engine,
		TextQueue:  textQueue,
		ImageQueue: imageQueue,
		AudioQueue: audioQueue,
		Covers:     covers,
		RateLimit:  cfg.APIRateLimit,
	})

	// Create daemon manager
	mgr, err := daemon.NewManager(daemon.DefaultServerConfig(cfg.ListenAddr), daemon.Deps{
		Logger:     logger,
		APIHandler: apiServer.Router(),
		Engine:     engine,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.creation.failed").
			Msg("failed to create daemon manager")
	}

	// Hooks run LIFO after the engine stop hook, so workers have drained
	// before anything below closes.
	mgr.RegisterShutdownHook("telemetry_shutdown", traceProvider.Shutdown)
	mgr.RegisterShutdownHook("store_close", func(context.Context) error {
		return st.Close()
	})
	mgr.RegisterShutdownHook("covers_close", func(context.Context) error {
		return covers.Close()
	})
	mgr.RegisterShutdownHook("queues_close", func(context.Context) error {
		textQueue.Close()
		imageQueue.Close()
		audioQueue.Close()
		return nil
	})

	// Start daemon app (blocks until shutdown)
	app := daemon.NewApp(logger, mgr, holder, st, textQueue, imageQueue)
	if err := app.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.failed").
			Msg("daemon app failed")
	}

	logger.Info().Msg("server exiting")
}
