package daemon

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/infinitune/infinitune/internal/config"
	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
)

// Settings is the slice of the store the reload path needs: runtime
// overrides set through the settings API win over file values.
type Settings interface {
	AllSettings(ctx context.Context) (map[string]string, error)
}

// App owns the long-lived runtime lifecycle (config watcher, reload
// wiring) and delegates server management to Manager.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	holder       *config.Holder
	settings     Settings
	textQueue    *queue.EndpointQueue[*model.SongMetadata]
	imageQueue   *queue.EndpointQueue[*generate.CoverImage]
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator.
func NewApp(logger zerolog.Logger, manager Manager, holder *config.Holder, settings Settings,
	textQueue *queue.EndpointQueue[*model.SongMetadata], imageQueue *queue.EndpointQueue[*generate.CoverImage]) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		holder:       holder,
		settings:     settings,
		textQueue:    textQueue,
		imageQueue:   imageQueue,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts the config watcher, reload listeners, and manager, and
// blocks until ctx ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// A watcher failure costs live reload, not startup.
	if a.holder != nil {
		if err := a.holder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", "config.watcher_failed").Msg("config watcher unavailable, live reload disabled")
		}
		// Settings overrides persisted in the store take effect at boot,
		// not only on the first reload.
		a.applyConfig(ctx, a.holder.Get())
	}

	// Reload-during-runtime wiring: apply reloadable knobs on every config swap.
	if a.holder != nil {
		applyCh := make(chan config.Config, 1)
		a.holder.RegisterListener(applyCh)

		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case cfg := <-applyCh:
					a.applyConfig(ctx, cfg)
				}
			}
		})
	}

	// SIGHUP trigger for manual reload.
	if a.holder != nil && a.reloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str("event", "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("reload signal received")

					if err := a.holder.Reload(context.Background()); err != nil {
						a.logger.Warn().
							Err(err).
							Str("event", "config.reload_failed").
							Msg("config reload failed")
					}
				}
			}
		})
	}

	// Main server lifecycle.
	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			_ = a.manager.Shutdown(context.Background())
		}
		return err
	})

	return g.Wait()
}

// applyConfig pushes the reloadable knobs into the running system:
// log level and endpoint queue concurrency. Generator endpoints and
// storage paths stay fixed until restart.
func (a *App) applyConfig(ctx context.Context, cfg config.Config) {
	if cfg.LogLevel != "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.GlobalLevel() {
			zerolog.SetGlobalLevel(level)
			a.logger.Info().Str("level", level.String()).Msg("log level changed")
		}
	}

	var settings map[string]string
	if a.settings != nil {
		s, err := a.settings.AllSettings(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("settings unavailable during reload, applying file values")
		} else {
			settings = s
		}
	}

	if a.textQueue != nil {
		a.textQueue.RefreshConcurrency(effectiveConcurrency(settings, model.SettingTextConcurrency, cfg.TextConcurrency))
	}
	if a.imageQueue != nil {
		a.imageQueue.RefreshConcurrency(effectiveConcurrency(settings, model.SettingImageConcurrency, cfg.ImageConcurrency))
	}
}

// effectiveConcurrency resolves a queue's concurrency: a valid settings
// override wins, otherwise the file value.
func effectiveConcurrency(settings map[string]string, key string, fileValue int) int {
	if raw, ok := settings[key]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 {
			return n
		}
	}
	return fileValue
}
