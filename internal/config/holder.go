package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/log"
)

// debounceWindow coalesces the burst of filesystem events editors emit
// for a single save into one reload.
const debounceWindow = 500 * time.Millisecond

// Holder keeps the live configuration and reloads it from file on
// change. Reloads are atomic: a config that fails to load or validate
// is discarded and the previous one stays in effect.
type Holder struct {
	mu      sync.RWMutex
	current Config

	loader     *Loader
	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- Config
}

// NewHolder wraps an already-loaded configuration.
func NewHolder(initial Config, loader *Loader, configPath string) *Holder {
	return &Holder{
		current:    initial,
		loader:     loader,
		configPath: configPath,
		logger:     log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload loads the file again and swaps the result in. On any error the
// running configuration is untouched.
func (h *Holder) Reload(_ context.Context) error {
	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload rejected")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = newCfg
	h.mu.Unlock()

	h.notify(newCfg)
	h.logChanges(old, newCfg)
	h.logger.Info().Msg("configuration reloaded")
	return nil
}

// StartWatcher begins watching the config file, reloading on write. A
// holder without a file path never watches: env-only deployments change
// configuration by restarting.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().Msg("config watcher disabled, no config file")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", h.configPath, err)
	}
	h.watcher = watcher

	h.logger.Info().Str("path", h.configPath).Msg("watching config file")
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		_ = h.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("config watcher stopped")
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			// Write covers in-place edits; Create covers editors that
			// replace the file by rename.
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Msg("automatic config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// RegisterListener adds a channel that receives each successfully
// reloaded configuration. Sends are non-blocking; a full channel misses
// that reload.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg Config) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Msg("config listener channel full, reload notification skipped")
		}
	}
}

func (h *Holder) logChanges(old, newCfg Config) {
	if old.TextConcurrency != newCfg.TextConcurrency {
		h.logger.Info().Int("old", old.TextConcurrency).Int("new", newCfg.TextConcurrency).
			Msg("config changed: textConcurrency")
	}
	if old.ImageConcurrency != newCfg.ImageConcurrency {
		h.logger.Info().Int("old", old.ImageConcurrency).Int("new", newCfg.ImageConcurrency).
			Msg("config changed: imageConcurrency")
	}
	if old.Tick != newCfg.Tick {
		h.logger.Info().Dur("old", old.Tick).Dur("new", newCfg.Tick).
			Msg("config changed: tick (takes effect on restart)")
	}
	if old.LogLevel != newCfg.LogLevel {
		h.logger.Info().Str("old", old.LogLevel).Str("new", newCfg.LogLevel).
			Msg("config changed: logLevel (takes effect on restart)")
	}
	if old.APIRateLimit != newCfg.APIRateLimit {
		h.logger.Info().Int("old", old.APIRateLimit).Int("new", newCfg.APIRateLimit).
			Msg("config changed: apiRateLimit (takes effect on restart)")
	}
}
