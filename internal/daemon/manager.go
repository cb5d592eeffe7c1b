package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerConfig bounds the HTTP listener. The write timeout does not
// affect the WebSocket event stream: the upgrade hijacks the
// connection and clears its deadlines.
type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns the listener defaults for addr.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		ListenAddr:      addr,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ShutdownHook is one named cleanup step run during graceful shutdown.
type ShutdownHook func(ctx context.Context) error

// Manager runs the daemon: one HTTP server, one pipeline engine, and
// an ordered set of shutdown hooks.
type Manager interface {
	// Start launches the engine and HTTP server and blocks until ctx
	// is cancelled or a subsystem fails.
	Start(ctx context.Context) error

	// Shutdown stops the server, then runs hooks newest-first.
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook adds a named cleanup step. Hooks run in
	// reverse registration order.
	RegisterShutdownHook(name string, hook ShutdownHook)
}

const (
	phaseNew = iota
	phaseRunning
	phaseStopping
)

type manager struct {
	serverCfg ServerConfig
	deps      Deps
	logger    zerolog.Logger

	apiServer *http.Server

	mu    sync.Mutex
	phase int
	hooks []namedHook
}

// namedHook pairs a hook with the name used in shutdown logs.
type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager validates deps and builds the daemon manager.
func NewManager(serverCfg ServerConfig, deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return &manager{
		serverCfg: serverCfg,
		deps:      deps,
		logger:    deps.Logger.With().Str("component", "daemon").Logger(),
	}, nil
}

func (m *manager) Start(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}

	m.logger.Info().
		Str("listen", m.serverCfg.ListenAddr).
		Dur("shutdown_timeout", m.serverCfg.ShutdownTimeout).
		Msg("daemon starting")

	fail := make(chan error, 2)

	// The engine hook lands after the caller's hooks, so LIFO shutdown
	// drains workers before any store or cache closes.
	m.RegisterShutdownHook("engine_stop", m.launchEngine(ctx, fail))
	m.launchServer(fail)

	select {
	case err := <-fail:
		m.logger.Error().Err(err).Msg("subsystem failed, shutting down")
		if stopErr := m.Shutdown(ctx); stopErr != nil {
			return errors.Join(err, stopErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.Shutdown(ctx)
	}
}

// begin moves the manager into the running phase exactly once.
func (m *manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != phaseNew {
		return fmt.Errorf("daemon: manager already started")
	}
	m.phase = phaseRunning
	return nil
}

// launchEngine runs the pipeline engine in the background and returns
// the hook that cancels and drains it.
func (m *manager) launchEngine(ctx context.Context, fail chan<- error) ShutdownHook {
	engineCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)

	go func() {
		err := m.deps.Engine.Run(engineCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("pipeline engine failed")
			fail <- fmt.Errorf("pipeline engine: %w", err)
		}
		done <- err
	}()

	return func(shutdownCtx context.Context) error {
		stop()
		select {
		case <-shutdownCtx.Done():
			return fmt.Errorf("engine drain: %w", shutdownCtx.Err())
		case <-done:
			return nil
		}
	}
}

func (m *manager) launchServer(fail chan<- error) {
	m.apiServer = &http.Server{
		Addr:              m.serverCfg.ListenAddr,
		Handler:           m.deps.APIHandler,
		ReadTimeout:       m.serverCfg.ReadTimeout,
		ReadHeaderTimeout: m.serverCfg.ReadTimeout / 2,
		WriteTimeout:      m.serverCfg.WriteTimeout,
		IdleTimeout:       m.serverCfg.IdleTimeout,
		MaxHeaderBytes:    m.serverCfg.MaxHeaderBytes,
	}

	go func() {
		m.logger.Info().Str("addr", m.serverCfg.ListenAddr).Msg("api server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("api server failed")
			fail <- fmt.Errorf("api server: %w", err)
		}
	}()
}

func (m *manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	switch m.phase {
	case phaseStopping:
		m.mu.Unlock()
		return nil
	case phaseNew:
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.phase = phaseStopping
	hooks := m.hooks
	m.mu.Unlock()

	m.logger.Info().Msg("daemon stopping")

	// Detached from caller cancellation: shutdown finishes on its own clock.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.serverCfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		begun := time.Now()
		err := h.hook(drainCtx)
		if err != nil {
			m.logger.Error().Err(err).
				Str("hook", h.name).
				Dur("took", time.Since(begun)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", h.name).
			Dur("took", time.Since(begun)).
			Msg("shutdown hook done")
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Error().Int("errors", len(errs)).Msg("daemon stopped with errors")
		return err
	}
	m.logger.Info().Msg("daemon stopped")
	return nil
}

func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}
