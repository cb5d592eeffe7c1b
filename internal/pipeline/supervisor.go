package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/model"
)

// Supervisor is the engine's outer loop. It runs startup recovery once,
// then keeps exactly one controller per active or closing playlist and
// paces the audio queue's polling. Stopping the supervisor stops every
// controller but cancels no external audio task; a restart resumes
// their polls through recovery.
type Supervisor struct {
	deps   *Deps
	logger zerolog.Logger

	mu          sync.Mutex
	controllers map[string]*controllerHandle
}

type controllerHandle struct {
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor builds the supervisor over shared pipeline dependencies.
func NewSupervisor(deps *Deps) *Supervisor {
	return &Supervisor{
		deps:        deps,
		logger:      log.WithComponent("supervisor"),
		controllers: make(map[string]*controllerHandle),
	}
}

// Run recovers stranded songs, then reconciles controllers against the
// playlist table until ctx is cancelled. It returns once every
// controller has unwound.
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := Recover(ctx, s.deps.Store); err != nil {
		return fmt.Errorf("pipeline: startup recovery: %w", err)
	}

	sub := s.deps.Bus.Subscribe(eventBuffer)
	defer func() { _ = sub.Close() }()

	ticker := time.NewTicker(s.deps.tickInterval())
	defer ticker.Stop()

	s.logger.Info().Dur("tick", s.deps.tickInterval()).Msg("supervisor started")
	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				s.shutdown()
				return nil
			}
			s.handleEvent(ctx, ev)
		case <-ticker.C:
			s.deps.AudioQueue.TickPolls(ctx)
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev model.Event) {
	switch ev.Type {
	case model.EventPlaylistCreated,
		model.EventPlaylistStatusChanged,
		model.EventPlaylistHeartbeat,
		model.EventPlaylistDeleted:
		s.reconcile(ctx)
	}
}

// reconcile aligns the running controllers with the set of playlists
// that want one.
func (s *Supervisor) reconcile(ctx context.Context) {
	playlists, err := s.deps.Store.ListPlaylists(ctx, model.PlaylistActive, model.PlaylistClosing)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("list playlists failed")
		}
		return
	}
	want := make(map[string]bool, len(playlists))
	for _, p := range playlists {
		want[p.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range want {
		if _, running := s.controllers[id]; !running {
			s.startLocked(ctx, id)
		}
	}
	for id, h := range s.controllers {
		if !want[id] {
			h.cancel()
			delete(s.controllers, id)
			s.logger.Info().Str("playlist_id", id).Msg("controller retired")
		}
	}
}

func (s *Supervisor) startLocked(ctx context.Context, playlistID string) {
	cctx, cancel := context.WithCancel(ctx)
	h := &controllerHandle{
		ctrl:   NewController(s.deps, playlistID),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.controllers[playlistID] = h
	go func() {
		defer close(h.done)
		h.ctrl.Run(cctx)
	}()
}

// shutdown stops all controllers and waits for their workers to unwind.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	handles := make([]*controllerHandle, 0, len(s.controllers))
	for _, h := range s.controllers {
		handles = append(handles, h)
	}
	s.controllers = make(map[string]*controllerHandle)
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
	s.logger.Info().Msg("supervisor stopped")
}

// CancelSong aborts in-flight work for one song, wherever it is. The
// API layer records the cancelled status itself.
func (s *Supervisor) CancelSong(playlistID, songID string) {
	s.mu.Lock()
	h := s.controllers[playlistID]
	s.mu.Unlock()
	if h != nil {
		h.ctrl.CancelSong(songID)
		return
	}
	s.deps.cancelEverywhere(songID)
}
