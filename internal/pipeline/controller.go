package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/store"
)

// Controller owns one playlist: it keeps the forward buffer filled,
// spawns a worker per song needing attention, retries failed songs
// while their budget lasts, reacts to steering and drains the playlist
// to closed when the consumer leaves. It is driven by bus events plus a
// periodic tick, so a dropped event only delays work by one tick.
type Controller struct {
	playlistID string
	deps       *Deps
	logger     zerolog.Logger

	mu        sync.Mutex
	workers   map[string]*Worker
	lastEpoch int
	lastStale int

	wg sync.WaitGroup
}

// NewController builds the controller for one playlist.
func NewController(deps *Deps, playlistID string) *Controller {
	return &Controller{
		playlistID: playlistID,
		deps:       deps,
		logger:     log.WithComponent("controller").With().Str("playlist_id", playlistID).Logger(),
		workers:    make(map[string]*Worker),
	}
}

// Run executes the control loop until ctx is cancelled, then waits for
// the playlist's workers to unwind.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info().Msg("controller started")
	metrics.ActiveControllers.Inc()
	defer func() {
		c.wg.Wait()
		c.settleStaleGauge(0)
		metrics.ActiveControllers.Dec()
		c.logger.Info().Msg("controller stopped")
	}()

	sub := c.deps.Bus.Subscribe(eventBuffer)
	defer func() { _ = sub.Close() }()

	ticker := time.NewTicker(c.deps.tickInterval())
	defer ticker.Stop()

	c.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		case <-ticker.C:
			c.reconcile(ctx)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev model.Event) {
	if ev.PlaylistID != c.playlistID {
		return
	}
	switch ev.Type {
	case model.EventSongCreated:
		c.spawn(ctx, ev.SongID)
	case model.EventPlaylistSteered:
		c.resortQueues(ctx)
		c.reconcile(ctx)
	case model.EventPlaylistHeartbeat, model.EventPlaylistStatusChanged:
		c.reconcile(ctx)
	}
}

// reconcile is one pass of the control loop: read the playlist and its
// work queue, adjust the playlist lifecycle, create buffer fill, retry
// what the budget allows and make sure every workable song has a worker.
func (c *Controller) reconcile(ctx context.Context) {
	p, err := c.deps.Store.GetPlaylist(ctx, c.playlistID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("load playlist failed")
		}
		return
	}
	wq, err := c.deps.Store.GetWorkQueue(ctx, c.playlistID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("load work queue failed")
		}
		return
	}

	c.observe(wq)
	if c.epochChanged(wq.CurrentEpoch) {
		c.resortQueues(ctx)
	}

	switch p.Status {
	case model.PlaylistActive:
		c.fillBuffer(ctx, p, wq)
	case model.PlaylistClosing:
		if wq.TransientCount == 0 {
			if err := c.deps.Store.SetPlaylistStatus(ctx, c.playlistID, model.PlaylistClosed); err != nil {
				c.logger.Warn().Err(err).Msg("close playlist failed")
			} else {
				c.logger.Info().Msg("playlist drained and closed")
			}
			return
		}
	default:
		return
	}

	c.retryErrored(ctx, wq.RetryPending)
	c.spawnWorkable(ctx, wq)
}

// fillBuffer creates the pending songs the buffer is short of. Oneshot
// playlists get a single song and start closing once it is generated.
func (c *Controller) fillBuffer(ctx context.Context, p *model.Playlist, wq *model.WorkQueue) {
	if p.Mode == model.ModeOneshot {
		if p.SongsGenerated > 0 {
			if err := c.deps.Store.SetPlaylistStatus(ctx, c.playlistID, model.PlaylistClosing); err != nil {
				c.logger.Warn().Err(err).Msg("begin oneshot close failed")
			}
			return
		}
		if wq.TotalSongs == 0 {
			c.createSongs(ctx, p, wq, 1)
		}
		return
	}
	if wq.BufferDeficit > 0 {
		c.createSongs(ctx, p, wq, wq.BufferDeficit)
	}
}

func (c *Controller) createSongs(ctx context.Context, p *model.Playlist, wq *model.WorkQueue, count int) {
	created, err := c.deps.Store.CreatePendingSongs(ctx, c.playlistID, p.PromptEpoch, wq.MaxOrderIndex, count)
	if err != nil {
		c.logger.Error().Err(err).Int("count", count).Msg("create pending songs failed")
		return
	}
	c.logger.Info().
		Int("count", len(created)).
		Int("epoch", p.PromptEpoch).
		Float64("first_index", wq.MaxOrderIndex+1).
		Msg("buffer fill created")
	for i := range created {
		c.spawn(ctx, created[i].ID)
	}
}

// retryErrored requeues retry_pending songs at the step they failed in.
// MarkError already spent the attempt, so this just reopens the song and
// hands it to a worker; after the third failure the store parks it in
// error and it no longer shows up here.
func (c *Controller) retryErrored(ctx context.Context, retryPending []model.Song) {
	for i := range retryPending {
		sg := &retryPending[i]
		to, err := c.deps.Store.RetryErrored(ctx, sg.ID)
		if err != nil {
			if !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
				c.logger.Warn().Err(err).Str("song_id", sg.ID).Msg("retry failed")
			}
			continue
		}
		c.logger.Info().
			Str("song_id", sg.ID).
			Str("status", string(to)).
			Int("retry_count", sg.RetryCount).
			Msg("song requeued for retry")
		c.spawn(ctx, sg.ID)
	}
}

// spawnWorkable makes sure every song the work queue surfaces has a
// worker. Songs already owned by a registered worker are skipped; the
// worker entry logic sorts out half-done statuses.
func (c *Controller) spawnWorkable(ctx context.Context, wq *model.WorkQueue) {
	for _, group := range [][]model.Song{wq.Pending, wq.MetadataReady, wq.NeedsRecovery, wq.GeneratingAudio, wq.StaleSongs} {
		for i := range group {
			c.spawn(ctx, group[i].ID)
		}
	}
}

// spawn registers and starts a worker for the song unless one is already
// running. Workers deregister themselves when they return.
func (c *Controller) spawn(ctx context.Context, songID string) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if _, running := c.workers[songID]; running {
		c.mu.Unlock()
		return
	}
	w := NewWorker(c.deps, c.playlistID, songID)
	c.workers[songID] = w
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.workers, songID)
			c.mu.Unlock()
		}()
		w.Run(ctx)
	}()
}

// CancelSong aborts in-flight work for a song. The caller records the
// cancelled status; this only stops the machinery.
func (c *Controller) CancelSong(songID string) {
	c.mu.Lock()
	w := c.workers[songID]
	c.mu.Unlock()
	if w != nil {
		w.Cancel()
		return
	}
	c.deps.cancelEverywhere(songID)
}

// resortQueues recomputes the priority of every pending queue entry that
// belongs to this playlist. Running entries keep going; steering only
// reorders what has not started.
func (c *Controller) resortQueues(ctx context.Context) {
	p, err := c.deps.Store.GetPlaylist(ctx, c.playlistID)
	if err != nil {
		return
	}
	priorityOf := func(songID string) (int, bool) {
		sg, err := c.deps.Store.GetSong(ctx, songID)
		if err != nil || sg.PlaylistID != c.playlistID {
			return 0, false
		}
		return Priority(p, sg), true
	}
	c.deps.TextQueue.ResortPending(priorityOf)
	c.deps.ImageQueue.ResortPending(priorityOf)
	c.logger.Debug().Int("epoch", p.PromptEpoch).Msg("pending work reprioritized")
}

// epochChanged tracks the last seen steering epoch so a missed steer
// event still triggers a resort on the next tick.
func (c *Controller) epochChanged(epoch int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch == c.lastEpoch {
		return false
	}
	c.lastEpoch = epoch
	return true
}

// observe feeds the shared pipeline metrics. The stale gauge is global,
// so the controller contributes its delta instead of overwriting it.
func (c *Controller) observe(wq *model.WorkQueue) {
	metrics.BufferDeficit.Observe(float64(wq.BufferDeficit))
	c.settleStaleGauge(len(wq.StaleSongs))
}

func (c *Controller) settleStaleGauge(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := n - c.lastStale; d != 0 {
		metrics.StaleSongs.Add(float64(d))
	}
	c.lastStale = n
}
