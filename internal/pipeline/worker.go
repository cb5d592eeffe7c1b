package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/covercache"
	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/store"
)

// RunStatus is a worker's terminal outcome, used for logging and metrics.
type RunStatus string

const (
	// RunCompleted covers every outcome the worker settled in the store:
	// ready, retry_pending, a revert, or finding nothing left to do.
	RunCompleted RunStatus = "completed"
	// RunCancelled means the worker bowed out without store writes.
	RunCancelled RunStatus = "cancelled"
	// RunFailed means a store write the worker needed did not land.
	RunFailed RunStatus = "failed"
)

// persistTimeout bounds the store writes that must land even while the
// surrounding context is on its way out.
const persistTimeout = 5 * time.Second

// Worker drives a single song through its lifecycle. It enters at
// whatever status the song is in, reverts half-done statuses to their
// step boundary, and runs the remaining steps in order. Every status
// move is an atomic store transition, so two workers racing over one
// song resolve to exactly one doing the work.
type Worker struct {
	songID     string
	playlistID string
	deps       *Deps
	logger     zerolog.Logger

	aborted atomic.Bool
}

// NewWorker builds a worker for one song. Run does the work; Cancel
// aborts it.
func NewWorker(deps *Deps, playlistID, songID string) *Worker {
	return &Worker{
		songID:     songID,
		playlistID: playlistID,
		deps:       deps,
		logger: log.WithComponent("worker").With().
			Str("playlist_id", playlistID).
			Str("song_id", songID).Logger(),
	}
}

// Cancel flags the worker as aborted and purges its queue entries. The
// worker finishes without further store writes; recording the cancelled
// status is the caller's job.
func (w *Worker) Cancel() {
	w.aborted.Store(true)
	w.deps.cancelEverywhere(w.songID)
}

// Run executes the song's remaining lifecycle steps and reports how the
// worker ended.
func (w *Worker) Run(ctx context.Context) RunStatus {
	ctx = log.ContextWithSongID(ctx, w.songID)
	st := w.run(ctx)
	metrics.IncWorkerOutcome(string(st))
	w.logger.Debug().Str("result", string(st)).Msg("worker finished")
	return st
}

func (w *Worker) run(ctx context.Context) RunStatus {
	sg, err := w.deps.Store.GetSong(ctx, w.songID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RunCancelled
		}
		w.logger.Error().Err(err).Msg("load song failed")
		return RunFailed
	}

	switch sg.Status {
	case model.StatusPending:
		return w.generateFromScratch(ctx)

	case model.StatusGeneratingMetadata:
		// A previous run died mid-claim; restart the step cleanly.
		if st, ok := w.revert(sg.Status, w.deps.Store.RevertToPending(ctx, w.songID)); !ok {
			return st
		}
		return w.generateFromScratch(ctx)

	case model.StatusMetadataReady:
		return w.generateAudio(ctx)

	case model.StatusSubmittingToAce:
		if st, ok := w.revert(sg.Status, w.deps.Store.RevertToMetadataReady(ctx, w.songID)); !ok {
			return st
		}
		return w.generateAudio(ctx)

	case model.StatusGeneratingAudio:
		if sg.AceTaskID == "" {
			// Submitted but never recorded a task; treat as lost.
			if st, ok := w.revert(sg.Status, w.deps.Store.RevertToMetadataReady(ctx, w.songID)); !ok {
				return st
			}
			return w.generateAudio(ctx)
		}
		return w.resumeAudio(ctx, sg)

	case model.StatusSaving:
		if st, ok := w.revert(sg.Status, w.deps.Store.RevertSavingToGeneratingAudio(ctx, w.songID)); !ok {
			return st
		}
		sg, err = w.deps.Store.GetSong(ctx, w.songID)
		if err != nil {
			w.logger.Error().Err(err).Msg("reload song failed")
			return RunFailed
		}
		return w.resumeAudio(ctx, sg)

	default:
		// ready, played, error, retry_pending, cancelled: nothing for a
		// worker to do.
		return RunCompleted
	}
}

// revert folds the outcome of an entry revert. A transition conflict
// means another worker moved the song first; bow out quietly.
func (w *Worker) revert(from model.SongStatus, err error) (RunStatus, bool) {
	if err == nil {
		w.logger.Info().Str("from", string(from)).Msg("song reverted to step boundary")
		return "", true
	}
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		return RunCompleted, false
	}
	w.logger.Error().Err(err).Str("from", string(from)).Msg("revert failed")
	return RunFailed, false
}

func (w *Worker) generateFromScratch(ctx context.Context) RunStatus {
	st, ok := w.generateMetadata(ctx)
	if !ok {
		return st
	}
	return w.generateAudio(ctx)
}

// generateMetadata claims the song and runs the text step. ok reports
// whether the song is now metadata_ready and the worker should continue
// into the audio step.
func (w *Worker) generateMetadata(ctx context.Context) (RunStatus, bool) {
	_, claimed, err := w.deps.Store.ClaimForMetadata(ctx, w.songID)
	if err != nil {
		w.logger.Error().Err(err).Msg("metadata claim failed")
		return RunFailed, false
	}
	if !claimed {
		return RunCompleted, false
	}

	sg, err := w.deps.Store.GetSong(ctx, w.songID)
	if err != nil {
		return w.fail(ctx, err, model.StatusGeneratingMetadata), false
	}
	p, err := w.deps.Store.GetPlaylist(ctx, w.playlistID)
	if err != nil {
		return w.fail(ctx, err, model.StatusGeneratingMetadata), false
	}
	wq, err := w.deps.Store.GetWorkQueue(ctx, w.playlistID)
	if err != nil {
		return w.fail(ctx, err, model.StatusGeneratingMetadata), false
	}
	settings, err := w.deps.Store.AllSettings(ctx)
	if err != nil {
		return w.fail(ctx, err, model.StatusGeneratingMetadata), false
	}

	gen, provider, modelName, err := w.deps.Generators.text(settings, p)
	if err != nil {
		return w.fail(ctx, err, model.StatusGeneratingMetadata), false
	}

	prompt := p.Prompt
	if sg.IsInterrupt && sg.InterruptPrompt != "" {
		prompt = sg.InterruptPrompt
	}
	params := generate.MetadataParams{
		Prompt:             prompt,
		Model:              modelName,
		Hints:              p.Hints,
		RecentSongs:        wq.RecentCompleted,
		RecentDescriptions: wq.RecentDescriptions,
		IsInterrupt:        sg.IsInterrupt,
		Distance:           generate.PickDistance(sg.IsInterrupt, p.Mode == model.ModeOneshot, w.deps.roll()),
	}
	recent := wq.RecentCompleted

	res, err := w.deps.TextQueue.Enqueue(ctx, queue.Request[*model.SongMetadata]{
		SongID:   w.songID,
		Priority: Priority(p, sg),
		Execute: func(ctx context.Context) (*model.SongMetadata, error) {
			md, err := gen.GenerateMetadata(ctx, params)
			if err != nil {
				return nil, err
			}
			if matchesRecent(md, recent) {
				w.logger.Debug().Str("title", md.Title).Msg("duplicate of a recent song, regenerating once")
				if again, retryErr := gen.GenerateMetadata(ctx, params); retryErr == nil {
					md = again
				}
			}
			return md, nil
		},
	})
	if err != nil {
		if w.abandoned(ctx, err) {
			return RunCancelled, false
		}
		return w.fail(ctx, err, model.StatusGeneratingMetadata), false
	}

	if err := w.deps.Store.CompleteMetadata(ctx, w.songID, *res.Value, res.ProcessingMs); err != nil {
		if w.aborted.Load() || errors.Is(err, store.ErrNotFound) {
			return RunCancelled, false
		}
		w.logger.Error().Err(err).Msg("complete metadata failed")
		return RunFailed, false
	}
	w.logger.Info().
		Str("title", res.Value.Title).
		Str("artist", res.Value.ArtistName).
		Str("provider", provider).
		Int64("processing_ms", res.ProcessingMs).
		Msg("metadata ready")
	return "", true
}

// matchesRecent reports whether the generated title or artist collides
// case-insensitively with a recently completed song.
func matchesRecent(md *model.SongMetadata, recent []model.RecentSong) bool {
	for _, r := range recent {
		if strings.EqualFold(md.Title, r.Title) || strings.EqualFold(md.ArtistName, r.ArtistName) {
			return true
		}
	}
	return false
}

// generateAudio claims the audio lane for the song, fires the cover step
// alongside, submits the task and waits out the polls.
func (w *Worker) generateAudio(ctx context.Context) RunStatus {
	claimed, err := w.deps.Store.ClaimForAudio(ctx, w.songID)
	if err != nil {
		w.logger.Error().Err(err).Msg("audio claim failed")
		return RunFailed
	}
	if !claimed {
		return RunCompleted
	}

	sg, err := w.deps.Store.GetSong(ctx, w.songID)
	if err != nil {
		return w.fail(ctx, err, model.StatusSubmittingToAce)
	}
	p, err := w.deps.Store.GetPlaylist(ctx, w.playlistID)
	if err != nil {
		return w.fail(ctx, err, model.StatusSubmittingToAce)
	}
	priority := Priority(p, sg)

	w.spawnCover(ctx, sg, priority)

	params := audioParams(sg, p.Hints)
	res, err := w.deps.AudioQueue.Submit(ctx, w.songID, priority,
		func(ctx context.Context) (string, error) {
			return w.deps.Generators.Audio.Submit(ctx, params)
		},
		func(taskID string) {
			// The task already exists on the service; its id must land
			// even if the caller is being torn down.
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
			defer cancel()
			if err := w.deps.Store.UpdateAceTask(pctx, w.songID, taskID); err != nil {
				w.logger.Error().Err(err).Str("task_id", taskID).Msg("persist audio task failed")
			} else {
				w.logger.Info().Str("task_id", taskID).Msg("audio task submitted")
			}
		})
	if err != nil {
		if w.abandoned(ctx, err) {
			return RunCancelled
		}
		return w.fail(ctx, err, model.StatusSubmittingToAce)
	}
	return w.settleAudio(ctx, res)
}

// resumeAudio re-enters the poll stage for a song that already has a
// task on the service, using the persisted submission time so the
// not-found grace window does not restart.
func (w *Worker) resumeAudio(ctx context.Context, sg *model.Song) RunStatus {
	submittedAt := time.Now()
	if sg.AceSubmittedAt != nil {
		submittedAt = *sg.AceSubmittedAt
	}
	w.logger.Info().Str("task_id", sg.AceTaskID).Msg("resuming audio poll")
	res, err := w.deps.AudioQueue.ResumePoll(ctx, w.songID, sg.AceTaskID, submittedAt)
	if err != nil {
		if w.abandoned(ctx, err) {
			return RunCancelled
		}
		return w.fail(ctx, err, model.StatusGeneratingAudio)
	}
	return w.settleAudio(ctx, res)
}

// settleAudio folds a terminal audio-lane result into the store.
func (w *Worker) settleAudio(ctx context.Context, res queue.AudioResult) RunStatus {
	switch res.Status {
	case queue.PollSucceeded:
		return w.finalize(ctx, res)
	case queue.PollFailed:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "audio generation failed"
		}
		return w.fail(ctx, errors.New(msg), model.StatusGeneratingAudio)
	case queue.PollNotFound:
		// Lost past the grace window; reset so a later attempt submits a
		// fresh task.
		if st, ok := w.revert(model.StatusGeneratingAudio, w.deps.Store.RevertToMetadataReady(ctx, w.songID)); !ok {
			return st
		}
		w.logger.Warn().Msg("audio task lost, song reset for resubmission")
		return RunCompleted
	default:
		w.logger.Error().Str("status", string(res.Status)).Msg("unexpected audio result")
		return RunFailed
	}
}

// finalize walks the ready edge: saving, archive to disk, mark ready.
// Archival trouble past the playable URL is logged but never blocks the
// song.
func (w *Worker) finalize(ctx context.Context, res queue.AudioResult) RunStatus {
	if err := w.deps.Store.UpdateStatus(ctx, w.songID, model.StatusSaving); err != nil {
		if w.aborted.Load() || errors.Is(err, store.ErrNotFound) {
			return RunCancelled
		}
		w.logger.Error().Err(err).Msg("enter saving failed")
		return RunFailed
	}

	sg, err := w.deps.Store.GetSong(ctx, w.songID)
	if err != nil {
		w.logger.Error().Err(err).Msg("reload song failed")
		return RunFailed
	}
	sg.AceAudioPath = res.AudioPath

	if rc, derr := w.deps.Generators.Audio.Download(ctx, res.AudioPath); derr != nil {
		metrics.IncArchiveFailure("download")
		w.logger.Error().Err(derr).Str("audio_path", res.AudioPath).Msg("audio download failed, song stays playable by url")
	} else {
		if _, aerr := w.deps.Archiver.Save(ctx, sg, rc, res.Duration); aerr != nil {
			w.logger.Error().Err(aerr).Msg("archive failed, song stays playable by url")
		}
		_ = rc.Close()
	}

	audioURL := w.deps.Generators.Audio.DownloadURL(res.AudioPath)
	if err := w.deps.Store.MarkReady(ctx, w.songID, audioURL, res.ProcessingMs); err != nil {
		if w.aborted.Load() || errors.Is(err, store.ErrNotFound) {
			return RunCancelled
		}
		w.logger.Error().Err(err).Msg("mark ready failed")
		return RunFailed
	}
	if err := w.deps.Store.IncrementSongsGenerated(ctx, w.playlistID); err != nil {
		w.logger.Warn().Err(err).Msg("songs-generated counter not bumped")
	}
	w.logger.Info().
		Str("title", sg.Title).
		Str("artist", sg.ArtistName).
		Int64("processing_ms", res.ProcessingMs).
		Msg("song ready")
	return RunCompleted
}

// spawnCover kicks off the cover render alongside the audio step. The
// cover is best-effort: it shares the song's priority on the image queue
// but its failure never touches the song's status.
func (w *Worker) spawnCover(ctx context.Context, sg *model.Song, priority int) {
	if sg.CoverPrompt == "" || sg.CoverURL != "" {
		return
	}
	song := *sg
	go func() {
		if err := w.renderCover(ctx, &song, priority); err != nil && !w.abandoned(ctx, err) {
			w.logger.Warn().Err(err).Msg("cover render failed")
		}
	}()
}

func (w *Worker) renderCover(ctx context.Context, sg *model.Song, priority int) error {
	settings, err := w.deps.Store.AllSettings(ctx)
	if err != nil {
		return err
	}
	gen, modelName, enabled := w.deps.Generators.image(settings)
	if !enabled {
		return nil
	}

	res, err := w.deps.ImageQueue.Enqueue(ctx, queue.Request[*generate.CoverImage]{
		SongID:   w.songID,
		Priority: priority,
		Execute: func(ctx context.Context) (*generate.CoverImage, error) {
			return gen.GenerateCover(ctx, generate.CoverParams{
				Prompt: sg.CoverPrompt,
				Model:  modelName,
			})
		},
	})
	if err != nil {
		return err
	}
	img := res.Value
	if img == nil || len(img.Bytes) == 0 {
		return nil
	}

	w.deps.Covers.Put(w.songID, covercache.Cover{Bytes: img.Bytes, Format: img.Format})
	if err := w.deps.Store.UpdateCover(ctx, w.songID, coverPath(w.songID)); err != nil {
		return err
	}
	if err := w.deps.Store.UpdateCoverProcessingMs(ctx, w.songID, res.ProcessingMs); err != nil {
		return err
	}
	w.logger.Info().Int64("processing_ms", res.ProcessingMs).Msg("cover ready")
	return nil
}

// coverPath is the API route that serves a song's rendered cover.
func coverPath(songID string) string {
	return "/api/v1/songs/" + songID + "/cover"
}

// fail records a step failure through the retry policy and reports the
// resulting status. Aborted workers and dead contexts skip the write;
// cancellation is not an error.
func (w *Worker) fail(ctx context.Context, cause error, at model.SongStatus) RunStatus {
	if w.aborted.Load() || ctx.Err() != nil {
		return RunCancelled
	}
	to, err := w.deps.Store.MarkError(ctx, w.songID, cause.Error(), at)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
			return RunCancelled
		}
		w.logger.Error().Err(err).AnErr("cause", cause).Msg("mark error failed")
		return RunFailed
	}
	w.logger.Warn().Err(cause).
		Str("errored_at", string(at)).
		Str("status", string(to)).
		Msg("song step failed")
	return RunCompleted
}

// abandoned reports whether an enqueue error means the worker should bow
// out silently instead of recording a failure.
func (w *Worker) abandoned(ctx context.Context, err error) bool {
	if w.aborted.Load() {
		return true
	}
	if errors.Is(err, queue.ErrCancelled) || errors.Is(err, queue.ErrClosed) {
		return true
	}
	return ctx.Err() != nil
}

// audioParams maps song metadata and playlist hints onto one audio task.
func audioParams(sg *model.Song, hints model.GenerationHints) generate.AudioParams {
	p := generate.AudioParams{
		Caption:       sg.Caption,
		Lyrics:        sg.Lyrics,
		BPM:           sg.BPM,
		KeyScale:      sg.KeyScale,
		TimeSignature: sg.TimeSignature,
		AudioDuration: sg.AudioDuration,
		Format:        "mp3",
	}
	if hints.InferenceSteps > 0 {
		p.InferenceSteps = hints.InferenceSteps
	}
	if hints.CFGScale > 0 {
		p.CFGScale = hints.CFGScale
	}
	return p
}
