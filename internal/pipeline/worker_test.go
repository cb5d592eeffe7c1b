package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
)

func TestWorkerHappyPath(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)
	e.audio.duration = 187.5
	rec := recordTransitions(t, e.bus)

	p := e.playlist(t, func(p *model.Playlist) {
		p.Hints = model.GenerationHints{InferenceSteps: 60, CFGScale: 4.5}
	})
	sg := e.pendingSong(t, p.ID)

	w := NewWorker(e.deps, p.ID, sg.ID)
	require.Equal(t, RunCompleted, w.Run(context.Background()))

	got := waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Equal(t, "task-1", got.AceTaskID)
	require.Equal(t, "http://ace.test/download?path=%2Foutputs%2Ftask-1.mp3", got.AudioURL)
	require.NotEmpty(t, got.StoragePath)
	require.Equal(t, "/outputs/task-1.mp3", got.AceAudioPath)
	require.NotNil(t, got.GenerationStartedAt)
	require.NotNil(t, got.GenerationCompletedAt)
	require.False(t, got.GenerationCompletedAt.Before(*got.GenerationStartedAt))
	require.InDelta(t, 187.5, got.AudioDuration, 0.001, "rendered duration should replace the requested one")

	audioFile := filepath.Join(got.StoragePath, "audio.mp3")
	payload, err := os.ReadFile(audioFile)
	require.NoError(t, err)
	require.Equal(t, []byte("ID3 not really an mp3"), payload)

	pl, err := e.store.GetPlaylist(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pl.SongsGenerated)

	params := e.audio.submittedParams()
	require.Len(t, params, 1)
	require.Equal(t, testMetadata(1).Caption, params[0].Caption)
	require.Equal(t, testMetadata(1).Lyrics, params[0].Lyrics)
	require.Equal(t, 60, params[0].InferenceSteps)
	require.InDelta(t, 4.5, params[0].CFGScale, 0.001)
	require.Equal(t, "mp3", params[0].Format)

	wantWalk := []string{
		"generating_metadata", "metadata_ready", "submitting_to_ace",
		"generating_audio", "saving", "ready",
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(wantWalk, rec.walk(sg.ID))
	}, waitFor, pollTick, "status walk mismatch: %v", rec.walk(sg.ID))
}

func TestWorkerClaimRaceRunsOnce(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			NewWorker(e.deps, p.ID, sg.ID).Run(context.Background())
		}()
	}
	wg.Wait()

	waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Equal(t, 1, e.text.callCount(), "exactly one worker may generate metadata")
	require.Equal(t, 1, e.audio.submitCount(), "exactly one worker may submit audio")

	pl, err := e.store.GetPlaylist(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pl.SongsGenerated)
}

func TestWorkerRegeneratesDuplicateMetadataOnce(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	p := e.playlist(t)

	// A completed song establishes the recent-title window.
	first := e.pendingSong(t, p.ID)
	e.walkToMetadataReady(t, first.ID)
	ok, err := e.store.ClaimForAudio(context.Background(), first.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.store.UpdateAceTask(context.Background(), first.ID, "t-first"))
	require.NoError(t, e.store.UpdateStatus(context.Background(), first.ID, model.StatusSaving))
	require.NoError(t, e.store.MarkReady(context.Background(), first.ID, "http://ace.test/first", 10))

	e.text.setScript(func(_ context.Context, call int, _ generate.MetadataParams) (*model.SongMetadata, error) {
		md := testMetadata(call)
		if call == 1 {
			md.Title = testMetadata(0).Title // collides with the seeded song
		}
		return md, nil
	})

	sg := e.pendingSong(t, p.ID, func(s *model.Song) { s.OrderIndex = 2 })
	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))

	got := waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Equal(t, 2, e.text.callCount(), "duplicate should trigger exactly one regeneration")
	require.Equal(t, testMetadata(2).Title, got.Title, "second result wins")
}

func TestWorkerMetadataFailuresSpendRetryBudget(t *testing.T) {
	e := newTestEnv(t)
	rec := recordTransitions(t, e.bus)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)

	e.text.setScript(func(context.Context, int, generate.MetadataParams) (*model.SongMetadata, error) {
		return nil, errors.New("llm exploded")
	})

	ctx := context.Background()
	for attempt := 1; attempt <= 3; attempt++ {
		require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(ctx))
		got := e.song(t, sg.ID)
		require.Equal(t, attempt, got.RetryCount)
		if attempt < 3 {
			require.Equal(t, model.StatusRetryPending, got.Status)
			to, err := e.store.RetryErrored(ctx, sg.ID)
			require.NoError(t, err)
			require.Equal(t, model.StatusPending, to)
		} else {
			require.Equal(t, model.StatusError, got.Status)
			require.Equal(t, "llm exploded", got.ErrorMessage)
			require.Equal(t, model.StatusGeneratingMetadata, got.ErroredAtStatus)
		}
	}

	wantWalk := []string{
		"generating_metadata", "retry_pending", "pending",
		"generating_metadata", "retry_pending", "pending",
		"generating_metadata", "error",
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(wantWalk, rec.walk(sg.ID))
	}, waitFor, pollTick, "status walk mismatch: %v", rec.walk(sg.ID))
}

func TestWorkerSubmitFailureRetriesFromMetadataReady(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	e.audio.setSubmitError(errors.New("ace rejected the task"))

	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))

	got := e.song(t, sg.ID)
	require.Equal(t, model.StatusRetryPending, got.Status)
	require.Equal(t, model.StatusSubmittingToAce, got.ErroredAtStatus)
	require.Equal(t, "ace rejected the task", got.ErrorMessage)

	// The retry re-enters at metadata_ready: no second metadata call.
	to, err := e.store.RetryErrored(context.Background(), sg.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusMetadataReady, to)

	e.audio.setSubmitError(nil)
	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Equal(t, 1, e.text.callCount())
}

func TestWorkerPollFailureMarksError(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	e.audio.setPollScript(func(string, int) (queue.PollResult, error) {
		return queue.PollResult{Status: queue.PollFailed, Error: "CUDA out of memory"}, nil
	})

	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))

	got := e.song(t, sg.ID)
	require.Equal(t, model.StatusRetryPending, got.Status)
	require.Equal(t, model.StatusGeneratingAudio, got.ErroredAtStatus)
	require.Equal(t, "CUDA out of memory", got.ErrorMessage)
}

func TestWorkerNotFoundWithinGraceKeepsPolling(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	e.audio.setPollScript(func(taskID string, n int) (queue.PollResult, error) {
		if n <= 2 {
			return queue.PollResult{Status: queue.PollNotFound}, nil
		}
		return queue.PollResult{Status: queue.PollSucceeded, AudioPath: "/outputs/" + taskID + ".mp3", Duration: 180}, nil
	})

	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	waitForStatus(t, e.store, sg.ID, model.StatusReady)
}

func TestWorkerLostTaskPastGraceResubmits(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	e.walkToGeneratingAudio(t, sg.ID, "T1")
	e.backdateSubmission(t, sg.ID, 3*time.Minute)

	e.audio.setPollScript(func(taskID string, _ int) (queue.PollResult, error) {
		if taskID == "T1" {
			return queue.PollResult{Status: queue.PollNotFound}, nil
		}
		return queue.PollResult{Status: queue.PollSucceeded, AudioPath: "/outputs/" + taskID + ".mp3", Duration: 180}, nil
	})

	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	got := e.song(t, sg.ID)
	require.Equal(t, model.StatusMetadataReady, got.Status)
	require.Empty(t, got.AceTaskID, "lost task id must be cleared")

	// The next attempt submits a fresh task and completes.
	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	got = waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Equal(t, "task-1", got.AceTaskID)
}

func TestWorkerResumesExistingTask(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	e.walkToGeneratingAudio(t, sg.ID, "T9")

	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))

	got := waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Equal(t, "T9", got.AceTaskID)
	require.Contains(t, got.AudioURL, "T9")
	require.Zero(t, e.audio.submitCount(), "resume must not submit a new task")
}

func TestWorkerRewindsSavingAndResumes(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)
	rec := recordTransitions(t, e.bus)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	e.walkToGeneratingAudio(t, sg.ID, "T3")
	require.NoError(t, e.store.UpdateStatus(context.Background(), sg.ID, model.StatusSaving))

	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))

	waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Zero(t, e.audio.submitCount())

	// Seeding walks the song to saving; the worker rewinds to
	// generating_audio, resumes the poll and finishes.
	wantWalk := []string{
		"generating_metadata", "metadata_ready", "submitting_to_ace",
		"generating_audio", "saving",
		"generating_audio", "saving", "ready",
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(wantWalk, rec.walk(sg.ID))
	}, waitFor, pollTick, "rewind walk mismatch: %v", rec.walk(sg.ID))
}

func TestWorkerRewindsHalfDoneMetadataClaim(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	_, ok, err := e.store.ClaimForMetadata(context.Background(), sg.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Equal(t, 1, e.text.callCount())
}

func TestWorkerCancelLeavesNoTrace(t *testing.T) {
	e := newTestEnv(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)

	started := make(chan struct{}, 1)
	e.text.setScript(func(ctx context.Context, _ int, _ generate.MetadataParams) (*model.SongMetadata, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	w := NewWorker(e.deps, p.ID, sg.ID)
	result := make(chan RunStatus, 1)
	go func() { result <- w.Run(context.Background()) }()

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("metadata step never started")
	}
	w.Cancel()

	select {
	case st := <-result:
		require.Equal(t, RunCancelled, st)
	case <-time.After(waitFor):
		t.Fatal("worker did not stop after cancel")
	}

	// No store writes past the claim: the song stays where cancel caught
	// it, for the caller to mark cancelled.
	got := e.song(t, sg.ID)
	require.Equal(t, model.StatusGeneratingMetadata, got.Status)
	require.Zero(t, got.RetryCount)
	require.Empty(t, got.ErrorMessage)

	st := e.deps.TextQueue.Status()
	require.Zero(t, st.Pending+st.Active, "queue entries must be purged on cancel")
}

func TestWorkerInterruptUsesOwnPrompt(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	var (
		mu     sync.Mutex
		params generate.MetadataParams
	)
	e.text.setScript(func(_ context.Context, call int, p generate.MetadataParams) (*model.SongMetadata, error) {
		mu.Lock()
		params = p
		mu.Unlock()
		return testMetadata(call), nil
	})

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID, func(s *model.Song) {
		s.IsInterrupt = true
		s.InterruptPrompt = "play something for a birthday"
	})

	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	waitForStatus(t, e.store, sg.ID, model.StatusReady)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "play something for a birthday", params.Prompt)
	require.True(t, params.IsInterrupt)
	require.Equal(t, generate.DistanceFaithful, params.Distance)
}

func TestWorkerNormalSongPromptDistance(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	var (
		mu     sync.Mutex
		params generate.MetadataParams
	)
	e.text.setScript(func(_ context.Context, call int, p generate.MetadataParams) (*model.SongMetadata, error) {
		mu.Lock()
		params = p
		mu.Unlock()
		return testMetadata(call), nil
	})

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	waitForStatus(t, e.store, sg.ID, model.StatusReady)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "late night synthwave", params.Prompt)
	require.Equal(t, generate.DistanceClose, params.Distance, "roll of 0.2 lands in the close bucket")
}

func TestWorkerPrefersProviderFromSettings(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	other := &stubText{}
	e.deps.Generators.Text["openrouter"] = other
	require.NoError(t, e.store.SetSetting(context.Background(), model.SettingTextProvider, "openrouter"))
	require.NoError(t, e.store.SetSetting(context.Background(), model.SettingTextModel, "anthropic/claude"))

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	waitForStatus(t, e.store, sg.ID, model.StatusReady)

	require.Equal(t, 1, other.callCount())
	require.Zero(t, e.text.callCount(), "playlist provider must lose to settings")
}

func TestWorkerRendersCover(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)
	require.NoError(t, e.store.SetSetting(context.Background(), model.SettingImageProvider, "comfyui"))

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	waitForStatus(t, e.store, sg.ID, model.StatusReady)

	wantURL := fmt.Sprintf("/api/v1/songs/%s/cover", sg.ID)
	require.Eventually(t, func() bool {
		return e.song(t, sg.ID).CoverURL == wantURL
	}, waitFor, pollTick, "cover url never recorded")
	require.Equal(t, 1, e.image.callCount())

	cover, ok := e.deps.Covers.Get(sg.ID)
	require.True(t, ok, "rendered cover should be cached for the API")
	require.Equal(t, "png", cover.Format)
}

func TestWorkerSkipsCoverWhenDisabled(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))

	got := waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Empty(t, got.CoverURL)
	require.Zero(t, e.image.callCount())
}

func TestWorkerCoverFailureNeverFailsSong(t *testing.T) {
	e := newTestEnv(t)
	e.startPolling(t)
	require.NoError(t, e.store.SetSetting(context.Background(), model.SettingImageProvider, "comfyui"))
	e.image.err = errors.New("comfyui down")

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))

	got := waitForStatus(t, e.store, sg.ID, model.StatusReady)
	require.Empty(t, got.CoverURL)
	require.Zero(t, got.RetryCount, "cover trouble must not touch the retry budget")
}

func TestWorkerNoopOnSettledSong(t *testing.T) {
	e := newTestEnv(t)

	p := e.playlist(t)
	sg := e.pendingSong(t, p.ID)
	_, err := e.store.MarkError(context.Background(), sg.ID, "boom", model.StatusGeneratingMetadata)
	require.NoError(t, err)

	require.Equal(t, RunCompleted, NewWorker(e.deps, p.ID, sg.ID).Run(context.Background()))
	require.Zero(t, e.text.callCount())

	got := e.song(t, sg.ID)
	require.Equal(t, model.StatusRetryPending, got.Status, "retry_pending waits for retryErrored, not a worker")
	require.Equal(t, 1, got.RetryCount, "worker must not spend the retry budget")
}
