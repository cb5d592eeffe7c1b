package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infinitune/infinitune/internal/model"
)

// seedCrashScene leaves one song in every worker-occupied status, the way
// a process kill would, plus settled songs that recovery must not touch.
type crashScene struct {
	midMetadata  *model.Song // generating_metadata
	midSubmit    *model.Song // submitting_to_ace
	midSave      *model.Song // saving, task retained
	polling      *model.Song // generating_audio with a task
	lostSubmit   *model.Song // generating_audio, task id never persisted
	settledReady *model.Song
	idlePending  *model.Song
}

func seedCrashScene(t *testing.T, e *env) crashScene {
	t.Helper()
	ctx := context.Background()
	p := e.playlist(t)
	var sc crashScene

	sc.midMetadata = e.pendingSong(t, p.ID, func(sg *model.Song) { sg.OrderIndex = 1 })
	_, claimed, err := e.store.ClaimForMetadata(ctx, sc.midMetadata.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	sc.midSubmit = e.pendingSong(t, p.ID, func(sg *model.Song) { sg.OrderIndex = 2 })
	e.walkToMetadataReady(t, sc.midSubmit.ID)
	ok, err := e.store.ClaimForAudio(ctx, sc.midSubmit.ID)
	require.NoError(t, err)
	require.True(t, ok)

	sc.midSave = e.pendingSong(t, p.ID, func(sg *model.Song) { sg.OrderIndex = 3 })
	e.walkToGeneratingAudio(t, sc.midSave.ID, "task-save")
	require.NoError(t, e.store.UpdateStatus(ctx, sc.midSave.ID, model.StatusSaving))

	sc.polling = e.pendingSong(t, p.ID, func(sg *model.Song) { sg.OrderIndex = 4 })
	e.walkToGeneratingAudio(t, sc.polling.ID, "task-live")

	// Crash between ACE accepting the submit and the task id landing in
	// the store: the status moved but the task is unknown.
	sc.lostSubmit = e.pendingSong(t, p.ID, func(sg *model.Song) { sg.OrderIndex = 5 })
	e.walkToMetadataReady(t, sc.lostSubmit.ID)
	ok, err = e.store.ClaimForAudio(ctx, sc.lostSubmit.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.store.UpdateStatus(ctx, sc.lostSubmit.ID, model.StatusGeneratingAudio))

	sc.settledReady = e.pendingSong(t, p.ID, func(sg *model.Song) { sg.OrderIndex = 6 })
	e.walkToGeneratingAudio(t, sc.settledReady.ID, "task-done")
	require.NoError(t, e.store.UpdateStatus(ctx, sc.settledReady.ID, model.StatusSaving))
	require.NoError(t, e.store.MarkReady(ctx, sc.settledReady.ID, "http://ace.test/done.mp3", 100))

	sc.idlePending = e.pendingSong(t, p.ID, func(sg *model.Song) { sg.OrderIndex = 7 })
	return sc
}

func TestRecoverRewindsOccupiedStatuses(t *testing.T) {
	e := newTestEnv(t)
	sc := seedCrashScene(t, e)

	stats, err := Recover(context.Background(), e.store)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ToPending)
	require.Equal(t, 2, stats.ToMetadataReady)
	require.Equal(t, 1, stats.ToGeneratingAudio)
	require.Equal(t, 1, stats.Resumable)

	got := e.song(t, sc.midMetadata.ID)
	require.Equal(t, model.StatusPending, got.Status)
	require.Nil(t, got.GenerationStartedAt)

	got = e.song(t, sc.midSubmit.ID)
	require.Equal(t, model.StatusMetadataReady, got.Status)

	// The save rewind keeps the task so polling can re-fetch the audio.
	got = e.song(t, sc.midSave.ID)
	require.Equal(t, model.StatusGeneratingAudio, got.Status)
	require.Equal(t, "task-save", got.AceTaskID)

	// A known task is resumable as-is: no rewind, nothing cleared.
	got = e.song(t, sc.polling.ID)
	require.Equal(t, model.StatusGeneratingAudio, got.Status)
	require.Equal(t, "task-live", got.AceTaskID)
	require.NotNil(t, got.AceSubmittedAt)

	// Without a task id the audio lane restarts from metadata_ready.
	got = e.song(t, sc.lostSubmit.ID)
	require.Equal(t, model.StatusMetadataReady, got.Status)
	require.Empty(t, got.AceTaskID)
	require.Nil(t, got.AceSubmittedAt)

	require.Equal(t, model.StatusReady, e.song(t, sc.settledReady.ID).Status)
	require.Equal(t, model.StatusPending, e.song(t, sc.idlePending.ID).Status)
}

func TestRecoverTwiceIsStable(t *testing.T) {
	e := newTestEnv(t)
	sc := seedCrashScene(t, e)

	_, err := Recover(context.Background(), e.store)
	require.NoError(t, err)

	// Everything is at a step boundary now; a second sweep only reports
	// the songs still holding live tasks.
	stats, err := Recover(context.Background(), e.store)
	require.NoError(t, err)
	require.Equal(t, 0, stats.ToPending)
	require.Equal(t, 0, stats.ToMetadataReady)
	require.Equal(t, 0, stats.ToGeneratingAudio)
	require.Equal(t, 2, stats.Resumable)

	require.Equal(t, model.StatusPending, e.song(t, sc.midMetadata.ID).Status)
	require.Equal(t, model.StatusGeneratingAudio, e.song(t, sc.midSave.ID).Status)
	require.Equal(t, "task-save", e.song(t, sc.midSave.ID).AceTaskID)
	require.Equal(t, model.StatusGeneratingAudio, e.song(t, sc.polling.ID).Status)
}
