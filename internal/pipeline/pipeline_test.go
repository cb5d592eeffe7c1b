package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infinitune/infinitune/internal/archive"
	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/covercache"
	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/store"
)

const (
	waitFor  = 10 * time.Second
	pollTick = 10 * time.Millisecond
)

// env wires a real sqlite store to stubbed generation backends so the
// engine runs its full paths without external services.
type env struct {
	deps  *Deps
	store *store.Store
	bus   bus.Bus
	text  *stubText
	image *stubImage
	audio *stubAudio
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	b := bus.NewMemoryBus()
	st, err := store.New(filepath.Join(t.TempDir(), "infinitune.db"), b)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	covers := covercache.NewMemory(covercache.DefaultTTL)
	t.Cleanup(func() { _ = covers.Close() })

	arch, err := archive.New(t.TempDir(), st, covers)
	require.NoError(t, err)

	text := &stubText{}
	image := &stubImage{}
	audio := newStubAudio()

	deps := &Deps{
		Store:      st,
		Bus:        b,
		TextQueue:  queue.NewEndpointQueue[*model.SongMetadata]("text", 2),
		ImageQueue: queue.NewEndpointQueue[*generate.CoverImage]("image", 2),
		AudioQueue: queue.NewAudioQueue(audio),
		Generators: Generators{
			Text:  map[string]generate.TextGenerator{"ollama": text},
			Image: map[string]generate.ImageGenerator{"comfyui": image},
			Audio: audio,
		},
		Covers:   covers,
		Archiver: arch,
		Tick:     20 * time.Millisecond,
		Roll:     func() float64 { return 0.2 },
	}
	t.Cleanup(func() {
		deps.TextQueue.Close()
		deps.ImageQueue.Close()
		deps.AudioQueue.Close()
	})
	return &env{deps: deps, store: st, bus: b, text: text, image: image, audio: audio}
}

// startPolling drives the audio queue's polls the way the supervisor
// would. Worker and controller tests need it; supervisor tests do not.
func (e *env) startPolling(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				e.deps.AudioQueue.TickPolls(ctx)
			}
		}
	}()
}

func (e *env) playlist(t *testing.T, mutate ...func(*model.Playlist)) *model.Playlist {
	t.Helper()
	p := &model.Playlist{Prompt: "late night synthwave", LLMProvider: "ollama", LLMModel: "llama3"}
	for _, fn := range mutate {
		fn(p)
	}
	require.NoError(t, e.store.CreatePlaylist(context.Background(), p))
	return p
}

func (e *env) pendingSong(t *testing.T, playlistID string, mutate ...func(*model.Song)) *model.Song {
	t.Helper()
	sg := &model.Song{PlaylistID: playlistID, OrderIndex: 1}
	for _, fn := range mutate {
		fn(sg)
	}
	require.NoError(t, e.store.CreateSong(context.Background(), sg))
	return sg
}

func (e *env) song(t *testing.T, id string) *model.Song {
	t.Helper()
	sg, err := e.store.GetSong(context.Background(), id)
	require.NoError(t, err)
	return sg
}

// walkToMetadataReady drives a pending song through the real metadata
// transitions.
func (e *env) walkToMetadataReady(t *testing.T, songID string) {
	t.Helper()
	ctx := context.Background()
	_, ok, err := e.store.ClaimForMetadata(ctx, songID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.store.CompleteMetadata(ctx, songID, *testMetadata(0), 5))
}

// walkToGeneratingAudio additionally claims the audio lane and records a
// task id, leaving the song polling.
func (e *env) walkToGeneratingAudio(t *testing.T, songID, taskID string) {
	t.Helper()
	e.walkToMetadataReady(t, songID)
	ctx := context.Background()
	ok, err := e.store.ClaimForAudio(ctx, songID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.store.UpdateAceTask(ctx, songID, taskID))
}

// backdateSubmission rewrites when the song's audio task was submitted,
// for exercising the lost-task grace window.
func (e *env) backdateSubmission(t *testing.T, songID string, ago time.Duration) {
	t.Helper()
	_, err := e.store.DB.Exec(
		"UPDATE songs SET ace_submitted_at_ms = ? WHERE id = ?",
		time.Now().Add(-ago).UnixMilli(), songID)
	require.NoError(t, err)
}

func waitForStatus(t *testing.T, st *store.Store, songID string, want model.SongStatus) *model.Song {
	t.Helper()
	var sg *model.Song
	require.Eventuallyf(t, func() bool {
		var err error
		sg, err = st.GetSong(context.Background(), songID)
		return err == nil && sg.Status == want
	}, waitFor, pollTick, "song %s never reached %s", songID, want)
	return sg
}

func waitForPlaylistStatus(t *testing.T, st *store.Store, playlistID string, want model.PlaylistStatus) *model.Playlist {
	t.Helper()
	var p *model.Playlist
	require.Eventuallyf(t, func() bool {
		var err error
		p, err = st.GetPlaylist(context.Background(), playlistID)
		return err == nil && p.Status == want
	}, waitFor, pollTick, "playlist %s never reached %s", playlistID, want)
	return p
}

// transitionRecorder captures a song's status walk off the bus.
type transitionRecorder struct {
	sub bus.Subscriber

	mu    sync.Mutex
	walks map[string][]string
	done  chan struct{}
}

func recordTransitions(t *testing.T, b bus.Bus) *transitionRecorder {
	t.Helper()
	r := &transitionRecorder{
		sub:   b.Subscribe(256),
		walks: make(map[string][]string),
		done:  make(chan struct{}),
	}
	t.Cleanup(func() { _ = r.sub.Close() })
	go func() {
		defer close(r.done)
		for ev := range r.sub.C() {
			if ev.Type != model.EventSongStatusChanged {
				continue
			}
			r.mu.Lock()
			r.walks[ev.SongID] = append(r.walks[ev.SongID], ev.To)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *transitionRecorder) walk(songID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.walks[songID]))
	copy(out, r.walks[songID])
	return out
}

// stubText returns unique titles by default so the duplicate-retry path
// stays quiet unless a test opts in via fn.
type stubText struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, params generate.MetadataParams) (*model.SongMetadata, error)
}

func (s *stubText) GenerateMetadata(ctx context.Context, params generate.MetadataParams) (*model.SongMetadata, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, call, params)
	}
	return testMetadata(call), nil
}

func (s *stubText) setScript(fn func(ctx context.Context, call int, params generate.MetadataParams) (*model.SongMetadata, error)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *stubText) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testMetadata(n int) *model.SongMetadata {
	return &model.SongMetadata{
		Title:         fmt.Sprintf("Test Song %d", n),
		ArtistName:    fmt.Sprintf("Test Artist %d", n),
		Genre:         "Synthwave",
		SubGenre:      "Chillwave",
		Lyrics:        "[verse]\nneon skyline fading",
		Caption:       "dreamy synthwave, mellow pads",
		CoverPrompt:   "neon skyline album art",
		BPM:           96,
		KeyScale:      "A minor",
		TimeSignature: "4/4",
		AudioDuration: 180,
	}
}

type stubImage struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubImage) GenerateCover(_ context.Context, _ generate.CoverParams) (*generate.CoverImage, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &generate.CoverImage{Bytes: []byte("\x89PNG test cover"), Format: "png"}, nil
}

func (s *stubImage) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubAudio plays the audio service: sequential task ids, configurable
// poll script, canned download payload.
type stubAudio struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	params    []generate.AudioParams
	pollFn    func(taskID string, poll int) (queue.PollResult, error)
	polls     map[string]int
	duration  float64
	payload   []byte
}

func newStubAudio() *stubAudio {
	return &stubAudio{
		polls:    make(map[string]int),
		duration: 180,
		payload:  []byte("ID3 not really an mp3"),
	}
}

func (s *stubAudio) Submit(_ context.Context, params generate.AudioParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.submits++
	s.params = append(s.params, params)
	return fmt.Sprintf("task-%d", s.submits), nil
}

func (s *stubAudio) Poll(_ context.Context, taskID string) (queue.PollResult, error) {
	s.mu.Lock()
	s.polls[taskID]++
	n := s.polls[taskID]
	fn := s.pollFn
	dur := s.duration
	s.mu.Unlock()
	if fn != nil {
		return fn(taskID, n)
	}
	return queue.PollResult{Status: queue.PollSucceeded, AudioPath: "/outputs/" + taskID + ".mp3", Duration: dur}, nil
}

func (s *stubAudio) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return io.NopCloser(bytes.NewReader(s.payload)), nil
}

func (s *stubAudio) DownloadURL(audioPath string) string {
	return "http://ace.test/download?path=" + url.QueryEscape(audioPath)
}

func (s *stubAudio) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *stubAudio) submittedParams() []generate.AudioParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]generate.AudioParams, len(s.params))
	copy(out, s.params)
	return out
}

func (s *stubAudio) setPollScript(fn func(taskID string, poll int) (queue.PollResult, error)) {
	s.mu.Lock()
	s.pollFn = fn
	s.mu.Unlock()
}

func (s *stubAudio) setSubmitError(err error) {
	s.mu.Lock()
	s.submitErr = err
	s.mu.Unlock()
}
