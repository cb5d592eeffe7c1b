package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bogem/id3v2/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitune/infinitune/internal/covercache"
	"github.com/infinitune/infinitune/internal/model"
)

type storageCall struct {
	songID  string
	dir     string
	acePath string
}

type durationCall struct {
	songID  string
	seconds float64
}

type recordingStore struct {
	storageCalls  []storageCall
	durationCalls []durationCall
	storageErr    error
}

func (s *recordingStore) UpdateStoragePath(_ context.Context, songID, dir, acePath string) error {
	if s.storageErr != nil {
		return s.storageErr
	}
	s.storageCalls = append(s.storageCalls, storageCall{songID, dir, acePath})
	return nil
}

func (s *recordingStore) UpdateAudioDuration(_ context.Context, songID string, seconds float64) error {
	s.durationCalls = append(s.durationCalls, durationCall{songID, seconds})
	return nil
}

func testSong() *model.Song {
	return &model.Song{
		ID:            "song-1",
		PlaylistID:    "pl-1",
		Title:         "Neon Causeway",
		ArtistName:    "Velvet Array",
		Genre:         "Synthwave",
		SubGenre:      "Chillwave",
		Lyrics:        "city lights\nriver glow",
		AudioDuration: 180,
		AceAudioPath:  "/outputs/task-42.mp3",
	}
}

func newTestArchiver(t *testing.T) (*Archiver, *recordingStore, *covercache.Memory) {
	t.Helper()

	store := &recordingStore{}
	covers := covercache.NewMemory(time.Minute)
	t.Cleanup(func() { _ = covers.Close() })

	a, err := New(t.TempDir(), store, covers)
	require.NoError(t, err)
	return a, store, covers
}

func TestSaveFullArchive(t *testing.T) {
	a, store, covers := newTestArchiver(t)
	song := testSong()

	coverBytes := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	covers.Put(song.ID, covercache.Cover{Bytes: coverBytes, Format: "png"})

	payload := []byte("mp3 payload")
	res, err := a.Save(context.Background(), song, bytes.NewReader(payload), 187.4)
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)), res.AudioBytes)
	assert.True(t, res.CoverWritten)
	assert.True(t, res.LyricsWritten)
	assert.True(t, res.LogWritten)
	assert.True(t, res.Linked)
	assert.True(t, res.Tagged)

	wantDir := filepath.Join(a.Root(), "Synthwave", "Chillwave", "Velvet Array - Neon Causeway")
	assert.Equal(t, wantDir, res.Dir)

	audio, err := os.ReadFile(filepath.Join(res.Dir, "audio.mp3"))
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(audio, payload), "tagged audio keeps the payload")

	cover, err := os.ReadFile(filepath.Join(res.Dir, "cover.png"))
	require.NoError(t, err)
	assert.Equal(t, coverBytes, cover)

	lyrics, err := os.ReadFile(filepath.Join(res.Dir, "lyrics.txt"))
	require.NoError(t, err)
	assert.Equal(t, song.Lyrics, string(lyrics))

	raw, err := os.ReadFile(filepath.Join(res.Dir, "generation.log"))
	require.NoError(t, err)
	var record generationRecord
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, song.ID, record.Song.ID)
	assert.Equal(t, song.AceAudioPath, record.AceAudioPath)
	assert.False(t, record.ArchivedAt.IsZero())

	dir, err := a.Lookup(song.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Dir, dir)

	require.Len(t, store.storageCalls, 1)
	assert.Equal(t, storageCall{song.ID, res.Dir, song.AceAudioPath}, store.storageCalls[0])
	require.Len(t, store.durationCalls, 1)
	assert.Equal(t, durationCall{song.ID, 187.4}, store.durationCalls[0])

	// The cached cover is consumed once it is on disk.
	_, ok := covers.Get(song.ID)
	assert.False(t, ok)
}

func TestSaveWritesID3Tags(t *testing.T) {
	a, _, covers := newTestArchiver(t)
	song := testSong()

	coverBytes := []byte{0x89, 'P', 'N', 'G', 9, 9}
	covers.Put(song.ID, covercache.Cover{Bytes: coverBytes, Format: "png"})

	res, err := a.Save(context.Background(), song, bytes.NewReader([]byte("mp3 payload")), 0)
	require.NoError(t, err)
	require.True(t, res.Tagged)

	tag, err := id3v2.Open(filepath.Join(res.Dir, "audio.mp3"), id3v2.Options{Parse: true})
	require.NoError(t, err)
	defer func() { _ = tag.Close() }()

	assert.Equal(t, song.Title, tag.Title())
	assert.Equal(t, song.ArtistName, tag.Artist())
	assert.Equal(t, song.Genre, tag.Genre())

	frames := tag.GetFrames(tag.CommonID("Attached picture"))
	require.Len(t, frames, 1)
	pic, ok := frames[0].(id3v2.PictureFrame)
	require.True(t, ok)
	assert.Equal(t, coverBytes, pic.Picture)
	assert.Equal(t, "image/png", pic.MimeType)
}

func TestSaveWithoutCover(t *testing.T) {
	a, store, _ := newTestArchiver(t)
	song := testSong()

	res, err := a.Save(context.Background(), song, bytes.NewReader([]byte("mp3 payload")), 0)
	require.NoError(t, err)

	assert.False(t, res.CoverWritten)
	assert.True(t, res.Tagged)
	_, statErr := os.Stat(filepath.Join(res.Dir, "cover.png"))
	assert.True(t, os.IsNotExist(statErr))

	require.Len(t, store.storageCalls, 1)
	assert.Empty(t, store.durationCalls)
}

func TestSaveEmptyAudioFails(t *testing.T) {
	a, store, _ := newTestArchiver(t)
	song := testSong()

	res, err := a.Save(context.Background(), song, bytes.NewReader(nil), 0)
	require.ErrorContains(t, err, "empty audio stream")

	_, statErr := os.Stat(filepath.Join(res.Dir, "audio.mp3"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, store.storageCalls)
}

func TestSaveStoreErrorPropagates(t *testing.T) {
	a, store, _ := newTestArchiver(t)
	store.storageErr = errors.New("database is locked")
	song := testSong()

	res, err := a.Save(context.Background(), song, bytes.NewReader([]byte("mp3 payload")), 0)
	require.ErrorContains(t, err, "record storage path")

	// Artifacts still landed; only the pointer update failed.
	assert.True(t, res.LogWritten)
	_, statErr := os.Stat(filepath.Join(res.Dir, "audio.mp3"))
	assert.NoError(t, statErr)
}

func TestSaveIsIdempotent(t *testing.T) {
	a, store, _ := newTestArchiver(t)
	song := testSong()

	first, err := a.Save(context.Background(), song, bytes.NewReader([]byte("take one")), 0)
	require.NoError(t, err)

	second, err := a.Save(context.Background(), song, bytes.NewReader([]byte("take two, longer")), 0)
	require.NoError(t, err)
	assert.Equal(t, first.Dir, second.Dir)

	audio, err := os.ReadFile(filepath.Join(second.Dir, "audio.mp3"))
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(audio, []byte("take two, longer")))

	assert.Len(t, store.storageCalls, 2)

	dir, err := a.Lookup(song.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Dir, dir)
}

func TestSaveSkipsDurationWhenUnchanged(t *testing.T) {
	a, store, _ := newTestArchiver(t)
	song := testSong()

	_, err := a.Save(context.Background(), song, bytes.NewReader([]byte("mp3 payload")), song.AudioDuration)
	require.NoError(t, err)
	assert.Empty(t, store.durationCalls)
}

func TestSaveNonMP3SkipsTagging(t *testing.T) {
	a, _, _ := newTestArchiver(t)
	song := testSong()
	song.AceAudioPath = "/outputs/task-42.wav"

	res, err := a.Save(context.Background(), song, bytes.NewReader([]byte("wav payload")), 0)
	require.NoError(t, err)

	assert.False(t, res.Tagged)
	_, statErr := os.Stat(filepath.Join(res.Dir, "audio.wav"))
	assert.NoError(t, statErr)
}

func TestLookupUnknownSong(t *testing.T) {
	a, _, _ := newTestArchiver(t)
	_, err := a.Lookup("missing")
	require.Error(t, err)
}

func TestLookupFollowsSave(t *testing.T) {
	a, _, _ := newTestArchiver(t)
	song := testSong()

	res, err := a.Save(context.Background(), song, bytes.NewReader([]byte("ID3audio")), 0)
	require.NoError(t, err)

	dir, err := a.Lookup(song.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Dir, dir)
}

func TestLookupRejectsEscapedTarget(t *testing.T) {
	a, _, _ := newTestArchiver(t)

	// A pointer file rewritten to leave the library root must not
	// resolve.
	link := filepath.Join(a.Root(), byIDDir, "song-evil")
	require.NoError(t, os.WriteFile(link, []byte("/etc/passwd"), 0o644))

	_, err := a.Lookup("song-evil")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes library root")
}

func TestLookupRejectsRelativeTraversal(t *testing.T) {
	a, _, _ := newTestArchiver(t)

	link := filepath.Join(a.Root(), byIDDir, "song-up")
	require.NoError(t, os.WriteFile(link, []byte("../outside"), 0o644))

	_, err := a.Lookup("song-up")
	require.Error(t, err)
}
