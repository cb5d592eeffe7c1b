// Package archive writes finished songs into the on-disk music
// library: audio, cover, lyrics and a generation log under a readable
// genre/artist folder, plus an id-keyed link for lookups. Everything
// past the audio file is best-effort; a song stays playable through
// its audio URL even when archiving is incomplete.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/covercache"
	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
)

// Store is the subset of song writes the archiver performs.
type Store interface {
	UpdateStoragePath(ctx context.Context, songID, storagePath, aceAudioPath string) error
	UpdateAudioDuration(ctx context.Context, songID string, seconds float64) error
}

// Result reports which artifacts landed on disk.
type Result struct {
	Dir           string
	AudioBytes    int64
	CoverWritten  bool
	LyricsWritten bool
	LogWritten    bool
	Linked        bool
	Tagged        bool
}

const byIDDir = ".by-id"

// Archiver persists finished songs under a library root.
type Archiver struct {
	root   string
	store  Store
	covers covercache.Cache
	logger zerolog.Logger
}

// New creates an Archiver rooted at dir, creating the root and its
// id-lookup directory.
func New(dir string, store Store, covers covercache.Cache) (*Archiver, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: resolve root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, byIDDir), 0o755); err != nil {
		return nil, fmt.Errorf("archive: create library root: %w", err)
	}
	return &Archiver{
		root:   abs,
		store:  store,
		covers: covers,
		logger: log.WithComponent("archive"),
	}, nil
}

// Root returns the absolute library root.
func (a *Archiver) Root() string {
	return a.root
}

// SongDir returns the absolute folder a song archives into.
func (a *Archiver) SongDir(song *model.Song) string {
	return filepath.Join(a.root, songFolder(song))
}

// Save archives one finished song. audio streams the rendered bytes.
// effectiveDuration, when positive, records the service-reported
// length if it differs from the requested one.
//
// The returned error covers the folder, the audio file and the
// storage-path update; every other artifact failure is logged and
// reflected in Result only. Re-saving the same song replaces its
// artifacts in place.
func (a *Archiver) Save(ctx context.Context, song *model.Song, audio io.Reader, effectiveDuration float64) (Result, error) {
	var res Result

	dir := a.SongDir(song)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.IncArchiveFailure("folder")
		return res, fmt.Errorf("archive: create song folder: %w", err)
	}
	res.Dir = dir

	logger := log.WithContext(ctx, a.logger).With().
		Str(log.FieldStorageDir, dir).
		Logger()

	audioPath := filepath.Join(dir, audioFileName(song))
	n, err := writeAudio(audioPath, audio)
	if err != nil {
		metrics.IncArchiveFailure("audio")
		return res, fmt.Errorf("archive: write audio: %w", err)
	}
	res.AudioBytes = n

	var cover *covercache.Cover
	if c, ok := a.covers.Get(song.ID); ok {
		cover = &c
		if err := renameio.WriteFile(filepath.Join(dir, coverFileName(c.Format)), c.Bytes, 0o644); err != nil {
			metrics.IncArchiveFailure("cover")
			logger.Warn().Err(err).Msg("cover write failed")
		} else {
			res.CoverWritten = true
		}
	}

	if song.Lyrics != "" {
		if err := renameio.WriteFile(filepath.Join(dir, "lyrics.txt"), []byte(song.Lyrics), 0o644); err != nil {
			metrics.IncArchiveFailure("lyrics")
			logger.Warn().Err(err).Msg("lyrics write failed")
		} else {
			res.LyricsWritten = true
		}
	}

	if err := writeGenerationLog(dir, song); err != nil {
		metrics.IncArchiveFailure("log")
		logger.Warn().Err(err).Msg("generation log write failed")
	} else {
		res.LogWritten = true
	}

	if err := a.linkByID(song.ID, dir); err != nil {
		metrics.IncArchiveFailure("link")
		logger.Warn().Err(err).Msg("id link failed")
	} else {
		res.Linked = true
	}

	if strings.HasSuffix(audioPath, ".mp3") {
		if err := tagAudio(audioPath, song, cover); err != nil {
			metrics.IncArchiveFailure("id3")
			logger.Warn().Err(err).Msg("id3 tagging failed")
		} else {
			res.Tagged = true
		}
	}

	if err := a.store.UpdateStoragePath(ctx, song.ID, dir, song.AceAudioPath); err != nil {
		metrics.IncArchiveFailure("store")
		return res, fmt.Errorf("archive: record storage path: %w", err)
	}
	if effectiveDuration > 0 && effectiveDuration != song.AudioDuration {
		if err := a.store.UpdateAudioDuration(ctx, song.ID, effectiveDuration); err != nil {
			logger.Warn().Err(err).Msg("duration update failed")
		}
	}

	if res.CoverWritten {
		a.covers.Delete(song.ID)
	}

	logger.Info().
		Int64("audio_bytes", res.AudioBytes).
		Bool("cover", res.CoverWritten).
		Msg("song archived")
	return res, nil
}

// Lookup resolves a song id to its archived folder through the id
// link, following either a symlink or a plain pointer file. Targets
// resolving outside the library root are rejected.
func (a *Archiver) Lookup(songID string) (string, error) {
	link := filepath.Join(a.root, byIDDir, sanitizeSegment(songID))

	info, err := os.Lstat(link)
	if err != nil {
		return "", fmt.Errorf("archive: lookup %s: %w", songID, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(link)
		if err != nil {
			return "", fmt.Errorf("archive: lookup %s: %w", songID, err)
		}
		return a.confine(target)
	}

	raw, err := os.ReadFile(link)
	if err != nil {
		return "", fmt.Errorf("archive: lookup %s: %w", songID, err)
	}
	return a.confine(strings.TrimSpace(string(raw)))
}

// confine rejects paths outside the library root. Id links are plain
// files anything with disk access could rewrite; nothing read through
// them may escape the root.
func (a *Archiver) confine(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(a.root, path)
	if err != nil {
		return "", fmt.Errorf("archive: confine %s: %w", path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive: path escapes library root: %s", path)
	}
	return path, nil
}

func writeAudio(path string, audio io.Reader) (int64, error) {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, audio)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, fmt.Errorf("empty audio stream")
	}
	return n, pending.CloseAtomicallyReplace()
}

type generationRecord struct {
	ArchivedAt   time.Time   `json:"archivedAt"`
	AceAudioPath string      `json:"aceAudioPath,omitempty"`
	Song         *model.Song `json:"song"`
}

func writeGenerationLog(dir string, song *model.Song) error {
	record := generationRecord{
		ArchivedAt:   time.Now().UTC(),
		AceAudioPath: song.AceAudioPath,
		Song:         song,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, "generation.log"), data, 0o644)
}

// linkByID points .by-id/<songId> at the song folder. Symlinks can be
// unavailable, so a plain file holding the target path is the
// fallback.
func (a *Archiver) linkByID(songID, dir string) error {
	link := filepath.Join(a.root, byIDDir, sanitizeSegment(songID))
	_ = os.Remove(link)
	if err := os.Symlink(dir, link); err != nil {
		return renameio.WriteFile(link, []byte(dir), 0o644)
	}
	return nil
}

func audioFileName(song *model.Song) string {
	ext := strings.ToLower(filepath.Ext(song.AceAudioPath))
	switch ext {
	case ".mp3", ".wav", ".flac", ".ogg":
		return "audio" + ext
	default:
		return "audio.mp3"
	}
}

func coverFileName(format string) string {
	switch strings.ToLower(format) {
	case "", "png":
		return "cover.png"
	case "jpeg", "jpg":
		return "cover.jpg"
	default:
		return "cover." + strings.ToLower(format)
	}
}
