// Package store owns all persisted state: playlists, songs and settings.
// Every mutation is a short transaction; typed events are emitted on the
// bus only after the write has committed.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/persistence/sqlite"
)

const schemaVersion = 2

var (
	// ErrNotFound signals an absent playlist or song on a required read.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition signals a status edge outside the lifecycle table.
	ErrInvalidTransition = errors.New("store: invalid transition")
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	DB     *sql.DB
	bus    bus.Bus
	logger zerolog.Logger
	now    func() time.Time
}

// New opens (or creates) the database at dbPath and runs migrations.
// An existing file gets a quick integrity check first: the daemon is
// routinely killed mid-write, and a corrupt database should be
// reported before migrations touch it. The bus may be nil; events are
// then discarded.
func New(dbPath string, b bus.Bus) (*Store, error) {
	logger := log.WithComponent("store")

	if _, err := os.Stat(dbPath); err == nil {
		problems, err := sqlite.VerifyIntegrity(dbPath, "quick")
		if err != nil {
			logger.Warn().Err(err).Msg("integrity check skipped")
		} else if len(problems) > 0 {
			return nil, fmt.Errorf("store: database failed integrity check: %s", strings.Join(problems, "; "))
		}
	}

	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{
		DB:     db,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS playlists (
		id TEXT PRIMARY KEY,
		playlist_key TEXT,
		prompt TEXT NOT NULL,
		llm_provider TEXT,
		llm_model TEXT,
		mode TEXT NOT NULL DEFAULT 'endless',
		hints_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'active',
		current_order_index REAL NOT NULL DEFAULT 0,
		songs_generated INTEGER NOT NULL DEFAULT 0,
		last_seen_at_ms INTEGER,
		prompt_epoch INTEGER NOT NULL DEFAULT 0,
		steer_history_json TEXT NOT NULL DEFAULT '[]',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_playlists_key ON playlists(playlist_key);
	CREATE INDEX IF NOT EXISTS idx_playlists_status ON playlists(status);

	CREATE TABLE IF NOT EXISTS songs (
		id TEXT PRIMARY KEY,
		playlist_id TEXT NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
		order_index REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		title TEXT NOT NULL DEFAULT '',
		artist_name TEXT NOT NULL DEFAULT '',
		genre TEXT NOT NULL DEFAULT '',
		sub_genre TEXT NOT NULL DEFAULT '',
		lyrics TEXT NOT NULL DEFAULT '',
		caption TEXT NOT NULL DEFAULT '',
		cover_prompt TEXT NOT NULL DEFAULT '',
		bpm INTEGER NOT NULL DEFAULT 0,
		key_scale TEXT NOT NULL DEFAULT '',
		time_signature TEXT NOT NULL DEFAULT '',
		audio_duration REAL NOT NULL DEFAULT 0,
		vocal_style TEXT NOT NULL DEFAULT '',
		mood TEXT NOT NULL DEFAULT '',
		energy TEXT NOT NULL DEFAULT '',
		era TEXT NOT NULL DEFAULT '',
		instruments_json TEXT NOT NULL DEFAULT '[]',
		tags_json TEXT NOT NULL DEFAULT '[]',
		themes_json TEXT NOT NULL DEFAULT '[]',
		language TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		cover_url TEXT NOT NULL DEFAULT '',
		audio_url TEXT NOT NULL DEFAULT '',
		storage_path TEXT NOT NULL DEFAULT '',
		ace_audio_path TEXT NOT NULL DEFAULT '',
		ace_task_id TEXT NOT NULL DEFAULT '',
		ace_submitted_at_ms INTEGER,
		generation_started_at_ms INTEGER,
		generation_completed_at_ms INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		errored_at_status TEXT NOT NULL DEFAULT '',
		cancelled_at_status TEXT NOT NULL DEFAULT '',
		metadata_processing_ms INTEGER NOT NULL DEFAULT 0,
		cover_processing_ms INTEGER NOT NULL DEFAULT 0,
		audio_processing_ms INTEGER NOT NULL DEFAULT 0,
		prompt_epoch INTEGER NOT NULL DEFAULT 0,
		is_interrupt INTEGER NOT NULL DEFAULT 0,
		interrupt_prompt TEXT NOT NULL DEFAULT '',
		user_rating TEXT NOT NULL DEFAULT '',
		listen_count INTEGER NOT NULL DEFAULT 0,
		play_duration_ms INTEGER NOT NULL DEFAULT 0,
		persona_extract TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_songs_playlist ON songs(playlist_id);
	CREATE INDEX IF NOT EXISTS idx_songs_playlist_status ON songs(playlist_id, status);
	CREATE INDEX IF NOT EXISTS idx_songs_playlist_order ON songs(playlist_id, order_index);
	CREATE INDEX IF NOT EXISTS idx_songs_rating ON songs(user_rating);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// emit publishes events after a successful commit. A nil bus drops them.
func (s *Store) emit(events ...model.Event) {
	if s.bus == nil {
		return
	}
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = s.now()
		}
		s.bus.Publish(ev)
	}
}

// --- time helpers ---

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func timeToMs(t time.Time) int64 {
	return t.UnixMilli()
}

func timePtrToNullMs(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullMsToTimePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
