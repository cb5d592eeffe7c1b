package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
)

// CreateSong inserts a new song row. Songs enter either as pending (the
// normal case, including interrupts) or as metadata_ready (imports that
// already carry their metadata).
func (s *Store) CreateSong(ctx context.Context, sg *model.Song) error {
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	if sg.Status == "" {
		sg.Status = model.StatusPending
	}
	if sg.Status != model.StatusPending && sg.Status != model.StatusMetadataReady {
		return fmt.Errorf("%w: songs are created pending or metadata_ready, got %s", ErrInvalidTransition, sg.Status)
	}
	now := s.now()
	sg.CreatedAt = now
	sg.UpdatedAt = now

	if err := insertSong(ctx, s.DB, sg); err != nil {
		return fmt.Errorf("create song: %w", err)
	}

	s.emit(model.Event{
		Type:       model.EventSongCreated,
		PlaylistID: sg.PlaylistID,
		SongID:     sg.ID,
		To:         string(sg.Status),
		Epoch:      sg.PromptEpoch,
	})
	return nil
}

// CreatePendingSongs inserts count pending songs at successive order
// indices after startIndex, all stamped with the given epoch. The batch
// is one transaction so a concurrent snapshot sees all or none.
func (s *Store) CreatePendingSongs(ctx context.Context, playlistID string, epoch int, startIndex float64, count int) ([]model.Song, error) {
	if count <= 0 {
		return nil, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	songs := make([]model.Song, 0, count)
	for i := 1; i <= count; i++ {
		sg := model.Song{
			ID:          uuid.NewString(),
			PlaylistID:  playlistID,
			OrderIndex:  startIndex + float64(i),
			Status:      model.StatusPending,
			PromptEpoch: epoch,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := insertSong(ctx, tx, &sg); err != nil {
			return nil, fmt.Errorf("create pending songs: %w", err)
		}
		songs = append(songs, sg)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	events := make([]model.Event, 0, len(songs))
	for _, sg := range songs {
		events = append(events, model.Event{
			Type:       model.EventSongCreated,
			PlaylistID: playlistID,
			SongID:     sg.ID,
			To:         string(model.StatusPending),
			Epoch:      epoch,
		})
	}
	s.emit(events...)
	return songs, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertSong(ctx context.Context, db execer, sg *model.Song) error {
	isInterrupt := 0
	if sg.IsInterrupt {
		isInterrupt = 1
	}
	_, err := db.ExecContext(ctx, `
	INSERT INTO songs (
		id, playlist_id, order_index, status,
		title, artist_name, genre, sub_genre, lyrics, caption, cover_prompt,
		bpm, key_scale, time_signature, audio_duration,
		vocal_style, mood, energy, era, instruments_json, tags_json, themes_json,
		language, description,
		cover_url, audio_url, storage_path, ace_audio_path,
		ace_task_id, ace_submitted_at_ms, generation_started_at_ms, generation_completed_at_ms,
		retry_count, error_message, errored_at_status, cancelled_at_status,
		metadata_processing_ms, cover_processing_ms, audio_processing_ms,
		prompt_epoch, is_interrupt, interrupt_prompt,
		user_rating, listen_count, play_duration_ms, persona_extract,
		created_at_ms, updated_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.PlaylistID, sg.OrderIndex, sg.Status,
		sg.Title, sg.ArtistName, sg.Genre, sg.SubGenre, sg.Lyrics, sg.Caption, sg.CoverPrompt,
		sg.BPM, sg.KeyScale, sg.TimeSignature, sg.AudioDuration,
		sg.VocalStyle, sg.Mood, sg.Energy, sg.Era, marshalList(sg.Instruments), marshalList(sg.Tags), marshalList(sg.Themes),
		sg.Language, sg.Description,
		sg.CoverURL, sg.AudioURL, sg.StoragePath, sg.AceAudioPath,
		sg.AceTaskID, timePtrToNullMs(sg.AceSubmittedAt), timePtrToNullMs(sg.GenerationStartedAt), timePtrToNullMs(sg.GenerationCompletedAt),
		sg.RetryCount, sg.ErrorMessage, string(sg.ErroredAtStatus), string(sg.CancelledAtStatus),
		sg.MetadataProcessingMs, sg.CoverProcessingMs, sg.AudioProcessingMs,
		sg.PromptEpoch, isInterrupt, sg.InterruptPrompt,
		sg.UserRating, sg.ListenCount, sg.PlayDurationMs, sg.PersonaExtract,
		timeToMs(sg.CreatedAt), timeToMs(sg.UpdatedAt),
	)
	return err
}

func writeSong(ctx context.Context, tx *sql.Tx, sg *model.Song) error {
	isInterrupt := 0
	if sg.IsInterrupt {
		isInterrupt = 1
	}
	_, err := tx.ExecContext(ctx, `
	UPDATE songs SET
		order_index = ?, status = ?,
		title = ?, artist_name = ?, genre = ?, sub_genre = ?, lyrics = ?, caption = ?, cover_prompt = ?,
		bpm = ?, key_scale = ?, time_signature = ?, audio_duration = ?,
		vocal_style = ?, mood = ?, energy = ?, era = ?, instruments_json = ?, tags_json = ?, themes_json = ?,
		language = ?, description = ?,
		cover_url = ?, audio_url = ?, storage_path = ?, ace_audio_path = ?,
		ace_task_id = ?, ace_submitted_at_ms = ?, generation_started_at_ms = ?, generation_completed_at_ms = ?,
		retry_count = ?, error_message = ?, errored_at_status = ?, cancelled_at_status = ?,
		metadata_processing_ms = ?, cover_processing_ms = ?, audio_processing_ms = ?,
		prompt_epoch = ?, is_interrupt = ?, interrupt_prompt = ?,
		user_rating = ?, listen_count = ?, play_duration_ms = ?, persona_extract = ?,
		updated_at_ms = ?
	WHERE id = ?`,
		sg.OrderIndex, sg.Status,
		sg.Title, sg.ArtistName, sg.Genre, sg.SubGenre, sg.Lyrics, sg.Caption, sg.CoverPrompt,
		sg.BPM, sg.KeyScale, sg.TimeSignature, sg.AudioDuration,
		sg.VocalStyle, sg.Mood, sg.Energy, sg.Era, marshalList(sg.Instruments), marshalList(sg.Tags), marshalList(sg.Themes),
		sg.Language, sg.Description,
		sg.CoverURL, sg.AudioURL, sg.StoragePath, sg.AceAudioPath,
		sg.AceTaskID, timePtrToNullMs(sg.AceSubmittedAt), timePtrToNullMs(sg.GenerationStartedAt), timePtrToNullMs(sg.GenerationCompletedAt),
		sg.RetryCount, sg.ErrorMessage, string(sg.ErroredAtStatus), string(sg.CancelledAtStatus),
		sg.MetadataProcessingMs, sg.CoverProcessingMs, sg.AudioProcessingMs,
		sg.PromptEpoch, isInterrupt, sg.InterruptPrompt,
		sg.UserRating, sg.ListenCount, sg.PlayDurationMs, sg.PersonaExtract,
		timeToMs(sg.UpdatedAt),
		sg.ID,
	)
	return err
}

// GetSong returns the song or ErrNotFound.
func (s *Store) GetSong(ctx context.Context, id string) (*model.Song, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+songColumns+" FROM songs WHERE id = ?", id)
	return scanSong(row)
}

// ListSongs returns all songs of a playlist ordered by their placement.
func (s *Store) ListSongs(ctx context.Context, playlistID string) ([]model.Song, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+songColumns+" FROM songs WHERE playlist_id = ? ORDER BY order_index, created_at_ms", playlistID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []model.Song
	for rows.Next() {
		sg, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *sg)
	}
	return results, rows.Err()
}

// --- Atomic claims ---

// ClaimForMetadata atomically moves pending → generating_metadata and
// stamps the generation start. The conditional UPDATE is the
// linearization point: concurrent callers see at most one success.
func (s *Store) ClaimForMetadata(ctx context.Context, songID string) (string, bool, error) {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
	UPDATE songs SET status = ?, generation_started_at_ms = ?, updated_at_ms = ?
	WHERE id = ? AND status = ?`,
		model.StatusGeneratingMetadata, timeToMs(now), timeToMs(now),
		songID, model.StatusPending,
	)
	if err != nil {
		return "", false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		metrics.IncClaim("metadata", false)
		return "", false, nil
	}
	metrics.IncClaim("metadata", true)

	var playlistID string
	if err := s.DB.QueryRowContext(ctx, "SELECT playlist_id FROM songs WHERE id = ?", songID).Scan(&playlistID); err != nil {
		return "", false, err
	}

	metrics.IncStatusTransition(string(model.StatusPending), string(model.StatusGeneratingMetadata))
	s.emit(model.Event{
		Type:       model.EventSongStatusChanged,
		PlaylistID: playlistID,
		SongID:     songID,
		From:       string(model.StatusPending),
		To:         string(model.StatusGeneratingMetadata),
	})
	return playlistID, true, nil
}

// ClaimForAudio atomically moves metadata_ready → submitting_to_ace.
func (s *Store) ClaimForAudio(ctx context.Context, songID string) (bool, error) {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
	UPDATE songs SET status = ?, updated_at_ms = ?
	WHERE id = ? AND status = ?`,
		model.StatusSubmittingToAce, timeToMs(now),
		songID, model.StatusMetadataReady,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		metrics.IncClaim("audio", false)
		return false, nil
	}
	metrics.IncClaim("audio", true)

	var playlistID string
	if err := s.DB.QueryRowContext(ctx, "SELECT playlist_id FROM songs WHERE id = ?", songID).Scan(&playlistID); err != nil {
		return false, err
	}

	metrics.IncStatusTransition(string(model.StatusMetadataReady), string(model.StatusSubmittingToAce))
	s.emit(model.Event{
		Type:       model.EventSongStatusChanged,
		PlaylistID: playlistID,
		SongID:     songID,
		From:       string(model.StatusMetadataReady),
		To:         string(model.StatusSubmittingToAce),
	})
	return true, nil
}

// --- Validated transitions ---

// transition performs a read-validate-write status change in one
// transaction. mutate may adjust further fields once the edge is proven
// legal; extra events are emitted after the status_changed event.
func (s *Store) transition(ctx context.Context, songID string, to model.SongStatus, mutate func(*model.Song) error, extra ...model.Event) (*model.Song, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sg, err := scanSong(tx.QueryRowContext(ctx,
		"SELECT "+songColumns+" FROM songs WHERE id = ?", songID))
	if err != nil {
		return nil, err
	}
	from := sg.Status
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	sg.Status = to
	if mutate != nil {
		if err := mutate(sg); err != nil {
			return nil, err
		}
	}
	sg.UpdatedAt = s.now()

	if err := writeSong(ctx, tx, sg); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.IncStatusTransition(string(from), string(to))
	events := append([]model.Event{{
		Type:       model.EventSongStatusChanged,
		PlaylistID: sg.PlaylistID,
		SongID:     sg.ID,
		From:       string(from),
		To:         string(to),
	}}, extra...)
	for i := range events {
		if events[i].PlaylistID == "" {
			events[i].PlaylistID = sg.PlaylistID
		}
		if events[i].SongID == "" {
			events[i].SongID = sg.ID
		}
	}
	s.emit(events...)
	return sg, nil
}

// UpdateStatus applies a bare status change, validated against the
// lifecycle table.
func (s *Store) UpdateStatus(ctx context.Context, songID string, to model.SongStatus) error {
	_, err := s.transition(ctx, songID, to, nil)
	return err
}

// CompleteMetadata moves generating_metadata → metadata_ready and stores
// the full structured result of the metadata step.
func (s *Store) CompleteMetadata(ctx context.Context, songID string, md model.SongMetadata, processingMs int64) error {
	_, err := s.transition(ctx, songID, model.StatusMetadataReady, func(sg *model.Song) error {
		sg.Title = md.Title
		sg.ArtistName = md.ArtistName
		sg.Genre = md.Genre
		sg.SubGenre = md.SubGenre
		sg.Lyrics = md.Lyrics
		sg.Caption = md.Caption
		sg.CoverPrompt = md.CoverPrompt
		sg.BPM = md.BPM
		sg.KeyScale = md.KeyScale
		sg.TimeSignature = md.TimeSignature
		sg.AudioDuration = md.AudioDuration
		sg.VocalStyle = md.VocalStyle
		sg.Mood = md.Mood
		sg.Energy = md.Energy
		sg.Era = md.Era
		sg.Instruments = md.Instruments
		sg.Tags = md.Tags
		sg.Themes = md.Themes
		sg.Language = md.Language
		sg.Description = md.Description
		sg.MetadataProcessingMs = processingMs
		return nil
	}, model.Event{Type: model.EventSongMetadataUpdated})
	return err
}

// UpdateAceTask records the submitted audio task and moves
// submitting_to_ace → generating_audio.
func (s *Store) UpdateAceTask(ctx context.Context, songID, taskID string) error {
	_, err := s.transition(ctx, songID, model.StatusGeneratingAudio, func(sg *model.Song) error {
		now := s.now()
		sg.AceTaskID = taskID
		sg.AceSubmittedAt = &now
		return nil
	})
	return err
}

// MarkReady finishes the pipeline: saving → ready with the playable URL.
func (s *Store) MarkReady(ctx context.Context, songID, audioURL string, audioProcessingMs int64) error {
	_, err := s.transition(ctx, songID, model.StatusReady, func(sg *model.Song) error {
		now := s.now()
		sg.AudioURL = audioURL
		sg.GenerationCompletedAt = &now
		sg.AudioProcessingMs = audioProcessingMs
		return nil
	})
	if err == nil {
		metrics.SongsGeneratedTotal.Inc()
	}
	return err
}

// MarkError implements the retry policy: the retry counter is bumped and
// the song lands in retry_pending while the budget lasts, error after.
// It returns the resulting status.
func (s *Store) MarkError(ctx context.Context, songID, message string, erroredAt model.SongStatus) (model.SongStatus, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	sg, err := scanSong(tx.QueryRowContext(ctx,
		"SELECT "+songColumns+" FROM songs WHERE id = ?", songID))
	if err != nil {
		return "", err
	}
	from := sg.Status

	sg.RetryCount++
	to := model.StatusRetryPending
	if sg.RetryCount >= model.MaxRetries {
		to = model.StatusError
	}
	if !model.CanTransition(from, to) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	sg.Status = to
	sg.ErrorMessage = message
	sg.ErroredAtStatus = erroredAt
	sg.UpdatedAt = s.now()

	if err := writeSong(ctx, tx, sg); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	metrics.IncStatusTransition(string(from), string(to))
	s.emit(model.Event{
		Type:       model.EventSongStatusChanged,
		PlaylistID: sg.PlaylistID,
		SongID:     sg.ID,
		From:       string(from),
		To:         string(to),
	})
	return to, nil
}

// RetryErrored requeues a retry_pending song at the step recorded by
// erroredAtStatus. The retry counter is not touched here; MarkError
// already accounted for the attempt.
func (s *Store) RetryErrored(ctx context.Context, songID string) (model.SongStatus, error) {
	var to model.SongStatus
	_, err := s.transitionFrom(ctx, songID, model.StatusRetryPending, func(sg *model.Song) (model.SongStatus, error) {
		switch sg.ErroredAtStatus {
		case model.StatusSubmittingToAce, model.StatusGeneratingAudio:
			to = model.StatusMetadataReady
		default:
			to = model.StatusPending
		}
		return to, nil
	})
	return to, err
}

// transitionFrom is a transition whose target depends on the row itself.
// The pick function sees the current row and names the destination.
func (s *Store) transitionFrom(ctx context.Context, songID string, requireFrom model.SongStatus, pick func(*model.Song) (model.SongStatus, error)) (*model.Song, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sg, err := scanSong(tx.QueryRowContext(ctx,
		"SELECT "+songColumns+" FROM songs WHERE id = ?", songID))
	if err != nil {
		return nil, err
	}
	from := sg.Status
	if from != requireFrom {
		return nil, fmt.Errorf("%w: expected %s, song is %s", ErrInvalidTransition, requireFrom, from)
	}

	to, err := pick(sg)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	sg.Status = to
	sg.UpdatedAt = s.now()
	if err := writeSong(ctx, tx, sg); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.IncStatusTransition(string(from), string(to))
	s.emit(model.Event{
		Type:       model.EventSongStatusChanged,
		PlaylistID: sg.PlaylistID,
		SongID:     sg.ID,
		From:       string(from),
		To:         string(to),
	})
	return sg, nil
}

// RevertToPending undoes a metadata claim after a restart. The start
// stamp is cleared so staleness tracking restarts with the next claim.
func (s *Store) RevertToPending(ctx context.Context, songID string) error {
	_, err := s.transition(ctx, songID, model.StatusPending, func(sg *model.Song) error {
		sg.GenerationStartedAt = nil
		return nil
	})
	return err
}

// RevertToMetadataReady resets a song out of the audio lane, clearing the
// task identity so a later submission can recreate it. Valid from
// submitting_to_ace (restart) and generating_audio (lost task).
func (s *Store) RevertToMetadataReady(ctx context.Context, songID string) error {
	_, err := s.transition(ctx, songID, model.StatusMetadataReady, func(sg *model.Song) error {
		sg.AceTaskID = ""
		sg.AceSubmittedAt = nil
		sg.AceAudioPath = ""
		return nil
	})
	return err
}

// RevertSavingToGeneratingAudio re-enters the poll stage after a crash
// during save. The task id is retained so polling can resume.
func (s *Store) RevertSavingToGeneratingAudio(ctx context.Context, songID string) error {
	_, err := s.transition(ctx, songID, model.StatusGeneratingAudio, nil)
	return err
}

// MarkPlayed advances ready → played when the consumer moves past a song.
func (s *Store) MarkPlayed(ctx context.Context, songID string) error {
	_, err := s.transition(ctx, songID, model.StatusPlayed, nil)
	return err
}

// MarkCancelled records a user-initiated abort. The status itself is not
// changed; the marker notes where in the pipeline the abort hit.
func (s *Store) MarkCancelled(ctx context.Context, songID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sg, err := scanSong(tx.QueryRowContext(ctx,
		"SELECT "+songColumns+" FROM songs WHERE id = ?", songID))
	if err != nil {
		return err
	}
	sg.CancelledAtStatus = sg.Status
	sg.UpdatedAt = s.now()
	if err := writeSong(ctx, tx, sg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.emit(model.Event{Type: model.EventSongMetadataUpdated, PlaylistID: sg.PlaylistID, SongID: sg.ID})
	return nil
}

// --- Artifact and engagement updates ---

func (s *Store) updateSongFields(ctx context.Context, songID string, evType model.EventType, set string, args ...interface{}) error {
	args = append(args, timeToMs(s.now()), songID)
	res, err := s.DB.ExecContext(ctx,
		"UPDATE songs SET "+set+", updated_at_ms = ? WHERE id = ?", args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	var playlistID string
	if err := s.DB.QueryRowContext(ctx, "SELECT playlist_id FROM songs WHERE id = ?", songID).Scan(&playlistID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	s.emit(model.Event{Type: evType, PlaylistID: playlistID, SongID: songID})
	return nil
}

// UpdateCover stores the final cover artifact URL.
func (s *Store) UpdateCover(ctx context.Context, songID, coverURL string) error {
	return s.updateSongFields(ctx, songID, model.EventSongMetadataUpdated,
		"cover_url = ?", coverURL)
}

// UpdateCoverProcessingMs records how long the cover step took.
func (s *Store) UpdateCoverProcessingMs(ctx context.Context, songID string, ms int64) error {
	return s.updateSongFields(ctx, songID, model.EventSongMetadataUpdated,
		"cover_processing_ms = ?", ms)
}

// UpdateStoragePath records the archived folder and the audio service's
// own path for the song.
func (s *Store) UpdateStoragePath(ctx context.Context, songID, storagePath, aceAudioPath string) error {
	return s.updateSongFields(ctx, songID, model.EventSongMetadataUpdated,
		"storage_path = ?, ace_audio_path = ?", storagePath, aceAudioPath)
}

// UpdateAudioDuration stores the effective duration derived during save.
func (s *Store) UpdateAudioDuration(ctx context.Context, songID string, seconds float64) error {
	return s.updateSongFields(ctx, songID, model.EventSongMetadataUpdated,
		"audio_duration = ?", seconds)
}

// RateSong stores the user rating: "up", "down" or "" to clear.
func (s *Store) RateSong(ctx context.Context, songID, rating string) error {
	switch rating {
	case "", "up", "down":
	default:
		return fmt.Errorf("store: invalid rating %q", rating)
	}
	return s.updateSongFields(ctx, songID, model.EventSongMetadataUpdated,
		"user_rating = ?", rating)
}

// IncrementListen bumps the engagement counters.
func (s *Store) IncrementListen(ctx context.Context, songID string, playDurationMs int64) error {
	return s.updateSongFields(ctx, songID, model.EventSongMetadataUpdated,
		"listen_count = listen_count + 1, play_duration_ms = play_duration_ms + ?", playDurationMs)
}

// ReorderSong moves a song to a new (possibly fractional) placement.
func (s *Store) ReorderSong(ctx context.Context, songID string, orderIndex float64) error {
	return s.updateSongFields(ctx, songID, model.EventSongReordered,
		"order_index = ?", orderIndex)
}

// ReindexPlaylist rewrites order indices to consecutive integers starting
// at 1, preserving the current order. Running it twice is a no-op.
func (s *Store) ReindexPlaylist(ctx context.Context, playlistID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM songs WHERE playlist_id = ? ORDER BY order_index, created_at_ms", playlistID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	now := timeToMs(s.now())
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE songs SET order_index = ?, updated_at_ms = ? WHERE id = ?",
			float64(i+1), now, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.emit(model.Event{Type: model.EventSongReordered, PlaylistID: playlistID})
	return nil
}

// ListSongsInStatuses returns every song in one of the given statuses
// across all playlists. Startup recovery scans with this before any
// controller runs.
func (s *Store) ListSongsInStatuses(ctx context.Context, statuses ...model.SongStatus) ([]model.Song, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(statuses)-1) + "?"
	args := make([]interface{}, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, st)
	}

	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+songColumns+" FROM songs WHERE status IN ("+placeholders+") ORDER BY playlist_id, order_index",
		args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []model.Song
	for rows.Next() {
		sg, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *sg)
	}
	return results, rows.Err()
}

// DeleteSong removes one song. Deleting an absent song is a no-op.
func (s *Store) DeleteSong(ctx context.Context, songID string) error {
	var playlistID string
	err := s.DB.QueryRowContext(ctx, "SELECT playlist_id FROM songs WHERE id = ?", songID).Scan(&playlistID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	if _, err := s.DB.ExecContext(ctx, "DELETE FROM songs WHERE id = ?", songID); err != nil {
		return err
	}
	s.emit(model.Event{Type: model.EventSongDeleted, PlaylistID: playlistID, SongID: songID})
	return nil
}
