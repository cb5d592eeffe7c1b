package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/infinitune/infinitune/internal/model"
)

// CreatePlaylist inserts a new playlist. Missing fields get defaults: a
// fresh id, active status, endless mode and epoch 0 with empty history.
func (s *Store) CreatePlaylist(ctx context.Context, p *model.Playlist) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Mode == "" {
		p.Mode = model.ModeEndless
	}
	if p.Status == "" {
		p.Status = model.PlaylistActive
	}
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.SteerHistory == nil {
		p.SteerHistory = []model.SteerEntry{}
	}

	hintsJSON, _ := json.Marshal(p.Hints)
	steerJSON, _ := json.Marshal(p.SteerHistory)

	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO playlists (
		id, playlist_key, prompt, llm_provider, llm_model, mode, hints_json,
		status, current_order_index, songs_generated, last_seen_at_ms, prompt_epoch,
		steer_history_json, created_at_ms, updated_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PlaylistKey, p.Prompt, p.LLMProvider, p.LLMModel, p.Mode, hintsJSON,
		p.Status, p.CurrentOrderIndex, p.SongsGenerated, timePtrToNullMs(p.LastSeenAt), p.PromptEpoch,
		steerJSON, timeToMs(p.CreatedAt), timeToMs(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create playlist: %w", err)
	}

	s.emit(model.Event{Type: model.EventPlaylistCreated, PlaylistID: p.ID, Epoch: p.PromptEpoch})
	return nil
}

// GetPlaylist returns the playlist or ErrNotFound.
func (s *Store) GetPlaylist(ctx context.Context, id string) (*model.Playlist, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+playlistColumns+" FROM playlists WHERE id = ?", id)
	return scanPlaylist(row)
}

// GetPlaylistByKey resolves the short shareable key.
func (s *Store) GetPlaylistByKey(ctx context.Context, key string) (*model.Playlist, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+playlistColumns+" FROM playlists WHERE playlist_key = ?", key)
	return scanPlaylist(row)
}

// ListPlaylists returns playlists, optionally filtered by status.
func (s *Store) ListPlaylists(ctx context.Context, statuses ...model.PlaylistStatus) ([]*model.Playlist, error) {
	query := "SELECT " + playlistColumns + " FROM playlists"
	args := []interface{}{}
	if len(statuses) > 0 {
		query += " WHERE status IN ("
		for i, st := range statuses {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, st)
		}
		query += ")"
	}
	query += " ORDER BY created_at_ms"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.Playlist
	for rows.Next() {
		p, err := scanPlaylist(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// UpdatePlaylist applies fn to the current row inside a transaction and
// writes the result back. It returns the updated playlist.
func (s *Store) UpdatePlaylist(ctx context.Context, id string, fn func(*model.Playlist) error) (*model.Playlist, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPlaylist(tx.QueryRowContext(ctx,
		"SELECT "+playlistColumns+" FROM playlists WHERE id = ?", id))
	if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = s.now()

	if err := writePlaylist(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.emit(model.Event{Type: model.EventPlaylistUpdated, PlaylistID: p.ID, Epoch: p.PromptEpoch})
	return p, nil
}

func writePlaylist(ctx context.Context, tx *sql.Tx, p *model.Playlist) error {
	hintsJSON, _ := json.Marshal(p.Hints)
	steerJSON, _ := json.Marshal(p.SteerHistory)
	_, err := tx.ExecContext(ctx, `
	UPDATE playlists SET
		playlist_key = ?, prompt = ?, llm_provider = ?, llm_model = ?, mode = ?, hints_json = ?,
		status = ?, current_order_index = ?, songs_generated = ?, last_seen_at_ms = ?,
		prompt_epoch = ?, steer_history_json = ?, updated_at_ms = ?
	WHERE id = ?`,
		p.PlaylistKey, p.Prompt, p.LLMProvider, p.LLMModel, p.Mode, hintsJSON,
		p.Status, p.CurrentOrderIndex, p.SongsGenerated, timePtrToNullMs(p.LastSeenAt),
		p.PromptEpoch, steerJSON, timeToMs(p.UpdatedAt),
		p.ID,
	)
	return err
}

// legalPlaylistEdge reports whether from→to is a valid playlist transition.
// closed→active additionally requires endless mode, checked by the caller.
func legalPlaylistEdge(from, to model.PlaylistStatus) bool {
	switch from {
	case model.PlaylistActive:
		return to == model.PlaylistClosing
	case model.PlaylistClosing:
		return to == model.PlaylistClosed || to == model.PlaylistActive
	case model.PlaylistClosed:
		return to == model.PlaylistActive
	}
	return false
}

// SetPlaylistStatus moves the playlist along its lifecycle. The oneshot
// closed→active edge is forbidden.
func (s *Store) SetPlaylistStatus(ctx context.Context, id string, to model.PlaylistStatus) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPlaylist(tx.QueryRowContext(ctx,
		"SELECT "+playlistColumns+" FROM playlists WHERE id = ?", id))
	if err != nil {
		return err
	}
	if p.Status == to {
		return nil
	}
	if !legalPlaylistEdge(p.Status, to) {
		return fmt.Errorf("%w: playlist %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	if p.Status == model.PlaylistClosed && to == model.PlaylistActive && p.Mode == model.ModeOneshot {
		return fmt.Errorf("%w: oneshot playlist cannot reopen", ErrInvalidTransition)
	}

	from := p.Status
	p.Status = to
	p.UpdatedAt = s.now()
	if err := writePlaylist(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.emit(model.Event{
		Type:       model.EventPlaylistStatusChanged,
		PlaylistID: p.ID,
		From:       string(from),
		To:         string(to),
	})
	return nil
}

// SteerPlaylist applies a steering edit: the prompt is replaced, the epoch
// bumped by exactly one, and one entry appended to the history.
func (s *Store) SteerPlaylist(ctx context.Context, id, direction string) (*model.Playlist, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPlaylist(tx.QueryRowContext(ctx,
		"SELECT "+playlistColumns+" FROM playlists WHERE id = ?", id))
	if err != nil {
		return nil, err
	}

	now := s.now()
	p.Prompt = direction
	p.PromptEpoch++
	p.SteerHistory = append(p.SteerHistory, model.SteerEntry{
		Epoch:  p.PromptEpoch,
		Prompt: direction,
		At:     now,
	})
	p.UpdatedAt = now

	if err := writePlaylist(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.emit(model.Event{Type: model.EventPlaylistSteered, PlaylistID: p.ID, Epoch: p.PromptEpoch})
	return p, nil
}

// HeartbeatPlaylist records consumer liveness. A closing playlist becomes
// active again; a closed endless playlist reopens. Missing playlists are a
// no-op: heartbeats are best-effort.
func (s *Store) HeartbeatPlaylist(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPlaylist(tx.QueryRowContext(ctx,
		"SELECT "+playlistColumns+" FROM playlists WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	now := s.now()
	p.LastSeenAt = &now
	from := p.Status
	reactivated := false
	if p.CanReactivate() {
		p.Status = model.PlaylistActive
		reactivated = true
	}
	p.UpdatedAt = now

	if err := writePlaylist(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	events := []model.Event{{Type: model.EventPlaylistHeartbeat, PlaylistID: p.ID}}
	if reactivated {
		events = append(events, model.Event{
			Type:       model.EventPlaylistStatusChanged,
			PlaylistID: p.ID,
			From:       string(from),
			To:         string(model.PlaylistActive),
		})
	}
	s.emit(events...)
	return nil
}

// SetCurrentOrderIndex advances the consumer playback position.
func (s *Store) SetCurrentOrderIndex(ctx context.Context, id string, orderIndex float64) error {
	_, err := s.UpdatePlaylist(ctx, id, func(p *model.Playlist) error {
		p.CurrentOrderIndex = orderIndex
		return nil
	})
	return err
}

// IncrementSongsGenerated bumps the monotone completion counter.
func (s *Store) IncrementSongsGenerated(ctx context.Context, id string) error {
	_, err := s.UpdatePlaylist(ctx, id, func(p *model.Playlist) error {
		p.SongsGenerated++
		return nil
	})
	return err
}

// DeletePlaylist removes the playlist and, via the schema's cascade, all
// of its songs. Deleting an absent playlist is a no-op.
func (s *Store) DeletePlaylist(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM playlists WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	s.emit(model.Event{Type: model.EventPlaylistDeleted, PlaylistID: id})
	return nil
}
