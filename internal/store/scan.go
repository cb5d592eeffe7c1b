package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/infinitune/infinitune/internal/model"
)

// Explicit column lists keep SELECT and Scan in lockstep.
const playlistColumns = `id, playlist_key, prompt, llm_provider, llm_model, mode, hints_json,
	status, current_order_index, songs_generated, last_seen_at_ms, prompt_epoch,
	steer_history_json, created_at_ms, updated_at_ms`

const songColumns = `id, playlist_id, order_index, status,
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
	created_at_ms, updated_at_ms`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlaylist(sc scanner) (*model.Playlist, error) {
	var p model.Playlist
	var key, provider, llmModel sql.NullString
	var hintsJSON, steerJSON []byte
	var lastSeen sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(
		&p.ID, &key, &p.Prompt, &provider, &llmModel, &p.Mode, &hintsJSON,
		&p.Status, &p.CurrentOrderIndex, &p.SongsGenerated, &lastSeen, &p.PromptEpoch,
		&steerJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	p.PlaylistKey = key.String
	p.LLMProvider = provider.String
	p.LLMModel = llmModel.String
	_ = json.Unmarshal(hintsJSON, &p.Hints)
	_ = json.Unmarshal(steerJSON, &p.SteerHistory)
	p.LastSeenAt = nullMsToTimePtr(lastSeen)
	p.CreatedAt = msToTime(createdAt)
	p.UpdatedAt = msToTime(updatedAt)
	return &p, nil
}

func scanSong(sc scanner) (*model.Song, error) {
	var sg model.Song
	var instrumentsJSON, tagsJSON, themesJSON []byte
	var aceSubmitted, genStarted, genCompleted sql.NullInt64
	var isInterrupt int
	var createdAt, updatedAt int64

	err := sc.Scan(
		&sg.ID, &sg.PlaylistID, &sg.OrderIndex, &sg.Status,
		&sg.Title, &sg.ArtistName, &sg.Genre, &sg.SubGenre, &sg.Lyrics, &sg.Caption, &sg.CoverPrompt,
		&sg.BPM, &sg.KeyScale, &sg.TimeSignature, &sg.AudioDuration,
		&sg.VocalStyle, &sg.Mood, &sg.Energy, &sg.Era, &instrumentsJSON, &tagsJSON, &themesJSON,
		&sg.Language, &sg.Description,
		&sg.CoverURL, &sg.AudioURL, &sg.StoragePath, &sg.AceAudioPath,
		&sg.AceTaskID, &aceSubmitted, &genStarted, &genCompleted,
		&sg.RetryCount, &sg.ErrorMessage, &sg.ErroredAtStatus, &sg.CancelledAtStatus,
		&sg.MetadataProcessingMs, &sg.CoverProcessingMs, &sg.AudioProcessingMs,
		&sg.PromptEpoch, &isInterrupt, &sg.InterruptPrompt,
		&sg.UserRating, &sg.ListenCount, &sg.PlayDurationMs, &sg.PersonaExtract,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	_ = json.Unmarshal(instrumentsJSON, &sg.Instruments)
	_ = json.Unmarshal(tagsJSON, &sg.Tags)
	_ = json.Unmarshal(themesJSON, &sg.Themes)
	sg.AceSubmittedAt = nullMsToTimePtr(aceSubmitted)
	sg.GenerationStartedAt = nullMsToTimePtr(genStarted)
	sg.GenerationCompletedAt = nullMsToTimePtr(genCompleted)
	sg.IsInterrupt = isInterrupt != 0
	sg.CreatedAt = msToTime(createdAt)
	sg.UpdatedAt = msToTime(updatedAt)
	return &sg, nil
}

func marshalList(v []string) []byte {
	if v == nil {
		return []byte("[]")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("[]")
	}
	return b
}
