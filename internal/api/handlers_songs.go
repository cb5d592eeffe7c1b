package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/store"
)

type createSongRequest struct {
	// Prompt overrides the playlist prompt for this one song. Required
	// for interrupts, ignored for imports.
	Prompt      string              `json:"prompt,omitempty"`
	IsInterrupt bool                `json:"isInterrupt,omitempty"`
	OrderIndex  *float64            `json:"orderIndex,omitempty"`
	Metadata    *model.SongMetadata `json:"metadata,omitempty"`
}

// handleCreateSong inserts a song by hand. Three shapes are accepted:
// a plain request appends a pending song after the queue tail, an
// interrupt wedges a pending song right after the playback position,
// and a request carrying metadata imports the song at metadata_ready
// so generation skips straight to audio.
func (s *Server) handleCreateSong(w http.ResponseWriter, r *http.Request) {
	playlistID := chi.URLParam(r, "playlistID")

	var req createSongRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.IsInterrupt && req.Prompt == "" {
		writeBadRequest(w, "interrupt songs need a prompt")
		return
	}
	if req.IsInterrupt && req.Metadata != nil {
		writeBadRequest(w, "interrupt and metadata are mutually exclusive")
		return
	}

	p, err := s.deps.Store.GetPlaylist(r.Context(), playlistID)
	if err != nil {
		writeError(w, err)
		return
	}

	var orderIndex float64
	switch {
	case req.OrderIndex != nil:
		orderIndex = *req.OrderIndex
	case req.IsInterrupt:
		// Halfway between the current song and the next one, so the
		// interrupt plays immediately after whatever is on now.
		orderIndex = p.CurrentOrderIndex + 0.5
	default:
		wq, err := s.deps.Store.GetWorkQueue(r.Context(), playlistID)
		if err != nil {
			writeError(w, err)
			return
		}
		orderIndex = wq.MaxOrderIndex + 1
	}

	sg := &model.Song{
		PlaylistID:      playlistID,
		OrderIndex:      orderIndex,
		PromptEpoch:     p.PromptEpoch,
		IsInterrupt:     req.IsInterrupt,
		InterruptPrompt: req.Prompt,
	}
	if req.Metadata != nil {
		applyMetadata(sg, *req.Metadata)
		sg.Status = model.StatusMetadataReady
	}

	if err := s.deps.Store.CreateSong(r.Context(), sg); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info().
		Str("playlist_id", playlistID).
		Str("song_id", sg.ID).
		Float64("order_index", sg.OrderIndex).
		Bool("interrupt", sg.IsInterrupt).
		Str("status", string(sg.Status)).
		Msg("song created")
	writeJSON(w, http.StatusCreated, sg)
}

func applyMetadata(sg *model.Song, md model.SongMetadata) {
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
}

func (s *Server) handleGetSong(w http.ResponseWriter, r *http.Request) {
	sg, err := s.deps.Store.GetSong(r.Context(), chi.URLParam(r, "songID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

// handleDeleteSong stops any in-flight work for the song before
// removing the row. Delete is idempotent, so racing a worker that
// finishes first still returns 204.
func (s *Server) handleDeleteSong(w http.ResponseWriter, r *http.Request) {
	songID := chi.URLParam(r, "songID")

	sg, err := s.deps.Store.GetSong(r.Context(), songID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, err)
		return
	}

	s.deps.Engine.CancelSong(sg.PlaylistID, songID)
	if err := s.deps.Store.DeleteSong(r.Context(), songID); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Covers.Delete(songID)

	s.logger.Info().Str("song_id", songID).Str("playlist_id", sg.PlaylistID).Msg("song deleted")
	w.WriteHeader(http.StatusNoContent)
}

type rateRequest struct {
	Rating string `json:"rating"`
}

func (s *Server) handleRateSong(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	switch req.Rating {
	case "", "up", "down":
	default:
		writeBadRequest(w, `rating must be "up", "down" or empty`)
		return
	}
	if err := s.deps.Store.RateSong(r.Context(), chi.URLParam(r, "songID"), req.Rating); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRetrySong requeues an errored song without spending retry
// budget. The pipeline picks it up on its next pass.
func (s *Server) handleRetrySong(w http.ResponseWriter, r *http.Request) {
	songID := chi.URLParam(r, "songID")
	to, err := s.deps.Store.RetryErrored(r.Context(), songID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str("song_id", songID).Str("status", string(to)).Msg("song retried")
	writeJSON(w, http.StatusOK, map[string]string{"status": string(to)})
}

type reorderRequest struct {
	OrderIndex float64 `json:"orderIndex"`
}

func (s *Server) handleReorderSong(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.deps.Store.ReorderSong(r.Context(), chi.URLParam(r, "songID"), req.OrderIndex); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSongPlayed marks a ready song consumed and advances the
// playlist position to it, which is what lets the buffer refill.
func (s *Server) handleSongPlayed(w http.ResponseWriter, r *http.Request) {
	songID := chi.URLParam(r, "songID")

	sg, err := s.deps.Store.GetSong(r.Context(), songID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.MarkPlayed(r.Context(), songID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.SetCurrentOrderIndex(r.Context(), sg.PlaylistID, sg.OrderIndex); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listenedRequest struct {
	PlayDurationMs int64 `json:"playDurationMs"`
}

func (s *Server) handleSongListened(w http.ResponseWriter, r *http.Request) {
	var req listenedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.deps.Store.IncrementListen(r.Context(), chi.URLParam(r, "songID"), req.PlayDurationMs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCancelSong abandons in-flight generation but keeps the row,
// stamped with the status it was cancelled at.
func (s *Server) handleCancelSong(w http.ResponseWriter, r *http.Request) {
	songID := chi.URLParam(r, "songID")

	sg, err := s.deps.Store.GetSong(r.Context(), songID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.Engine.CancelSong(sg.PlaylistID, songID)
	if err := s.deps.Store.MarkCancelled(r.Context(), songID); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info().Str("song_id", songID).Str("playlist_id", sg.PlaylistID).Msg("song cancelled")
	w.WriteHeader(http.StatusNoContent)
}

// handleSongCover serves the cover image, preferring the in-memory or
// Redis cache and falling back to the archived copy on disk.
func (s *Server) handleSongCover(w http.ResponseWriter, r *http.Request) {
	songID := chi.URLParam(r, "songID")

	if cover, ok := s.deps.Covers.Get(songID); ok {
		writeCover(w, cover.Bytes, cover.Format)
		return
	}

	sg, err := s.deps.Store.GetSong(r.Context(), songID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sg.StoragePath == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cover stored"})
		return
	}

	path := filepath.Join(sg.StoragePath, "cover.png")
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from our own archive layout
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cover stored"})
		return
	}
	writeCover(w, data, "png")
}

func writeCover(w http.ResponseWriter, data []byte, format string) {
	if format == "" {
		format = "png"
	}
	w.Header().Set("Content-Type", "image/"+format)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
