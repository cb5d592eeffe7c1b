package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/infinitune/infinitune/internal/model"
)

type createPlaylistRequest struct {
	Prompt      string                `json:"prompt"`
	PlaylistKey string                `json:"playlistKey,omitempty"`
	LLMProvider string                `json:"llmProvider,omitempty"`
	LLMModel    string                `json:"llmModel,omitempty"`
	Mode        string                `json:"mode,omitempty"`
	Hints       model.GenerationHints `json:"hints,omitempty"`
}

func (s *Server) handleCreatePlaylist(w http.ResponseWriter, r *http.Request) {
	var req createPlaylistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeBadRequest(w, "prompt is required")
		return
	}
	switch req.Mode {
	case "", string(model.ModeEndless), string(model.ModeOneshot):
	default:
		writeBadRequest(w, "mode must be endless or oneshot")
		return
	}

	p := &model.Playlist{
		Prompt:      req.Prompt,
		PlaylistKey: req.PlaylistKey,
		LLMProvider: req.LLMProvider,
		LLMModel:    req.LLMModel,
		Mode:        model.PlaylistMode(req.Mode),
		Hints:       req.Hints,
	}
	if err := s.deps.Store.CreatePlaylist(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str("playlist_id", p.ID).Str("mode", string(p.Mode)).Msg("playlist created")
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPlaylists(w http.ResponseWriter, r *http.Request) {
	var statuses []model.PlaylistStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			switch st := model.PlaylistStatus(strings.TrimSpace(part)); st {
			case model.PlaylistActive, model.PlaylistClosing, model.PlaylistClosed:
				statuses = append(statuses, st)
			default:
				writeBadRequest(w, "unknown playlist status "+part)
				return
			}
		}
	}
	playlists, err := s.deps.Store.ListPlaylists(r.Context(), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	if playlists == nil {
		playlists = []*model.Playlist{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"playlists": playlists})
}

func (s *Server) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetPlaylist(r.Context(), chi.URLParam(r, "playlistID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePlaylist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "playlistID")
	if err := s.deps.Store.DeletePlaylist(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str("playlist_id", id).Msg("playlist deleted")
	w.WriteHeader(http.StatusNoContent)
}

type steerRequest struct {
	Direction string `json:"direction"`
}

func (s *Server) handleSteerPlaylist(w http.ResponseWriter, r *http.Request) {
	var req steerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Direction) == "" {
		writeBadRequest(w, "direction is required")
		return
	}
	p, err := s.deps.Store.SteerPlaylist(r.Context(), chi.URLParam(r, "playlistID"), req.Direction)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str("playlist_id", p.ID).Int("epoch", p.PromptEpoch).Msg("playlist steered")
	writeJSON(w, http.StatusOK, p)
}

// handleHeartbeat records consumer liveness. Missing playlists are a
// no-op so a racing delete never errors the client.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.HeartbeatPlaylist(r.Context(), chi.URLParam(r, "playlistID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClosePlaylist starts the drain. The controller finishes the
// close once in-flight songs settle.
func (s *Server) handleClosePlaylist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "playlistID")
	if err := s.deps.Store.SetPlaylistStatus(r.Context(), id, model.PlaylistClosing); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(model.PlaylistClosing)})
}

type positionRequest struct {
	OrderIndex float64 `json:"orderIndex"`
}

// handleAdvancePosition moves the playback cursor; the buffer refill is
// measured from it.
func (s *Server) handleAdvancePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Store.SetCurrentOrderIndex(r.Context(), chi.URLParam(r, "playlistID"), req.OrderIndex); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReindexPlaylist(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ReindexPlaylist(r.Context(), chi.URLParam(r, "playlistID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSongs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "playlistID")
	if _, err := s.deps.Store.GetPlaylist(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	songs, err := s.deps.Store.ListSongs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if songs == nil {
		songs = []model.Song{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"songs": songs})
}

func (s *Server) handleGetWorkQueue(w http.ResponseWriter, r *http.Request) {
	wq, err := s.deps.Store.GetWorkQueue(r.Context(), chi.URLParam(r, "playlistID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wq)
}
