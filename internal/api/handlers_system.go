package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
)

type queueStatusResponse struct {
	Text  queue.Status      `json:"text"`
	Image queue.Status      `json:"image"`
	Audio queue.AudioStatus `json:"audio"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueStatusResponse{
		Text:  s.deps.TextQueue.Status(),
		Image: s.deps.ImageQueue.Status(),
		Audio: s.deps.AudioQueue.Status(),
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Store.AllSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if settings == nil {
		settings = map[string]string{}
	}
	// Secrets stay out of GET responses. PUT still accepts them.
	if _, ok := settings[model.SettingOpenRouterAPIKey]; ok {
		settings[model.SettingOpenRouterAPIKey] = "********"
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

type putSettingRequest struct {
	Value string `json:"value"`
}

// handlePutSetting stores one setting. Concurrency settings are pushed
// into the running queues immediately, the rest are read fresh by the
// next job that needs them.
func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req putSettingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	switch key {
	case model.SettingTextConcurrency, model.SettingImageConcurrency:
		n, err := strconv.Atoi(req.Value)
		if err != nil || n < 1 {
			writeBadRequest(w, "concurrency must be a positive integer")
			return
		}
		if err := s.deps.Store.SetSetting(r.Context(), key, req.Value); err != nil {
			writeError(w, err)
			return
		}
		if key == model.SettingTextConcurrency {
			s.deps.TextQueue.RefreshConcurrency(n)
		} else {
			s.deps.ImageQueue.RefreshConcurrency(n)
		}
	default:
		if err := s.deps.Store.SetSetting(r.Context(), key, req.Value); err != nil {
			writeError(w, err)
			return
		}
	}

	s.logger.Info().Str("key", key).Msg("setting updated")
	w.WriteHeader(http.StatusNoContent)
}
