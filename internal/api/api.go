// Package api exposes the pipeline's HTTP surface: playlist and song
// CRUD, steering and liveness, the work-queue and queue-status reads,
// settings, a WebSocket event stream and the operational endpoints
// (health, readiness, Prometheus metrics).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/covercache"
	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/store"
)

// Canceller aborts in-flight pipeline work for one song. The supervisor
// implements it; tests substitute their own.
type Canceller interface {
	CancelSong(playlistID, songID string)
}

// Deps are the collaborators the handlers work against.
type Deps struct {
	Store      *store.Store
	Bus        bus.Bus
	Engine     Canceller
	TextQueue  *queue.EndpointQueue[*model.SongMetadata]
	ImageQueue *queue.EndpointQueue[*generate.CoverImage]
	AudioQueue *queue.AudioQueue
	Covers     covercache.Cache

	// RateLimit is requests per minute per client IP; zero disables.
	RateLimit int
}

// Server owns the router and the handler state.
type Server struct {
	deps    Deps
	logger  zerolog.Logger
	handler http.Handler
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}
	s.handler = s.newRouter()
	return s
}

// Router returns the fully wired handler.
func (s *Server) Router() http.Handler {
	return s.handler
}

func (s *Server) newRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)
	if s.deps.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.deps.RateLimit, time.Minute))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/playlists", func(r chi.Router) {
			r.Post("/", s.handleCreatePlaylist)
			r.Get("/", s.handleListPlaylists)
			r.Route("/{playlistID}", func(r chi.Router) {
				r.Get("/", s.handleGetPlaylist)
				r.Delete("/", s.handleDeletePlaylist)
				r.Post("/steer", s.handleSteerPlaylist)
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Post("/close", s.handleClosePlaylist)
				r.Post("/position", s.handleAdvancePosition)
				r.Post("/reindex", s.handleReindexPlaylist)
				r.Get("/songs", s.handleListSongs)
				r.Post("/songs", s.handleCreateSong)
				r.Get("/workqueue", s.handleGetWorkQueue)
			})
		})
		r.Route("/songs/{songID}", func(r chi.Router) {
			r.Get("/", s.handleGetSong)
			r.Delete("/", s.handleDeleteSong)
			r.Post("/rate", s.handleRateSong)
			r.Post("/retry", s.handleRetrySong)
			r.Post("/reorder", s.handleReorderSong)
			r.Post("/played", s.handleSongPlayed)
			r.Post("/listened", s.handleSongListened)
			r.Post("/cancel", s.handleCancelSong)
			r.Get("/cover", s.handleSongCover)
		})
		r.Get("/queue", s.handleQueueStatus)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings/{key}", s.handlePutSetting)
		r.Get("/events", s.handleEvents)
	})

	return otelhttp.NewHandler(r, "infinitune-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready once the store answers queries.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.DB.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
