package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Per-connection event buffer. The bus drops events for a
	// subscriber whose buffer is full, so slow readers lose events
	// instead of stalling the store.
	wsEventBuffer = 256

	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds to localhost in the default deployment. Anyone
	// exposing it to a network puts a reverse proxy in front.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams store events over a websocket, one JSON event
// per text frame. An optional ?playlist= query narrows the stream to a
// single playlist. Each connection holds its own bus subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	playlistID := r.URL.Query().Get("playlist")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sub := s.deps.Bus.Subscribe(wsEventBuffer)
	logger := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("event stream opened")

	// The client never sends application data, but reading is what
	// surfaces close frames and pong responses.
	go func() {
		defer func() { _ = sub.Close() }()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = sub.Close()
		_ = conn.Close()
		logger.Debug().Msg("event stream closed")
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if playlistID != "" && ev.PlaylistID != playlistID {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn().Err(err).Msg("marshal event")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
