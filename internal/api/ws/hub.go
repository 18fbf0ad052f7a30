// Package ws streams session events and error notifications to websocket
// clients.
package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// SessionChecker reports whether a session is live.
// *session.Registry satisfies this interface.
type SessionChecker interface {
	IsAlive(sessionID string) bool
}

type subscribeFunc func(ctx context.Context, sessionID string) (<-chan []byte, func(), error)

// Hub serves one websocket per subscriber. Each connection is a read-only
// stream; client frames are discarded.
type Hub struct {
	source   Source
	sessions SessionChecker
	opts     *websocket.AcceptOptions
}

// NewHub creates a hub. originPatterns is passed to the websocket handshake;
// an empty list only accepts same-origin clients.
func NewHub(source Source, sessions SessionChecker, originPatterns []string) *Hub {
	return &Hub{
		source:   source,
		sessions: sessions,
		opts:     &websocket.AcceptOptions{OriginPatterns: originPatterns},
	}
}

// ServeEvents streams a session's events. Route: /ws/sessions/{id}.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "events", h.source.Events)
}

// ServeErrors streams a session's error notifications.
// Route: /ws/sessions/{id}/errors.
func (h *Hub) ServeErrors(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "errors", h.source.Errors)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, stream string, subscribe subscribeFunc) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	if h.sessions != nil && !h.sessions.IsAlive(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, h.opts)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("ws.Hub: websocket accept")
		return
	}
	defer conn.CloseNow()

	// CloseRead cancels ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := subscribe(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Str("stream", stream).Msg("ws.Hub: subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	log.Debug().Str("session_id", sessionID).Str("stream", stream).Msg("ws.Hub: client connected")

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, ok := <-messages:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Str("session_id", sessionID).Msg("ws.Hub: websocket write")
				return
			}
		}
	}
}
