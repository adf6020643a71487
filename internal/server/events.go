package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBuffer    = 64
	eventWriteWait = 10 * time.Second
)

// handleEvents streams a conversation's events as JSON websocket frames
// until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) *apiError {
	id := r.PathValue("id")
	if _, err := s.coord.GetConversation(r.Context(), id); err != nil {
		return fromError(err, id)
	}

	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed.
	events, cancel := s.coord.Events().Subscribe(id, eventBuffer)
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.isOriginAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return nil
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case <-r.Context().Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("event stream closed", "conversation_id", id, "error", err)
				return nil
			}
		}
	}
}

func (s *Server) isOriginAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return strings.EqualFold(u.Host, r.Host)
}
