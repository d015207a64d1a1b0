package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is enforced by the middleware; the handshake accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleExecutionEvents streams progress events for one execution over a
// WebSocket. GET /api/v1/executions/{id}/events?from_seq=N
//
// The retained backlog from from_seq is delivered first, then live events,
// so a reconnecting client passing its last seen sequence plus one sees
// every event exactly once.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/executions/")
	if !strings.HasSuffix(path, "/events") {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}
	execID := strings.TrimSuffix(path, "/events")
	if execID == "" {
		s.respondError(w, http.StatusBadRequest, "Execution ID required")
		return
	}
	if _, err := s.orchestrator.Status(execID); err != nil {
		s.respondError(w, http.StatusNotFound, "Execution not found")
		return
	}

	var fromSeq uint64
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "from_seq must be a non-negative integer")
			return
		}
		fromSeq = parsed
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] WebSocket upgrade failed for execution %s: %v", execID, err)
		return
	}
	defer conn.Close()

	sub, backlog := s.broadcaster.Subscribe(execID, fromSeq)
	defer s.broadcaster.Unsubscribe(execID, sub)

	for _, event := range backlog {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
	// The backlog snapshot and the live channel can overlap; skip anything
	// already sent.
	lastSent := uint64(0)
	if n := len(backlog); n > 0 {
		lastSent = backlog[n-1].Sequence
	}

	// Reader goroutine: drains client frames and surfaces disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			if event.Sequence <= lastSent {
				continue
			}
			lastSent = event.Sequence
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
