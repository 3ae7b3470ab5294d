// Package eventstream exposes the in-process event bus over a local
// WebSocket endpoint so an external dashboard (internal/tui, or any other
// out-of-scope collaborator per spec.md §1) can tail live events without
// polling events/events.jsonl.
package eventstream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawswarm/orchestrator/internal/bus"
)

// Server serves a single "/events" WebSocket endpoint that streams every
// bus.Record published on the bus to each connected client.
type Server struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// New constructs a Server.
func New(b *bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bus: b, logger: logger.With("component", "eventstream")}
}

// Handler returns the http.Handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.bus.Subscribe("")
	defer s.bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev.Payload)
			cancel()
			if err != nil {
				s.logger.Warn("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}
