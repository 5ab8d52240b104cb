package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"healthwatch/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The REST routes already allow any origin; the socket follows suit.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSink adapts a websocket connection to the session.Sink interface.
// gorilla connections allow only one concurrent writer, so every send
// serializes through the mutex.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *wsSink) Send(frame any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteJSON(frame)
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// sessionSocket is the WebSocket endpoint carrying one diagnostic
// session per connection. The first client frame must be start; later
// frames are intervene/resume decisions. Invalid decisions and unknown
// frames are dropped without tearing down the connection.
func (s *Server) sessionSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	sink := &wsSink{conn: conn}

	_, first, err := conn.ReadMessage()
	if err != nil {
		_ = sink.Close()
		return
	}
	frame, err := protocol.ParseClientFrame(first)
	if err != nil {
		_ = sink.Close()
		return
	}
	start, ok := frame.(*protocol.Start)
	if !ok {
		_ = sink.Close()
		return
	}

	coord := s.registry.Open(r.Context(), start.Issue, sink)
	key := start.Issue.Key()
	slog.Info("session channel opened", "issue", key)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			slog.Debug("dropping unparseable client frame", "issue", key, "error", err)
			continue
		}
		switch f := frame.(type) {
		case *protocol.Intervene:
			if !coord.Intervene(f.Decision, f.Hint) {
				slog.Debug("dropping conflicting decision", "issue", key, "decision", f.Decision)
			}
		case *protocol.Resume:
			if !coord.Resume(f.Decision) {
				slog.Debug("dropping resume outside stall", "issue", key)
			}
		default:
			// A second start on a live channel is a no-op; the session
			// already exists and the channel is already attached.
		}
	}

	// The coordinator keeps running detached; a reconnect picks the
	// session back up via history replay.
	_ = sink.Close()
	slog.Info("session channel closed", "issue", key)
}
