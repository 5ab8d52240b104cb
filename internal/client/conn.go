// Package client implements the operator-side session manager: one
// bidirectional channel per tracked issue, decoded frames folded into a
// conversation snapshot in strict arrival order.
package client

import (
	"context"

	"github.com/gorilla/websocket"

	"healthwatch/internal/models"
)

// Conn is one bidirectional session channel. The concrete transport is a
// WebSocket in production and a scripted fake in tests.
type Conn interface {
	// ReadMessage blocks for the next frame payload.
	ReadMessage() ([]byte, error)
	// WriteJSON serializes a frame onto the channel.
	WriteJSON(v any) error
	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Dialer opens a session channel for an issue.
type Dialer interface {
	Dial(ctx context.Context, issue models.Issue) (Conn, error)
}

// WebSocketDialer dials the server's session endpoint with gorilla.
type WebSocketDialer struct {
	// URL is the ws:// endpoint, e.g. ws://localhost:8080/api/v1/sessions/ws.
	URL string
}

func (d *WebSocketDialer) Dial(ctx context.Context, issue models.Issue) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
