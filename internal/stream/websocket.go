package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// WSWriter sends each event as one JSON text frame.
type WSWriter struct {
	conn *websocket.Conn
}

// NewWSWriter wraps an accepted connection.
func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn}
}

// WriteEvent sends ev as a text frame.
func (w *WSWriter) WriteEvent(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// WriteDone sends the [DONE] text frame.
func (w *WSWriter) WriteDone(ctx context.Context) error {
	return w.conn.Write(ctx, websocket.MessageText, []byte(DoneMarker))
}

// Ping sends a websocket ping and waits for the pong.
func (w *WSWriter) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}
