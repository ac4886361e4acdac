package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SSEWriter frames events as server-sent events.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers on w. It fails if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes "event: <type>\ndata: <json>\n\n".
func (s *SSEWriter) WriteEvent(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := writeSSE(s.w, string(ev.Type), string(data)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteDone writes the terminal "data: [DONE]" frame.
func (s *SSEWriter) WriteDone(_ context.Context) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", DoneMarker); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Ping writes an SSE comment so proxies keep the connection open.
func (s *SSEWriter) Ping(_ context.Context) error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
