// Package stream carries turn progress from the agent loop to a client over
// SSE or WebSocket.
package stream

import (
	"encoding/json"
	"time"
)

// EventType names a stream event.
type EventType string

const (
	EventToken      EventType = "token"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	// EventSession is sent first and names the session the turn runs in.
	EventSession    EventType = "session"
)

// DoneMarker terminates every stream.
const DoneMarker = "[DONE]"

// Event is one unit of turn progress.
type Event struct {
	Type         EventType       `json:"type"`
	SessionToken string          `json:"session_token,omitempty"`
	Text         string          `json:"text,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Content      string          `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Skipped      bool            `json:"skipped,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	At           time.Time       `json:"at"`
}

// Session builds the opening session event.
func Session(token string) Event {
	return Event{Type: EventSession, SessionToken: token, At: time.Now().UTC()}
}

// Token builds a token event.
func Token(text string) Event {
	return Event{Type: EventToken, Text: text, At: time.Now().UTC()}
}

// ToolStart builds a tool_start event.
func ToolStart(tool, callID string, args json.RawMessage) Event {
	return Event{Type: EventToolStart, Tool: tool, CallID: callID, Args: args, At: time.Now().UTC()}
}

// ToolResult builds a tool_result event.
func ToolResult(tool, callID, content string, isError, skipped bool) Event {
	return Event{
		Type:    EventToolResult,
		Tool:    tool,
		CallID:  callID,
		Content: content,
		IsError: isError,
		Skipped: skipped,
		At:      time.Now().UTC(),
	}
}

// Error builds an error event.
func Error(msg string, retryable bool) Event {
	return Event{Type: EventError, Text: msg, Retryable: retryable, At: time.Now().UTC()}
}

// Sink receives events from a producer.
type Sink interface {
	Emit(Event)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }
