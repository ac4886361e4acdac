// Package domain contains core domain types for the tailor service.
package domain

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var errStatePopulated = errors.New("conversation state already has events")

// EventKind discriminates a TurnEvent.
type EventKind string

const (
	// EventUserMessage is a message typed by the user.
	EventUserMessage EventKind = "user_message"
	// EventAssistantMessage is one model step: text and/or requested tool calls.
	EventAssistantMessage EventKind = "assistant_message"
	// EventToolResult is the observation produced by dispatching one tool call.
	EventToolResult EventKind = "tool_result"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// TurnEvent is one append-only record in a conversation.
type TurnEvent struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`

	// user_message and assistant_message.
	Text string `json:"text,omitempty"`

	// assistant_message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// tool_result.
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	// Skipped marks a result synthesized for a call that was never dispatched.
	Skipped bool `json:"skipped,omitempty"`
}

// UserMessage builds a user_message event.
func UserMessage(text string) TurnEvent {
	return TurnEvent{Kind: EventUserMessage, Text: text, At: time.Now().UTC()}
}

// AssistantMessage builds an assistant_message event.
func AssistantMessage(text string, calls []ToolCall) TurnEvent {
	return TurnEvent{Kind: EventAssistantMessage, Text: text, ToolCalls: calls, At: time.Now().UTC()}
}

// ToolResult builds a tool_result event answering call.
func ToolResult(call ToolCall, content string, isError bool) TurnEvent {
	return TurnEvent{
		Kind:       EventToolResult,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Content:    content,
		IsError:    isError,
		At:         time.Now().UTC(),
	}
}

// SkippedResult builds a tool_result for a call the loop declined to dispatch.
func SkippedResult(call ToolCall, reason string) TurnEvent {
	ev := ToolResult(call, reason, true)
	ev.Skipped = true
	return ev
}

// HasToolCalls reports whether an assistant event requested any tool.
func (e TurnEvent) HasToolCalls() bool {
	return e.Kind == EventAssistantMessage && len(e.ToolCalls) > 0
}

// ConversationState is the event log of one session.
//
// The log can only grow: Append is the sole mutator and Events returns a copy.
// Loop guards count prior tool results, so replacing history would let a
// misbehaving model run forever.
type ConversationState struct {
	mu     sync.RWMutex
	events []TurnEvent
}

// NewConversationState returns a state seeded with prior events, e.g. loaded
// from storage.
func NewConversationState(events ...TurnEvent) *ConversationState {
	s := &ConversationState{}
	s.events = append(s.events, events...)
	return s
}

// Append adds events to the end of the log.
func (s *ConversationState) Append(events ...TurnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

// Events returns a copy of the full ordered log.
func (s *ConversationState) Events() []TurnEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TurnEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of events.
func (s *ConversationState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// CurrentTurn returns the events from the most recent user_message onward.
func (s *ConversationState) CurrentTurn() []TurnEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Kind == EventUserMessage {
			start = i
			break
		}
	}
	out := make([]TurnEvent, len(s.events)-start)
	copy(out, s.events[start:])
	return out
}

// LastAssistant returns the most recent assistant_message in the current turn.
func (s *ConversationState) LastAssistant() (TurnEvent, bool) {
	turn := s.CurrentTurn()
	for i := len(turn) - 1; i >= 0; i-- {
		if turn[i].Kind == EventAssistantMessage {
			return turn[i], true
		}
	}
	return TurnEvent{}, false
}

// ToolCallCounts counts dispatched tool results in the current turn, by tool
// name. Skipped results are not counted.
func (s *ConversationState) ToolCallCounts() map[string]int {
	return CountToolResults(s.CurrentTurn())
}

// CountToolResults counts dispatched tool_result events by tool name.
func CountToolResults(events []TurnEvent) map[string]int {
	counts := make(map[string]int)
	for _, ev := range events {
		if ev.Kind == EventToolResult && !ev.Skipped {
			counts[ev.ToolName]++
		}
	}
	return counts
}

// MarshalJSON encodes the event log.
func (s *ConversationState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Events())
}

// UnmarshalJSON decodes an event log into an empty state.
func (s *ConversationState) UnmarshalJSON(data []byte) error {
	var events []TurnEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) > 0 {
		return errStatePopulated
	}
	s.events = events
	return nil
}
