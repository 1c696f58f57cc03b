package models

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the variant of a canonical Event.
type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventTextDelta      EventType = "text_delta"
	EventToolUse        EventType = "tool_use"
	EventToolResult     EventType = "tool_result"
	EventResult         EventType = "result"
	EventError          EventType = "error"
	EventRaw            EventType = "raw"
)

// Error codes carried by error events.
const (
	ErrorCodeClaude = "CLAUDE_ERROR"
	ErrorCodeStream = "STREAM_ERROR"
)

// Event is the canonical, closed set of run progress events. Exactly one of
// the variant pointers is set, matching Type.
type Event struct {
	Type EventType

	SessionCreated *SessionCreatedEvent
	TextDelta      *TextDeltaEvent
	ToolUse        *ToolUseEvent
	ToolResult     *ToolResultEvent
	Result         *ResultEvent
	Error          *ErrorEvent
	Raw            *RawEvent
}

// SessionCreatedEvent carries the agent-assigned session id.
type SessionCreatedEvent struct {
	SessionID string `json:"session_id"`
	Workspace string `json:"workspace"`
}

// TextDeltaEvent is one incremental fragment of assistant text.
type TextDeltaEvent struct {
	Text string `json:"text"`
}

// ToolUseEvent is a fully-assembled tool invocation.
type ToolUseEvent struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResultEvent is the output of a previously announced tool invocation.
type ToolResultEvent struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// ResultEvent is the terminal summary of a run.
type ResultEvent struct {
	Subtype  string   `json:"subtype"`
	IsError  bool     `json:"is_error"`
	Text     string   `json:"text"`
	NumTurns int      `json:"num_turns"`
	CostUSD  float64  `json:"cost_usd"`
	Errors   []string `json:"errors"`
}

// ErrorEvent reports a failure of the agent process itself.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RawEvent passes through an output record with no canonical mapping.
type RawEvent struct {
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
}

func NewSessionCreated(sessionID, workspace string) Event {
	return Event{Type: EventSessionCreated, SessionCreated: &SessionCreatedEvent{SessionID: sessionID, Workspace: workspace}}
}

func NewTextDelta(text string) Event {
	return Event{Type: EventTextDelta, TextDelta: &TextDeltaEvent{Text: text}}
}

func NewToolUse(id, name string, input map[string]any) Event {
	if input == nil {
		input = map[string]any{}
	}
	return Event{Type: EventToolUse, ToolUse: &ToolUseEvent{ID: id, Name: name, Input: input}}
}

func NewToolResult(toolUseID, content string, isError bool) Event {
	return Event{Type: EventToolResult, ToolResult: &ToolResultEvent{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

func NewResult(r ResultEvent) Event {
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return Event{Type: EventResult, Result: &r}
}

func NewError(code, message string) Event {
	return Event{Type: EventError, Error: &ErrorEvent{Code: code, Message: message}}
}

func NewRaw(messageType string, payload json.RawMessage) Event {
	return Event{Type: EventRaw, Raw: &RawEvent{MessageType: messageType, Payload: payload}}
}

// Terminal reports whether the event ends an observer's stream.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

func (e Event) payload() any {
	switch e.Type {
	case EventSessionCreated:
		return e.SessionCreated
	case EventTextDelta:
		return e.TextDelta
	case EventToolUse:
		return e.ToolUse
	case EventToolResult:
		return e.ToolResult
	case EventResult:
		return e.Result
	case EventError:
		return e.Error
	case EventRaw:
		return e.Raw
	}
	return nil
}

// MarshalJSON flattens the variant into a single object tagged with "type".
func (e Event) MarshalJSON() ([]byte, error) {
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(e.payload())
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	out := append([]byte(`{"type":`), typ...)
	if len(body) > 2 && body[0] == '{' {
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}

// UnmarshalJSON decodes the flattened form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	*e = Event{Type: envelope.Type}
	var target any
	switch envelope.Type {
	case EventSessionCreated:
		e.SessionCreated = &SessionCreatedEvent{}
		target = e.SessionCreated
	case EventTextDelta:
		e.TextDelta = &TextDeltaEvent{}
		target = e.TextDelta
	case EventToolUse:
		e.ToolUse = &ToolUseEvent{}
		target = e.ToolUse
	case EventToolResult:
		e.ToolResult = &ToolResultEvent{}
		target = e.ToolResult
	case EventResult:
		e.Result = &ResultEvent{}
		target = e.Result
	case EventError:
		e.Error = &ErrorEvent{}
		target = e.Error
	case EventRaw:
		e.Raw = &RawEvent{}
		target = e.Raw
	default:
		return fmt.Errorf("unknown event type %q", envelope.Type)
	}
	return json.Unmarshal(data, target)
}
