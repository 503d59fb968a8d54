// Package protocol implements the stream wire format: typed events carried
// as prefix-tagged JSON lines, and a decoder that turns a chunk-fragmented
// byte feed into a sequence of decoded events.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/datachat/datachat/internal/chat"
)

// EventType discriminates the wire records.
type EventType string

const (
	EventToken         EventType = "token"
	EventToolStart     EventType = "tool_start"
	EventToolEnd       EventType = "tool_end"
	EventTitleUpdated  EventType = "title_updated"
	EventContextUpdate EventType = "context_update"
	EventSummarizing   EventType = "summarizing"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Summarization status values carried by EventSummarizing.
const (
	SummarizingStart = "start"
	SummarizingDone  = "done"
)

// Event is one decoded wire record. A single struct covers the whole
// vocabulary; only the fields for the given Type are populated. Absent tool
// input/output is delivered as nil and treated as empty downstream, never as
// a fatal condition.
type Event struct {
	Type EventType `json:"type"`

	// token
	Content string `json:"content,omitempty"`

	// tool_start / tool_end
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	Output    map[string]any  `json:"output,omitempty"`
	Artifacts []chat.Artifact `json:"artifacts,omitempty"`

	// title_updated
	Title string `json:"title,omitempty"`

	// context_update
	TokensUsed int `json:"tokens_used,omitempty"`
	MaxTokens  int `json:"max_tokens,omitempty"`

	// summarizing
	Status string `json:"status,omitempty"`

	// done; nil when the backend persisted no assistant message id
	MessageID *string `json:"message_id,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the event ends a session.
func (e *Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ParseEvent parses one line payload into an Event. It fails on JSON that
// does not decode or on an unrecognized type discriminator; structural
// validation stops there so that optional fields can be absent.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("malformed event payload: %w", err)
	}
	switch ev.Type {
	case EventToken, EventToolStart, EventToolEnd, EventTitleUpdated,
		EventContextUpdate, EventSummarizing, EventDone, EventError:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("unrecognized event type %q", ev.Type)
	}
}
