// Package chat defines the domain model shared by the store, the session
// controller, and the API client: threads, messages, artifacts, and the
// ephemeral structures that exist only while a response is streaming.
package chat

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Thread is the client's cached copy of a backend conversation thread.
type Thread struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Archived reports whether the thread has been soft-deleted.
func (t *Thread) Archived() bool {
	return t.ArchivedAt != nil
}

// Content is the structured text payload of a message.
type Content struct {
	Text string `json:"text"`
}

// Artifact is a backend-produced file reference attachable to a message.
// The client only consumes the list; dedup by content hash is a backend
// concern.
type Artifact struct {
	ID   string `json:"id"`
	Hash string `json:"hash,omitempty"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Message is a persisted (or optimistically persisted-shaped) conversation
// message. Messages are immutable once the backend has assigned identity;
// Provisional marks locally constructed copies whose id must be replaced,
// not shadowed, when the authoritative id is known.
type Message struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	Role        Role           `json:"role"`
	Content     Content        `json:"content"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	ToolOutput  map[string]any `json:"tool_output,omitempty"`
	Artifacts   []Artifact     `json:"artifacts,omitempty"`
	Provisional bool           `json:"-"`
}

// ToolDraft tracks one in-flight tool execution, keyed by (thread, tool name)
// in the store. A second start for the same key replaces the draft.
type ToolDraft struct {
	Name      string
	Input     map[string]any
	StartedAt time.Time
}

// ArtifactBubble holds the artifact list a tool_end event produced, kept
// visible during streaming until reconciliation confirms the same artifacts
// on a persisted message.
type ArtifactBubble struct {
	ToolName  string
	Artifacts []Artifact
}

// ContextUsage carries the per-thread context-window counters mutated by
// metadata events, independent of message content.
type ContextUsage struct {
	TokensUsed  int
	MaxTokens   int
	Summarizing bool
}

// ThreadConfig is the per-thread generation configuration record. Nil
// pointers mean "not explicitly set" so the fallback chain stays visible.
type ThreadConfig struct {
	Model         *string        `json:"model,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	SystemPrompt  *string        `json:"system_prompt,omitempty"`
	ContextWindow *int           `json:"context_window,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
}

// EffectiveContextWindow resolves the context-window size through the
// documented fallback chain: explicit value, then the per-thread default,
// then the system default.
func EffectiveContextWindow(explicit, threadDefault *int, systemDefault int) int {
	if explicit != nil && *explicit > 0 {
		return *explicit
	}
	if threadDefault != nil && *threadDefault > 0 {
		return *threadDefault
	}
	return systemDefault
}
