// Package api provides the HTTP client for the chat backend: thread and
// config CRUD, message listing, and the streaming message submission.
package api

import (
	"time"

	"github.com/datachat/datachat/internal/chat"
)

// CreateThreadRequest creates a new thread for a user.
type CreateThreadRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}

// UpdateTitleRequest sets a thread title manually.
type UpdateTitleRequest struct {
	Title string `json:"title"`
}

// PostMessageRequest submits a user message. MessageID is the
// client-generated idempotency key; the backend rejects duplicates with 409.
type PostMessageRequest struct {
	MessageID string       `json:"message_id"`
	Content   chat.Content `json:"content"`
	Role      chat.Role    `json:"role"`
}

// ThreadResponse represents a thread in API responses.
type ThreadResponse struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Title      string     `json:"title"`
	ArchivedAt *time.Time `json:"archived_at"`
}

// Thread converts the response into the domain type.
func (t *ThreadResponse) Thread() chat.Thread {
	return chat.Thread{
		ID:         t.ID,
		Title:      t.Title,
		ArchivedAt: t.ArchivedAt,
	}
}

// ArtifactResponse represents an artifact attached to a message.
type ArtifactResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// MessageResponse represents a persisted message in API responses.
// Content is null for tool messages.
type MessageResponse struct {
	ID         string             `json:"id"`
	ThreadID   string             `json:"thread_id"`
	Role       chat.Role          `json:"role"`
	Content    *chat.Content      `json:"content"`
	ToolName   string             `json:"tool_name,omitempty"`
	ToolInput  map[string]any     `json:"tool_input,omitempty"`
	ToolOutput map[string]any     `json:"tool_output,omitempty"`
	Artifacts  []ArtifactResponse `json:"artifacts"`
}

// Message converts the response into the domain type.
func (m *MessageResponse) Message() chat.Message {
	msg := chat.Message{
		ID:         m.ID,
		ThreadID:   m.ThreadID,
		Role:       m.Role,
		ToolName:   m.ToolName,
		ToolInput:  m.ToolInput,
		ToolOutput: m.ToolOutput,
	}
	if m.Content != nil {
		msg.Content = *m.Content
	}
	for _, a := range m.Artifacts {
		msg.Artifacts = append(msg.Artifacts, chat.Artifact{
			ID:   a.ID,
			Name: a.Name,
			Mime: a.Mime,
			Size: a.Size,
			URL:  a.URL,
		})
	}
	return msg
}

// ConfigResponse mirrors the backend's per-thread config record. Fields are
// pointers so an unset value is distinguishable from an explicit zero.
type ConfigResponse struct {
	Model         *string        `json:"model"`
	Temperature   *float64       `json:"temperature"`
	SystemPrompt  *string        `json:"system_prompt"`
	ContextWindow *int           `json:"context_window"`
	Settings      map[string]any `json:"settings"`
}

// Config converts the response into the domain type.
func (c *ConfigResponse) Config() chat.ThreadConfig {
	return chat.ThreadConfig{
		Model:         c.Model,
		Temperature:   c.Temperature,
		SystemPrompt:  c.SystemPrompt,
		ContextWindow: c.ContextWindow,
		Settings:      c.Settings,
	}
}

// UpdateConfigRequest upserts per-thread config; nil fields are left as-is.
type UpdateConfigRequest struct {
	Model         *string        `json:"model,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	SystemPrompt  *string        `json:"system_prompt,omitempty"`
	ContextWindow *int           `json:"context_window,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
}
