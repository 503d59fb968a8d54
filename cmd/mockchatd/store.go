package main

import (
	"sort"
	"sync"
	"time"

	"github.com/datachat/datachat/internal/api"
	"github.com/datachat/datachat/internal/chat"
)

// storedMessage is a persisted message plus ordering metadata.
type storedMessage struct {
	api.MessageResponse
	clientMessageID string
	createdAt       time.Time
}

// mockThread holds one thread's state.
type mockThread struct {
	thread   api.ThreadResponse
	config   *api.ConfigResponse
	messages []*storedMessage
	titled   bool
}

// memoryStore is the in-memory backing store for the mock backend.
type memoryStore struct {
	mu      sync.Mutex
	threads map[string]*mockThread
}

func newMemoryStore() *memoryStore {
	return &memoryStore{threads: make(map[string]*mockThread)}
}

func (m *memoryStore) createThread(t api.ThreadResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[t.ID] = &mockThread{thread: t}
}

// getThread returns a copy of the thread record.
func (m *memoryStore) getThread(id string) (api.ThreadResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return api.ThreadResponse{}, false
	}
	return t.thread, true
}

func (m *memoryStore) hasThread(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.threads[id]
	return ok
}

// archiveThread soft-deletes a thread. Already-archived threads keep their
// original archival timestamp.
func (m *memoryStore) archiveThread(id string) (api.ThreadResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return api.ThreadResponse{}, false
	}
	if t.thread.ArchivedAt == nil {
		now := time.Now().UTC()
		t.thread.ArchivedAt = &now
	}
	return t.thread, true
}

func (m *memoryStore) unarchiveThread(id string) (api.ThreadResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return api.ThreadResponse{}, false
	}
	t.thread.ArchivedAt = nil
	return t.thread, true
}

// setTitle sets a thread title manually, which also stops auto-titling.
func (m *memoryStore) setTitle(id, title string) (api.ThreadResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return api.ThreadResponse{}, false
	}
	t.thread.Title = title
	t.titled = true
	return t.thread, true
}

func (m *memoryStore) listThreads(userID string, includeArchived bool, limit int) []api.ThreadResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []api.ThreadResponse
	for _, t := range m.threads {
		if t.thread.UserID != userID {
			continue
		}
		if !includeArchived && t.thread.ArchivedAt != nil {
			continue
		}
		out = append(out, t.thread)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memoryStore) deleteThread(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, id)
}

// hasMessageID reports whether the thread already saw this client message id.
// Enforces the idempotency contract: duplicates get 409.
func (m *memoryStore) hasMessageID(threadID, clientMessageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return false
	}
	for _, msg := range t.messages {
		if msg.clientMessageID == clientMessageID {
			return true
		}
	}
	return false
}

func (m *memoryStore) appendMessage(threadID string, msg *storedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[threadID]; ok {
		t.messages = append(t.messages, msg)
	}
}

// listMessages returns messages in descending recency order, the way the
// real backend serves them.
func (m *memoryStore) listMessages(threadID string, limit int) []api.MessageResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil
	}
	msgs := append([]*storedMessage(nil), t.messages...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].createdAt.After(msgs[j].createdAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]api.MessageResponse, 0, len(msgs))
	for _, s := range msgs {
		out = append(out, s.MessageResponse)
	}
	return out
}

// maybeAutoTitle assigns a derived title after the first exchange and
// reports whether it did.
func (m *memoryStore) maybeAutoTitle(threadID, userText string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.titled || t.thread.Title != "New chat" {
		return "", false
	}
	title := userText
	if len(title) > 40 {
		title = title[:40]
	}
	t.thread.Title = title
	t.titled = true
	return title, true
}

func (m *memoryStore) setConfig(threadID string, upd api.UpdateConfigRequest) (*api.ConfigResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil, false
	}
	if t.config == nil {
		t.config = &api.ConfigResponse{}
	}
	if upd.Model != nil {
		t.config.Model = upd.Model
	}
	if upd.Temperature != nil {
		t.config.Temperature = upd.Temperature
	}
	if upd.SystemPrompt != nil {
		t.config.SystemPrompt = upd.SystemPrompt
	}
	if upd.ContextWindow != nil {
		t.config.ContextWindow = upd.ContextWindow
	}
	if upd.Settings != nil {
		t.config.Settings = upd.Settings
	}
	return t.config, true
}

func (m *memoryStore) getConfig(threadID string) (*api.ConfigResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil, false
	}
	return t.config, true
}

// contentPtr builds the nullable content payload for a stored message.
func contentPtr(text string) *chat.Content {
	return &chat.Content{Text: text}
}
