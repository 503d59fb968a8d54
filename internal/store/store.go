// Package store holds the client's conversation state: the cached thread
// list, persisted messages per thread, and the ephemeral streaming
// structures (draft, tool drafts, artifact bubbles, context usage). All
// mutations go through the narrow method set here so mutation order stays
// auditable; callers never write fields directly.
//
// State is scoped per thread id behind a single RWMutex, so concurrent
// sessions on different threads interleave without cross-contamination.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datachat/datachat/internal/chat"
	"github.com/datachat/datachat/internal/common/logger"
)

// threadState is everything the store tracks for one thread. The draft
// builder exists only between the first token of a session and the terminal
// event; at most one draft per thread at any instant.
type threadState struct {
	messages   []chat.Message
	draft      *strings.Builder
	toolDrafts map[string]*chat.ToolDraft
	bubbles    map[string]*chat.ArtifactBubble
	usage      chat.ContextUsage
}

// Store is the shared conversation state store.
type Store struct {
	mu      sync.RWMutex
	threads []chat.Thread
	state   map[string]*threadState
	logger  *logger.Logger
}

// NewStore creates an empty store.
func NewStore(log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		state:  make(map[string]*threadState),
		logger: log.WithFields(zap.String("component", "conversation-store")),
	}
}

// thread returns the state slot for a thread, creating it on first touch.
// Callers must hold the write lock.
func (s *Store) thread(threadID string) *threadState {
	ts, ok := s.state[threadID]
	if !ok {
		ts = &threadState{
			toolDrafts: make(map[string]*chat.ToolDraft),
			bubbles:    make(map[string]*chat.ArtifactBubble),
		}
		s.state[threadID] = ts
	}
	return ts
}

// Thread list cache

// SetThreads replaces the cached thread list.
func (s *Store) SetThreads(threads []chat.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = append([]chat.Thread(nil), threads...)
}

// Threads returns a copy of the cached thread list.
func (s *Store) Threads() []chat.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chat.Thread(nil), s.threads...)
}

// UpsertThread inserts or replaces a thread in the cached list.
func (s *Store) UpsertThread(t chat.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.threads {
		if s.threads[i].ID == t.ID {
			s.threads[i] = t
			return
		}
	}
	s.threads = append([]chat.Thread{t}, s.threads...)
}

// SetTitle updates a thread title in the cached list (title_updated event).
func (s *Store) SetTitle(threadID, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.threads {
		if s.threads[i].ID == threadID {
			s.threads[i].Title = title
			return
		}
	}
}

// RemoveThread drops a thread from the cache along with all of its state.
func (s *Store) RemoveThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.threads {
		if s.threads[i].ID == threadID {
			s.threads = append(s.threads[:i], s.threads[i+1:]...)
			break
		}
	}
	delete(s.state, threadID)
}

// Messages

// AppendMessage appends a message to a thread's list. Used for the
// optimistic user message before the stream opens; that message is not
// retracted if the stream later fails.
func (s *Store) AppendMessage(msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.thread(msg.ThreadID)
	ts.messages = append(ts.messages, msg)
}

// Messages returns a copy of a thread's message list in chronological order.
func (s *Store) Messages(threadID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.state[threadID]
	if !ok {
		return nil
	}
	return append([]chat.Message(nil), ts.messages...)
}

// Streaming draft

// AppendToken appends a text fragment to the thread's streaming draft,
// creating the draft when the first fragment of a session arrives.
func (s *Store) AppendToken(threadID, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.thread(threadID)
	if ts.draft == nil {
		ts.draft = &strings.Builder{}
	}
	ts.draft.WriteString(fragment)
}

// Draft returns the accumulated draft text and whether a draft exists.
func (s *Store) Draft(threadID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.state[threadID]
	if !ok || ts.draft == nil {
		return "", false
	}
	return ts.draft.String(), true
}

// Tool drafts and artifact bubbles

// StartTool creates or replaces the tool draft for (thread, name). A second
// start for the same key replaces rather than duplicates. Absent input is
// treated as empty.
func (s *Store) StartTool(threadID, name string, input map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.thread(threadID)
	ts.toolDrafts[name] = &chat.ToolDraft{
		Name:      name,
		Input:     input,
		StartedAt: time.Now(),
	}
}

// EndTool removes the tool draft for (thread, name). When the output carried
// artifacts, they are recorded on the thread's artifact bubble for that tool;
// bubbles accumulate during a session and are cleared only by reconciliation.
func (s *Store) EndTool(threadID, name string, artifacts []chat.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.thread(threadID)
	delete(ts.toolDrafts, name)
	if len(artifacts) == 0 {
		return
	}
	if b, ok := ts.bubbles[name]; ok {
		b.Artifacts = append(b.Artifacts, artifacts...)
		return
	}
	ts.bubbles[name] = &chat.ArtifactBubble{
		ToolName:  name,
		Artifacts: append([]chat.Artifact(nil), artifacts...),
	}
}

// ToolDrafts returns a copy of the active tool drafts for a thread.
func (s *Store) ToolDrafts(threadID string) []chat.ToolDraft {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.state[threadID]
	if !ok {
		return nil
	}
	drafts := make([]chat.ToolDraft, 0, len(ts.toolDrafts))
	for _, d := range ts.toolDrafts {
		drafts = append(drafts, *d)
	}
	return drafts
}

// Bubbles returns a copy of the artifact bubbles for a thread.
func (s *Store) Bubbles(threadID string) []chat.ArtifactBubble {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.state[threadID]
	if !ok {
		return nil
	}
	bubbles := make([]chat.ArtifactBubble, 0, len(ts.bubbles))
	for _, b := range ts.bubbles {
		bubbles = append(bubbles, chat.ArtifactBubble{
			ToolName:  b.ToolName,
			Artifacts: append([]chat.Artifact(nil), b.Artifacts...),
		})
	}
	return bubbles
}

// Context usage

// SetContextUsage overwrites the thread's token counters (context_update).
func (s *Store) SetContextUsage(threadID string, tokensUsed, maxTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.thread(threadID)
	ts.usage.TokensUsed = tokensUsed
	ts.usage.MaxTokens = maxTokens
}

// SetSummarizing flips the thread's summarizing flag (summarizing events).
func (s *Store) SetSummarizing(threadID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thread(threadID).usage.Summarizing = active
}

// Usage returns the thread's context usage counters.
func (s *Store) Usage(threadID string) chat.ContextUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.state[threadID]
	if !ok {
		return chat.ContextUsage{}
	}
	return ts.usage
}

// Session termination

// FinalizeDraft materializes the accumulated draft as a persisted-shaped
// assistant message appended to the thread, then clears the draft and all
// tool drafts. The backend-confirmed message id is used when provided,
// otherwise a locally generated one; the local message stays marked
// provisional until reconciliation replaces it. Finalizing with no draft
// present is a no-op, so finalizing twice cannot duplicate the message.
func (s *Store) FinalizeDraft(threadID string, messageID *string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.state[threadID]
	if !ok || ts.draft == nil {
		if ts != nil {
			ts.toolDrafts = make(map[string]*chat.ToolDraft)
		}
		return chat.Message{}, false
	}

	msg := chat.Message{
		ThreadID:    threadID,
		Role:        chat.RoleAssistant,
		Content:     chat.Content{Text: ts.draft.String()},
		Provisional: true,
	}
	if messageID != nil && *messageID != "" {
		msg.ID = *messageID
		msg.Provisional = false
	} else {
		msg.ID = uuid.New().String()
	}

	ts.messages = append(ts.messages, msg)
	ts.draft = nil
	ts.toolDrafts = make(map[string]*chat.ToolDraft)
	return msg, true
}

// AbortSession clears the streaming draft and tool drafts for a thread
// without materializing a message. Used for both stream errors and user
// cancellation. Artifact bubbles survive; their artifacts were already
// produced and reconciliation will subsume or clear them.
func (s *Store) AbortSession(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.state[threadID]
	if !ok {
		return
	}
	ts.draft = nil
	ts.toolDrafts = make(map[string]*chat.ToolDraft)
}

// Reconciliation

// ApplyAuthoritative replaces the thread's message list wholesale with the
// backend's persisted record (chronological order) and clears the thread's
// artifact bubbles, whose information the persisted messages now subsume.
// Replace, not merge: optimistic ids are discarded along with the rest of
// the provisional representation.
func (s *Store) ApplyAuthoritative(threadID string, msgs []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.thread(threadID)
	ts.messages = append([]chat.Message(nil), msgs...)
	ts.bubbles = make(map[string]*chat.ArtifactBubble)
	s.logger.Debug("applied authoritative messages",
		zap.String("thread_id", threadID),
		zap.Int("count", len(msgs)))
}

// ClearBubbles drops all artifact bubbles for a thread.
func (s *Store) ClearBubbles(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.state[threadID]; ok {
		ts.bubbles = make(map[string]*chat.ArtifactBubble)
	}
}
