// Package session owns the stream lifecycle: one active session per thread,
// submission, event dispatch into the store, cancellation, and the
// post-stream reconciliation against the backend's persisted record.
package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datachat/datachat/internal/api"
	"github.com/datachat/datachat/internal/chat"
	apperrors "github.com/datachat/datachat/internal/common/errors"
	"github.com/datachat/datachat/internal/common/logger"
	"github.com/datachat/datachat/internal/protocol"
	"github.com/datachat/datachat/internal/store"
)

// Outcome classifies how a session ended. Exactly one outcome is reported
// per session, at most once.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeError   Outcome = "error"
	OutcomeAborted Outcome = "aborted"
)

// Result is the terminal report of a session.
type Result struct {
	Outcome Outcome

	// MessageID is the id of the materialized assistant message on done.
	MessageID string

	// Err carries the failure on OutcomeError; for OutcomeAborted it holds
	// an ABORTED AppError that must not be presented as a failure.
	Err error
}

// Observer receives every decoded event after its store mutation has been
// applied, in feed order. For terminal events that includes the finalization
// or cleanup, so an observer reading the store on done sees the materialized
// message, not the draft. Intended for rendering; it runs on the session's
// dispatch goroutine, so it must not block.
type Observer func(threadID string, ev protocol.Event)

// Controller owns at most one active stream session per thread. A new Begin
// for a thread implicitly cancels and supersedes any prior session on it.
type Controller struct {
	client     *api.Client
	store      *store.Store
	reconciler *Reconciler
	logger     *logger.Logger

	// idleTimeout aborts a stream delivering no bytes for this duration.
	// Zero disables it; a stalled feed then blocks until cancelled.
	idleTimeout time.Duration

	observer Observer

	mu     sync.Mutex
	active map[string]*Session
}

// NewController creates a session controller.
func NewController(client *api.Client, st *store.Store, rec *Reconciler, idleTimeout time.Duration, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Default()
	}
	return &Controller{
		client:      client,
		store:       st,
		reconciler:  rec,
		idleTimeout: idleTimeout,
		logger:      log.WithFields(zap.String("component", "session-controller")),
		active:      make(map[string]*Session),
	}
}

// SetObserver sets the per-event observer callback. Safe to call while
// sessions are running; events dispatched after the call see the new observer.
func (c *Controller) SetObserver(obs Observer) {
	c.mu.Lock()
	c.observer = obs
	c.mu.Unlock()
}

// notify delivers one event to the observer, if any is set.
func (c *Controller) notify(threadID string, ev protocol.Event) {
	c.mu.Lock()
	obs := c.observer
	c.mu.Unlock()
	if obs != nil {
		obs(threadID, ev)
	}
}

// Session is the handle for one request/stream lifecycle.
type Session struct {
	ThreadID  string
	MessageID string // client-generated idempotency key

	cancel    context.CancelFunc
	cancelled atomic.Bool

	done   chan struct{}
	result Result
	once   sync.Once
}

// Cancel aborts the session: it severs the open connection and classifies
// any error that surfaces as a consequence as aborted, not error. Safe to
// call more than once; a no-op after the session reached a terminal state.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

// Wait blocks until the session reaches its terminal outcome or ctx ends.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Outcome returns the terminal result if the session has finished.
func (s *Session) Outcome() (Result, bool) {
	select {
	case <-s.done:
		return s.result, true
	default:
		return Result{}, false
	}
}

func (s *Session) finish(res Result) {
	s.once.Do(func() {
		s.result = res
		close(s.done)
	})
}

// Begin submits a user message on the given thread under a freshly generated
// idempotency key and starts consuming the response stream.
func (c *Controller) Begin(ctx context.Context, threadID, text string) *Session {
	return c.BeginWithID(ctx, threadID, uuid.New().String(), text)
}

// BeginWithID submits a user message under a caller-supplied message id, so a
// failed submission can be retried with the same idempotency key and the
// backend's duplicate detection applies. The optimistic user message is
// appended to the store before the request is issued and is not retracted on
// failure. The returned handle reports exactly one terminal outcome.
func (c *Controller) BeginWithID(ctx context.Context, threadID, messageID, text string) *Session {
	c.store.AppendMessage(chat.Message{
		ID:          messageID,
		ThreadID:    threadID,
		Role:        chat.RoleUser,
		Content:     chat.Content{Text: text},
		Provisional: true,
	})

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ThreadID:  threadID,
		MessageID: messageID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if prior, ok := c.active[threadID]; ok {
		c.logger.Info("superseding active session",
			zap.String("thread_id", threadID),
			zap.String("message_id", prior.MessageID))
		prior.Cancel()
	}
	c.active[threadID] = sess
	c.mu.Unlock()

	go c.run(sessCtx, sess, text)
	return sess
}

// CancelThread cancels the active session for a thread, if any.
func (c *Controller) CancelThread(threadID string) bool {
	c.mu.Lock()
	sess, ok := c.active[threadID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	sess.Cancel()
	return true
}

// ActiveSession returns the active session for a thread, if any.
func (c *Controller) ActiveSession(threadID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.active[threadID]
	return sess, ok
}

// run drives one session: submission, decode loop, terminal classification.
// All events of a session are dispatched here, on this goroutine, strictly
// in feed order.
func (c *Controller) run(ctx context.Context, sess *Session, text string) {
	log := c.logger.WithThreadID(sess.ThreadID).WithFields(
		zap.String("message_id", sess.MessageID))

	defer c.release(sess)

	body, err := c.client.PostMessage(ctx, sess.ThreadID, sess.MessageID, text)
	if err != nil {
		// The decoder is never reached on a rejected submission.
		c.store.AbortSession(sess.ThreadID)
		c.terminate(sess, log, err)
		return
	}
	if c.idleTimeout > 0 {
		body = newIdleReader(body, c.idleTimeout)
	}
	defer body.Close()

	dec := protocol.NewDecoder(body, c.logger)
	for {
		ev, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				// Feed ended without a terminal event: a dropped
				// connection, surfaced as a stream error.
				err = apperrors.StreamError("stream ended before completion", nil)
			}
			c.store.AbortSession(sess.ThreadID)
			c.terminate(sess, log, err)
			return
		}

		c.dispatch(sess.ThreadID, ev)

		switch ev.Type {
		case protocol.EventDone:
			msg, materialized := c.store.FinalizeDraft(sess.ThreadID, ev.MessageID)
			c.notify(sess.ThreadID, ev)
			res := Result{Outcome: OutcomeDone}
			if materialized {
				res.MessageID = msg.ID
			}
			log.Info("session complete", zap.Bool("materialized", materialized))
			sess.finish(res)
			c.scheduleReconcile(sess.ThreadID)
			return
		case protocol.EventError:
			c.store.AbortSession(sess.ThreadID)
			c.notify(sess.ThreadID, ev)
			// The protocol error message is surfaced verbatim.
			sess.finish(Result{
				Outcome: OutcomeError,
				Err:     apperrors.StreamError(ev.Error, nil),
			})
			log.Warn("session failed", zap.String("error", ev.Error))
			return
		default:
			c.notify(sess.ThreadID, ev)
		}
	}
}

// dispatch applies exactly one store mutation per decoded event. Mutations
// are total: absent optional fields are treated as empty, never fatal.
func (c *Controller) dispatch(threadID string, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventToken:
		c.store.AppendToken(threadID, ev.Content)
	case protocol.EventToolStart:
		c.store.StartTool(threadID, ev.Name, ev.Input)
	case protocol.EventToolEnd:
		c.store.EndTool(threadID, ev.Name, ev.Artifacts)
	case protocol.EventTitleUpdated:
		c.store.SetTitle(threadID, ev.Title)
	case protocol.EventContextUpdate:
		c.store.SetContextUsage(threadID, ev.TokensUsed, ev.MaxTokens)
	case protocol.EventSummarizing:
		c.store.SetSummarizing(threadID, ev.Status == protocol.SummarizingStart)
	}
	// done and error carry no mutation of their own here; finalization and
	// cleanup happen in the run loop where the outcome is decided.
}

// terminate classifies a failed session. Errors surfaced purely as a
// consequence of cancellation report aborted, everything else a stream error.
func (c *Controller) terminate(sess *Session, log *logger.Logger, err error) {
	if sess.cancelled.Load() {
		log.Info("session aborted by user")
		sess.finish(Result{Outcome: OutcomeAborted, Err: apperrors.Aborted(err)})
		return
	}
	if !apperrors.IsStreamError(err) {
		err = apperrors.StreamError("stream failed", err)
	}
	log.Warn("session error", zap.Error(err))
	sess.finish(Result{Outcome: OutcomeError, Err: err})
}

// release clears the session's registration and its cancellation capability
// so a stale cancel cannot affect a later session on the same thread.
func (c *Controller) release(sess *Session) {
	c.mu.Lock()
	if c.active[sess.ThreadID] == sess {
		delete(c.active, sess.ThreadID)
	}
	c.mu.Unlock()
	sess.cancel()
}

// scheduleReconcile runs the reconciliation procedure for a completed
// session on its own goroutine, detached from the session context.
func (c *Controller) scheduleReconcile(threadID string) {
	if c.reconciler == nil {
		return
	}
	go func() {
		if err := c.reconciler.Run(context.Background(), threadID); err != nil {
			// Non-fatal: provisional state stays visible until the next
			// completed session triggers another attempt.
			c.logger.WithThreadID(threadID).Warn("reconciliation failed", zap.Error(err))
		}
	}()
}

// idleReader aborts a stalled feed by closing the underlying body when no
// bytes arrive within the timeout, which surfaces as a read error in the
// decode loop.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration) *idleReader {
	ir := &idleReader{rc: rc, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() { rc.Close() })
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.rc.Read(p)
	if err == nil {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) Close() error {
	ir.timer.Stop()
	return ir.rc.Close()
}
