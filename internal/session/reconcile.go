package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/datachat/datachat/internal/api"
	"github.com/datachat/datachat/internal/common/logger"
	"github.com/datachat/datachat/internal/store"
)

// Reconciler folds the backend's authoritative persisted message list into
// the store after a completed session, replacing the provisional client-side
// representation of the exchange and clearing the artifact bubbles it
// subsumes. Failures are non-fatal: provisional state stays visible and the
// next completed session triggers the next attempt.
type Reconciler struct {
	client *api.Client
	store  *store.Store

	// delay lets backend-side persistence settle before the fetch.
	delay      time.Duration
	fetchLimit int
	logger     *logger.Logger
}

// NewReconciler creates a reconciler with the given settling delay.
func NewReconciler(client *api.Client, st *store.Store, delay time.Duration, fetchLimit int, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	if fetchLimit <= 0 {
		fetchLimit = 50
	}
	return &Reconciler{
		client:     client,
		store:      st,
		delay:      delay,
		fetchLimit: fetchLimit,
		logger:     log.WithFields(zap.String("component", "reconciler")),
	}
}

// Run performs one reconciliation pass for a thread: settle, fetch the
// persisted list (served in descending recency), reverse to chronological
// order, and replace the store's message list wholesale.
func (r *Reconciler) Run(ctx context.Context, threadID string) error {
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	msgs, err := r.client.ListMessages(ctx, threadID, r.fetchLimit)
	if err != nil {
		return err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	r.store.ApplyAuthoritative(threadID, msgs)
	r.logger.Debug("reconciled thread",
		zap.String("thread_id", threadID),
		zap.Int("messages", len(msgs)))
	return nil
}
