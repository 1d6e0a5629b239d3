// Package queue implements the Queue Broker (C9): the single-slot
// per-session durable follow-up queue. There is no filesystem component
// here — the store owns the single active row directly, per the
// ownership split in the data model (the control plane owns all
// persisted documents).
package queue

import (
	"context"

	"github.com/vkrunner/runner/internal/store"
)

// Broker is a thin API over the store's single-slot queue operations.
type Broker struct {
	st store.Store
}

// New creates a Broker backed by st.
func New(st store.Store) *Broker {
	return &Broker{st: st}
}

// Enqueue overwrites the session's active queued row (if any) rather
// than stacking a new one: a later follow-up supersedes an earlier one
// that hasn't started yet.
func (b *Broker) Enqueue(ctx context.Context, sessionID, message, executor, variant, enqueueingExecutionID string) error {
	return b.st.EnqueueFollowUp(ctx, sessionID, message, executor, variant, enqueueingExecutionID)
}

// Status returns the session's current queued row, or nil if none.
func (b *Broker) Status(ctx context.Context, sessionID string) (*store.QueuedMessage, error) {
	return b.st.GetQueueStatus(ctx, sessionID)
}

// Consume atomically claims the session's queued row for a new
// execution, or returns nil if there is none.
func (b *Broker) Consume(ctx context.Context, sessionID string) (*store.QueuedMessage, error) {
	return b.st.ConsumeQueuedMessage(ctx, sessionID)
}

// Discard drops the session's queued row without starting an execution
// from it, used when the triggering execution ends in failed/killed/dropped.
func (b *Broker) Discard(ctx context.Context, sessionID string) error {
	return b.st.DiscardQueuedMessage(ctx, sessionID)
}
