// Package approval implements the Approval Broker (C8): a durable
// request/response cycle with TTL expiry, driven by a ticker-based reaper
// loop that sweeps approvals past their expiresAt.
package approval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vkrunner/runner/internal/store"
)

// Broker requests and resolves approvals against the store.
type Broker struct {
	st  store.Store
	log *zap.SugaredLogger

	onExpired func(ctx context.Context, expired []store.Approval)
}

// New creates a Broker backed by st.
func New(st store.Store, log *zap.SugaredLogger) *Broker {
	return &Broker{st: st, log: log}
}

// OnExpired registers a hook invoked with every batch of approvals the
// reaper expires, so a caller (the orchestrator) can treat expiry the
// same way it treats an explicit rejection.
func (b *Broker) OnExpired(hook func(ctx context.Context, expired []store.Approval)) {
	b.onExpired = hook
}

// Request suspends the originating execution by leaving it running while
// the approval is pending; the orchestrator observes the approval's
// eventual resolution to decide the execution's next transition.
func (b *Broker) Request(ctx context.Context, workspaceID, sessionID, executionID, kind, prompt string, expiresAt *time.Time) (*store.Approval, error) {
	return b.st.RequestApproval(ctx, workspaceID, sessionID, executionID, kind, prompt, expiresAt)
}

// Respond resolves a pending approval. Expired/resolved approvals are
// rejected by the store with store.ErrConflict.
func (b *Broker) Respond(ctx context.Context, approvalID string, status store.ApprovalStatus, respondedBy string) error {
	return b.st.RespondApproval(ctx, approvalID, status, respondedBy)
}

// RunReaper starts a ticker-driven loop that expires pending approvals
// past their expiresAt, treated equivalently to rejected by the
// orchestrator's chain decisions. Blocks until ctx is cancelled.
func (b *Broker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *Broker) sweep(ctx context.Context) {
	expired, err := b.st.ExpirePendingApprovals(ctx, time.Now())
	if err != nil {
		b.log.Errorw("approval reaper: sweep failed", "error", err)
		return
	}
	if len(expired) > 0 {
		b.log.Infow("approval reaper: expired approvals", "count", len(expired))
		if b.onExpired != nil {
			b.onExpired(ctx, expired)
		}
	}
}
