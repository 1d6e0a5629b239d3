package orchestrator

import "github.com/vkrunner/runner/internal/store"

// DeriveSessionStatus is the session-status projection: a pure function
// of the owning execution's status and whether any approval tied to it
// is still pending. A pending approval always forces needs_attention,
// overriding whatever the bare execution-status mapping would project —
// this keeps the projection mechanically checkable instead of a series
// of ad-hoc patches.
func DeriveSessionStatus(executionStatus store.ExecutionStatus, hasPendingApproval bool) store.SessionStatus {
	if hasPendingApproval {
		return store.SessionNeedsAttention
	}
	return store.ProjectSessionStatus(executionStatus)
}
