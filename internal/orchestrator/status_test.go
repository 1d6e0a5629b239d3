package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vkrunner/runner/internal/store"
)

func TestDeriveSessionStatus_PendingApprovalOverridesEverything(t *testing.T) {
	cases := []store.ExecutionStatus{
		store.ExecutionPending,
		store.ExecutionRunning,
		store.ExecutionCompleted,
		store.ExecutionFailed,
		store.ExecutionKilled,
		store.ExecutionDropped,
	}
	for _, status := range cases {
		assert.Equal(t, store.SessionNeedsAttention, DeriveSessionStatus(status, true), "status=%s", status)
	}
}

func TestDeriveSessionStatus_NoPendingApprovalFallsBackToProjection(t *testing.T) {
	tests := []struct {
		status store.ExecutionStatus
		want   store.SessionStatus
	}{
		{store.ExecutionPending, store.SessionRunning},
		{store.ExecutionRunning, store.SessionRunning},
		{store.ExecutionCompleted, store.SessionIdle},
		{store.ExecutionDropped, store.SessionIdle},
		{store.ExecutionFailed, store.SessionNeedsAttention},
		{store.ExecutionKilled, store.SessionNeedsAttention},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveSessionStatus(tt.status, false), "status=%s", tt.status)
	}
}
