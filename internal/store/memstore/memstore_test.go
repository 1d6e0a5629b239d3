package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkrunner/runner/internal/store"
)

func newWorkspace(t *testing.T, s *Store) (*store.Workspace, *store.Session) {
	t.Helper()
	ws, sess, err := s.CreateWorkspace(context.Background(), store.CreateWorkspaceParams{
		Owner:               "alice",
		Project:             "demo",
		Name:                "demo-workspace",
		BaseBranch:          "main",
		InitialSessionTitle: "first session",
	})
	require.NoError(t, err)
	return ws, sess
}

func TestAcquireLease_RejectsConcurrentHolder(t *testing.T) {
	s := New()
	now := time.Now()

	_, err := s.AcquireLease(context.Background(), "exec-1", "device-a", time.Minute, now)
	require.NoError(t, err)

	_, err = s.AcquireLease(context.Background(), "exec-1", "device-b", time.Minute, now)
	assert.Error(t, err, "a second device must not acquire a live lease")
}

func TestAcquireLease_AllowsReacquireAfterExpiry(t *testing.T) {
	s := New()
	now := time.Now()

	_, err := s.AcquireLease(context.Background(), "exec-1", "device-a", time.Minute, now)
	require.NoError(t, err)

	later := now.Add(2 * time.Minute)
	_, err = s.AcquireLease(context.Background(), "exec-1", "device-b", time.Minute, later)
	assert.NoError(t, err, "a lease past its TTL should be reclaimable")
}

func TestReleaseLease_OnlyOwningDeviceClearsIt(t *testing.T) {
	s := New()
	now := time.Now()
	_, err := s.AcquireLease(context.Background(), "exec-1", "device-a", time.Minute, now)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseLease(context.Background(), "exec-1", "device-b"))
	_, err = s.GetLease(context.Background(), "exec-1")
	assert.NoError(t, err, "lease must still exist: a non-owning device's release is a no-op")

	require.NoError(t, s.ReleaseLease(context.Background(), "exec-1", "device-a"))
	_, err = s.GetLease(context.Background(), "exec-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionStatus_ProjectsFromExecutionTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()
	ws, sess := newWorkspace(t, s)

	exec, err := s.StartExecution(ctx, ws.ID, sess.ID, store.RunReasonCodingAgent, "claude")
	require.NoError(t, err)

	refreshed, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionRunning, refreshed.Status)

	require.NoError(t, s.SetExecutionStatus(ctx, exec.ID, store.ExecutionStatusPatch{Status: store.ExecutionFailed, ErrorMessage: "agent crashed"}))

	refreshed, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionNeedsAttention, refreshed.Status)
}

func TestRequestApproval_ForcesSessionNeedsAttention(t *testing.T) {
	s := New()
	ctx := context.Background()
	ws, sess := newWorkspace(t, s)

	exec, err := s.StartExecution(ctx, ws.ID, sess.ID, store.RunReasonCodingAgent, "claude")
	require.NoError(t, err)
	require.NoError(t, s.SetExecutionStatus(ctx, exec.ID, store.ExecutionStatusPatch{Status: store.ExecutionCompleted}))

	refreshed, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, refreshed.Status)

	_, err = s.RequestApproval(ctx, ws.ID, sess.ID, exec.ID, "merge_to_main", "merge?", nil)
	require.NoError(t, err)

	refreshed, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionNeedsAttention, refreshed.Status, "a pending approval overrides the idle projection")
}

func TestRespondApproval_RejectsSecondResponse(t *testing.T) {
	s := New()
	ctx := context.Background()
	ws, sess := newWorkspace(t, s)
	exec, err := s.StartExecution(ctx, ws.ID, sess.ID, store.RunReasonCodingAgent, "claude")
	require.NoError(t, err)

	ap, err := s.RequestApproval(ctx, ws.ID, sess.ID, exec.ID, "merge_to_main", "merge?", nil)
	require.NoError(t, err)

	require.NoError(t, s.RespondApproval(ctx, ap.ID, store.ApprovalApproved, "operator-1"))
	err = s.RespondApproval(ctx, ap.ID, store.ApprovalRejected, "operator-2")
	assert.ErrorIs(t, err, store.ErrConflict)
}
