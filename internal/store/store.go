package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find no matching document.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when an operation's precondition does not hold
// (e.g. responding to an approval that is no longer pending).
var ErrConflict = errors.New("store: conflict")

// CreateWorkspaceParams is the input to CreateWorkspace.
type CreateWorkspaceParams struct {
	Owner              string
	Org                string
	Project            string
	Name               string
	BaseBranch         string
	Repos              []WorkspaceRepo
	InitialSessionTitle string
}

// ExecutionStatusPatch patches an execution's status and, when terminal,
// its error message.
type ExecutionStatusPatch struct {
	Status       ExecutionStatus
	ErrorMessage string
}

// RepoStatePatch is a partial update to an ExecutionProcessRepoState;
// empty fields leave prior non-null values untouched (upsert semantics).
type RepoStatePatch struct {
	BeforeHeadCommit *string
	AfterHeadCommit  *string
	RepoState        *string
}

// WorkspacePatch is a partial update to a Workspace.
type WorkspacePatch struct {
	Name                  *string
	Archived              *bool
	Pinned                *bool
	Status                *SessionStatus
	ActiveSessionID       *string
	ActiveWorkspaceRepoID *string
}

// Store is the control-plane state store contract (C6): transactional
// documents and indexed queries for workspaces, sessions, executions,
// approvals, and the follow-up queue. It has no change-subscription
// methods; callers read state with the Get/List methods. Every method that performs more than one logical write is
// atomic across all of them — implementations MUST NOT leave partial
// state visible to another caller.
type Store interface {
	CreateWorkspace(ctx context.Context, p CreateWorkspaceParams) (*Workspace, *Session, error)
	UpdateWorkspace(ctx context.Context, id string, patch WorkspacePatch) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaceRepos(ctx context.Context, workspaceID string, enabledOnly bool) ([]WorkspaceRepo, error)
	ListWorkspaces(ctx context.Context, owner string, archived bool) ([]Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error

	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, workspaceID string) ([]Session, error)
	TouchSession(ctx context.Context, id string, lastUsedAt time.Time) error

	// StartExecution creates an execution in `running`, then patches the
	// owning session and workspace status to `running` — atomic across
	// all three writes.
	StartExecution(ctx context.Context, workspaceID, sessionID string, reason RunReason, executor string) (*ExecutionProcess, error)
	GetExecution(ctx context.Context, id string) (*ExecutionProcess, error)
	ListExecutions(ctx context.Context, sessionID string) ([]ExecutionProcess, error)
	// SetExecutionStatus must be idempotent on identical (execution, status)
	// pairs, and must project session+workspace status per ProjectSessionStatus
	// monotonically: a terminal execution never reduces a session back to running.
	SetExecutionStatus(ctx context.Context, executionID string, patch ExecutionStatusPatch) error
	MarkQueuedFollowUpConsumed(ctx context.Context, executionID string) error
	// DropExecutionsFrom marks every execution in the session with
	// startedAt >= from as dropped (used by session reset).
	DropExecutionsFrom(ctx context.Context, sessionID string, from time.Time) error

	UpsertExecutionRepoState(ctx context.Context, executionID, workspaceRepoID string, patch RepoStatePatch) error
	GetExecutionRepoStates(ctx context.Context, executionID string) ([]ExecutionProcessRepoState, error)
	// PriorAfterHeadCommit returns the afterHeadCommit of the execution that
	// immediately precedes `before` in the session, for the given repo, used
	// as the session-reset fallback when beforeHeadCommit is absent.
	PriorAfterHeadCommit(ctx context.Context, sessionID, workspaceRepoID string, before time.Time) (string, error)

	EnqueueFollowUp(ctx context.Context, sessionID, message, executor, variant, enqueueingExecutionID string) error
	GetQueueStatus(ctx context.Context, sessionID string) (*QueuedMessage, error)
	ConsumeQueuedMessage(ctx context.Context, sessionID string) (*QueuedMessage, error)
	DiscardQueuedMessage(ctx context.Context, sessionID string) error

	RequestApproval(ctx context.Context, workspaceID, sessionID, executionID, kind, prompt string, expiresAt *time.Time) (*Approval, error)
	RespondApproval(ctx context.Context, approvalID string, status ApprovalStatus, respondedBy string) error
	ExpirePendingApprovals(ctx context.Context, now time.Time) ([]Approval, error)
	ListPendingApprovals(ctx context.Context, sessionID string) ([]Approval, error)
	GetApproval(ctx context.Context, id string) (*Approval, error)

	GetDeviceEnrollment(ctx context.Context, deviceID string) (*DeviceEnrollment, error)
	PutDeviceEnrollment(ctx context.Context, d DeviceEnrollment) error

	AcquireLease(ctx context.Context, executionID, deviceID string, ttl time.Duration, now time.Time) (*RunnerLease, error)
	HeartbeatLease(ctx context.Context, executionID, deviceID string, now time.Time) error
	ReleaseLease(ctx context.Context, executionID, deviceID string) error
	GetLease(ctx context.Context, executionID string) (*RunnerLease, error)
	// SweepOrphanLeases marks executions whose lease is expired and whose
	// status is still non-terminal as dropped. Returns the affected ids.
	SweepOrphanLeases(ctx context.Context, ttl time.Duration, now time.Time) ([]string, error)

	// SeenNonce records nonce as consumed for intentID, returning false if it
	// was already seen (at-most-once dispatch acknowledgement).
	SeenNonce(ctx context.Context, intentID, nonce string) (firstSeen bool, err error)
}
