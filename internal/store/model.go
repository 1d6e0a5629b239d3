// Package store defines the control-plane state store contract (C6):
// the transactional documents, indexed queries, and the operations the
// runner and orchestrator drive against them. This package owns the
// data model shared across every other component — nobody else
// redeclares these types.
package store

import "time"

// RunReason enumerates the kinds of execution an ExecutionProcess can be.
type RunReason string

const (
	RunReasonSetup       RunReason = "setup"
	RunReasonCodingAgent RunReason = "coding_agent"
	RunReasonGate        RunReason = "gate"
	RunReasonGitCommit   RunReason = "git_commit"
	RunReasonCleanup     RunReason = "cleanup"
	RunReasonArchive     RunReason = "archive"
	RunReasonDevServer   RunReason = "dev_server"
	RunReasonReview      RunReason = "review"
	RunReasonSystem      RunReason = "system"
)

// ExecutionStatus is the execution state machine's status.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionKilled    ExecutionStatus = "killed"
	ExecutionDropped   ExecutionStatus = "dropped"
)

// Terminal reports whether the status is a sink of the execution state machine.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionKilled, ExecutionDropped:
		return true
	default:
		return false
	}
}

// SessionStatus is the derived projection of a session's most recent execution.
type SessionStatus string

const (
	SessionRunning       SessionStatus = "running"
	SessionIdle          SessionStatus = "idle"
	SessionNeedsAttention SessionStatus = "needs_attention"
	SessionError         SessionStatus = "error"
)

// ProjectSessionStatus maps an execution's terminal or non-terminal status
// to the session status it implies:
//
//	{pending, running}   -> running
//	{failed, killed}     -> needs_attention
//	{completed, dropped} -> idle
//
// It takes no other state, so a session's status is always mechanically
// derivable from its most recent execution alone.
func ProjectSessionStatus(status ExecutionStatus) SessionStatus {
	switch status {
	case ExecutionPending, ExecutionRunning:
		return SessionRunning
	case ExecutionFailed, ExecutionKilled:
		return SessionNeedsAttention
	case ExecutionCompleted, ExecutionDropped:
		return SessionIdle
	default:
		return SessionError
	}
}

// QueueState is the lifecycle of a QueuedMessage.
type QueueState string

const (
	QueueQueued   QueueState = "queued"
	QueueConsumed QueueState = "consumed"
	QueueDiscarded QueueState = "discarded"
)

// ApprovalStatus is the lifecycle of an Approval.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Workspace is a branch-scoped grouping of one or more repositories.
type Workspace struct {
	ID                    string
	Owner                 string
	Org                   string
	Project               string
	Name                  string
	BaseBranch            string
	Archived              bool
	Pinned                bool
	Status                SessionStatus
	ActiveSessionID       string
	ActiveWorkspaceRepoID string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WorkspaceRepo is one repository enrolled into a workspace.
type WorkspaceRepo struct {
	ID            string
	WorkspaceID   string
	RepoID        string
	RepoName      string
	TargetBranch  string
	Enabled       bool
	SortOrder     int
}

// Session is a conversation thread with a coding agent inside a workspace.
type Session struct {
	ID          string
	WorkspaceID string
	Title       string
	Status      SessionStatus
	LastUsedAt  time.Time
}

// ExecutionProcess is one run of a typed operation tied to a session.
type ExecutionProcess struct {
	ID                    string
	WorkspaceID           string
	SessionID             string
	RunReason             RunReason
	Status                ExecutionStatus
	Executor              string
	QueuedFollowUpConsumed bool
	StartedAt             time.Time
	CompletedAt           *time.Time
	ErrorMessage          string
}

// ExecutionProcessRepoState is the per-repo before/after HEAD snapshot for an execution.
type ExecutionProcessRepoState struct {
	ExecutionID     string
	WorkspaceRepoID string
	BeforeHeadCommit string
	AfterHeadCommit  string
	RepoState        string
}

// QueuedMessage is the single-slot per-session follow-up queue row.
type QueuedMessage struct {
	ID                   string
	SessionID            string
	Message              string
	Executor             string
	Variant              string
	EnqueueingExecutionID string
	State                QueueState
	QueuedAt             time.Time
}

// Approval is a request/response gate tied to an execution.
type Approval struct {
	ID           string
	WorkspaceID  string
	SessionID    string
	ExecutionID  string
	Kind         string
	Prompt       string
	Status       ApprovalStatus
	RequestedAt  time.Time
	ExpiresAt    *time.Time
	RespondedAt  *time.Time
	RespondedBy  string
}

// DeviceEnrollment binds a device id to an owning principal's public key.
type DeviceEnrollment struct {
	DeviceID       string
	OwningPrincipal string
	PublicKey      []byte
	RevokedAt      *time.Time
}

// RunnerLease is a short-lived claim over an execution held by exactly one runner.
type RunnerLease struct {
	ExecutionID string
	DeviceID    string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the lease is reclaimable at instant now, given ttl.
func (l RunnerLease) Expired(now time.Time, ttl time.Duration) bool {
	return l.HeartbeatAt.Add(ttl).Before(now)
}
