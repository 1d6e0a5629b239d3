// Package memstore is an in-memory implementation of store.Store used by
// unit tests that want the store's transactional semantics without a real
// database, reserving sqlstore for integration and acceptance tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vkrunner/runner/internal/store"
)

// Store is a goroutine-safe in-memory store.Store.
type Store struct {
	mu sync.Mutex

	workspaces map[string]*store.Workspace
	repos      map[string]*store.WorkspaceRepo // by id
	sessions   map[string]*store.Session
	executions map[string]*store.ExecutionProcess
	repoStates map[string]*store.ExecutionProcessRepoState // key: executionID+"/"+workspaceRepoID
	queue      map[string]*store.QueuedMessage             // by sessionID
	approvals  map[string]*store.Approval
	devices    map[string]*store.DeviceEnrollment
	leases     map[string]*store.RunnerLease // by executionID
	nonces     map[string]bool               // key: intentID+"/"+nonce
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		workspaces: make(map[string]*store.Workspace),
		repos:      make(map[string]*store.WorkspaceRepo),
		sessions:   make(map[string]*store.Session),
		executions: make(map[string]*store.ExecutionProcess),
		repoStates: make(map[string]*store.ExecutionProcessRepoState),
		queue:      make(map[string]*store.QueuedMessage),
		approvals:  make(map[string]*store.Approval),
		devices:    make(map[string]*store.DeviceEnrollment),
		leases:     make(map[string]*store.RunnerLease),
		nonces:     make(map[string]bool),
	}
}

func newID() string { return uuid.NewString() }

func repoStateKey(executionID, workspaceRepoID string) string {
	return executionID + "/" + workspaceRepoID
}

func (s *Store) CreateWorkspace(ctx context.Context, p store.CreateWorkspaceParams) (*store.Workspace, *store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	ws := &store.Workspace{
		ID:         newID(),
		Owner:      p.Owner,
		Org:        p.Org,
		Project:    p.Project,
		Name:       p.Name,
		BaseBranch: p.BaseBranch,
		Status:     store.SessionIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	sess := &store.Session{
		ID:          newID(),
		WorkspaceID: ws.ID,
		Title:       p.InitialSessionTitle,
		Status:      store.SessionIdle,
		LastUsedAt:  now,
	}
	ws.ActiveSessionID = sess.ID

	for i, r := range p.Repos {
		r.ID = newID()
		r.WorkspaceID = ws.ID
		r.SortOrder = i
		s.repos[r.ID] = &r
		if i == 0 {
			ws.ActiveWorkspaceRepoID = r.ID
		}
	}

	s.workspaces[ws.ID] = ws
	s.sessions[sess.ID] = sess
	return ws, sess, nil
}

func (s *Store) UpdateWorkspace(ctx context.Context, id string, patch store.WorkspacePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Name != nil {
		ws.Name = *patch.Name
	}
	if patch.Archived != nil {
		ws.Archived = *patch.Archived
	}
	if patch.Pinned != nil {
		ws.Pinned = *patch.Pinned
	}
	if patch.Status != nil {
		ws.Status = *patch.Status
	}
	if patch.ActiveSessionID != nil {
		ws.ActiveSessionID = *patch.ActiveSessionID
	}
	if patch.ActiveWorkspaceRepoID != nil {
		ws.ActiveWorkspaceRepoID = *patch.ActiveWorkspaceRepoID
	}
	ws.UpdatedAt = time.Now()
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (s *Store) ListWorkspaceRepos(ctx context.Context, workspaceID string, enabledOnly bool) ([]store.WorkspaceRepo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.WorkspaceRepo
	for _, r := range s.repos {
		if r.WorkspaceID != workspaceID {
			continue
		}
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (s *Store) ListWorkspaces(ctx context.Context, owner string, archived bool) ([]store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Workspace
	for _, ws := range s.workspaces {
		if ws.Owner == owner && ws.Archived == archived {
			out = append(out, *ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workspaces, id)
	for rid, r := range s.repos {
		if r.WorkspaceID == id {
			delete(s.repos, rid)
		}
	}
	for sid, sess := range s.sessions {
		if sess.WorkspaceID == id {
			delete(s.sessions, sid)
		}
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Session
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, lastUsedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.LastUsedAt = lastUsedAt
	return nil
}

func (s *Store) projectLocked(sessionID string, status store.ExecutionStatus) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	projected := store.ProjectSessionStatus(status)
	sess.Status = projected
	if ws, ok := s.workspaces[sess.WorkspaceID]; ok {
		ws.Status = projected
		ws.UpdatedAt = time.Now()
	}
}

func (s *Store) StartExecution(ctx context.Context, workspaceID, sessionID string, reason store.RunReason, executor string) (*store.ExecutionProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex := &store.ExecutionProcess{
		ID:          newID(),
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		RunReason:   reason,
		Status:      store.ExecutionRunning,
		Executor:    executor,
		StartedAt:   time.Now(),
	}
	s.executions[ex.ID] = ex
	s.projectLocked(sessionID, store.ExecutionRunning)
	return ex, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*store.ExecutionProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]store.ExecutionProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ExecutionProcess
	for _, ex := range s.executions {
		if ex.SessionID == sessionID {
			out = append(out, *ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) SetExecutionStatus(ctx context.Context, executionID string, patch store.ExecutionStatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return store.ErrNotFound
	}
	if ex.Status == patch.Status {
		// Idempotent no-op on identical (execution, status) pairs.
		return nil
	}
	if ex.Status.Terminal() {
		// Terminal states are sinks; never revert.
		return nil
	}
	ex.Status = patch.Status
	ex.ErrorMessage = patch.ErrorMessage
	if patch.Status.Terminal() {
		now := time.Now()
		ex.CompletedAt = &now
	}
	s.projectLocked(ex.SessionID, patch.Status)
	return nil
}

func (s *Store) MarkQueuedFollowUpConsumed(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return store.ErrNotFound
	}
	ex.QueuedFollowUpConsumed = true
	return nil
}

func (s *Store) DropExecutionsFrom(ctx context.Context, sessionID string, from time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.executions {
		if ex.SessionID != sessionID {
			continue
		}
		if ex.StartedAt.Before(from) {
			continue
		}
		if ex.Status.Terminal() && ex.Status != store.ExecutionDropped {
			ex.Status = store.ExecutionDropped
			now := time.Now()
			ex.CompletedAt = &now
		} else if !ex.Status.Terminal() {
			ex.Status = store.ExecutionDropped
			now := time.Now()
			ex.CompletedAt = &now
		}
	}
	s.projectLocked(sessionID, store.ExecutionDropped)
	return nil
}

func (s *Store) UpsertExecutionRepoState(ctx context.Context, executionID, workspaceRepoID string, patch store.RepoStatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := repoStateKey(executionID, workspaceRepoID)
	rs, ok := s.repoStates[key]
	if !ok {
		rs = &store.ExecutionProcessRepoState{ExecutionID: executionID, WorkspaceRepoID: workspaceRepoID}
		s.repoStates[key] = rs
	}
	if patch.BeforeHeadCommit != nil {
		rs.BeforeHeadCommit = *patch.BeforeHeadCommit
	}
	if patch.AfterHeadCommit != nil {
		rs.AfterHeadCommit = *patch.AfterHeadCommit
	}
	if patch.RepoState != nil {
		rs.RepoState = *patch.RepoState
	}
	return nil
}

func (s *Store) GetExecutionRepoStates(ctx context.Context, executionID string) ([]store.ExecutionProcessRepoState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ExecutionProcessRepoState
	for _, rs := range s.repoStates {
		if rs.ExecutionID == executionID {
			out = append(out, *rs)
		}
	}
	return out, nil
}

func (s *Store) PriorAfterHeadCommit(ctx context.Context, sessionID, workspaceRepoID string, before time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *store.ExecutionProcess
	for _, ex := range s.executions {
		if ex.SessionID != sessionID {
			continue
		}
		if !ex.StartedAt.Before(before) {
			continue
		}
		if best == nil || ex.StartedAt.After(best.StartedAt) {
			best = ex
		}
	}
	if best == nil {
		return "", nil
	}
	if rs, ok := s.repoStates[repoStateKey(best.ID, workspaceRepoID)]; ok {
		return rs.AfterHeadCommit, nil
	}
	return "", nil
}

func (s *Store) EnqueueFollowUp(ctx context.Context, sessionID, message, executor, variant, enqueueingExecutionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.queue[sessionID]
	if ok && existing.State == store.QueueQueued {
		existing.Message = message
		existing.Executor = executor
		existing.Variant = variant
		existing.EnqueueingExecutionID = enqueueingExecutionID
		existing.QueuedAt = time.Now()
		return nil
	}
	s.queue[sessionID] = &store.QueuedMessage{
		ID:                    newID(),
		SessionID:             sessionID,
		Message:               message,
		Executor:              executor,
		Variant:               variant,
		EnqueueingExecutionID: enqueueingExecutionID,
		State:                 store.QueueQueued,
		QueuedAt:              time.Now(),
	}
	return nil
}

func (s *Store) GetQueueStatus(ctx context.Context, sessionID string) (*store.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qm, ok := s.queue[sessionID]
	if !ok || qm.State != store.QueueQueued {
		return nil, nil
	}
	cp := *qm
	return &cp, nil
}

func (s *Store) ConsumeQueuedMessage(ctx context.Context, sessionID string) (*store.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qm, ok := s.queue[sessionID]
	if !ok || qm.State != store.QueueQueued {
		return nil, nil
	}
	qm.State = store.QueueConsumed
	cp := *qm
	return &cp, nil
}

func (s *Store) DiscardQueuedMessage(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qm, ok := s.queue[sessionID]
	if !ok || qm.State != store.QueueQueued {
		return nil
	}
	qm.State = store.QueueDiscarded
	return nil
}

func (s *Store) RequestApproval(ctx context.Context, workspaceID, sessionID, executionID, kind, prompt string, expiresAt *time.Time) (*store.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap := &store.Approval{
		ID:          newID(),
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		ExecutionID: executionID,
		Kind:        kind,
		Prompt:      prompt,
		Status:      store.ApprovalPending,
		RequestedAt: time.Now(),
		ExpiresAt:   expiresAt,
	}
	s.approvals[ap.ID] = ap
	s.projectNeedsAttentionLocked(sessionID, workspaceID)
	return ap, nil
}

func (s *Store) projectNeedsAttentionLocked(sessionID, workspaceID string) {
	if sess, ok := s.sessions[sessionID]; ok {
		sess.Status = store.SessionNeedsAttention
	}
	if ws, ok := s.workspaces[workspaceID]; ok {
		ws.Status = store.SessionNeedsAttention
		ws.UpdatedAt = time.Now()
	}
}

func (s *Store) RespondApproval(ctx context.Context, approvalID string, status store.ApprovalStatus, respondedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.approvals[approvalID]
	if !ok {
		return store.ErrNotFound
	}
	if ap.Status != store.ApprovalPending {
		return store.ErrConflict
	}
	ap.Status = status
	ap.RespondedBy = respondedBy
	now := time.Now()
	ap.RespondedAt = &now

	if !s.hasPendingApprovalsLocked(ap.SessionID) {
		if sess, ok := s.sessions[ap.SessionID]; ok {
			sess.Status = store.SessionIdle
		}
		if ws, ok := s.workspaces[ap.WorkspaceID]; ok {
			ws.Status = store.SessionIdle
			ws.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *Store) hasPendingApprovalsLocked(sessionID string) bool {
	for _, ap := range s.approvals {
		if ap.SessionID == sessionID && ap.Status == store.ApprovalPending {
			return true
		}
	}
	return false
}

func (s *Store) ExpirePendingApprovals(ctx context.Context, now time.Time) ([]store.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []store.Approval
	for _, ap := range s.approvals {
		if ap.Status != store.ApprovalPending || ap.ExpiresAt == nil {
			continue
		}
		if ap.ExpiresAt.After(now) {
			continue
		}
		ap.Status = store.ApprovalExpired
		ap.RespondedAt = &now
		expired = append(expired, *ap)
	}
	return expired, nil
}

func (s *Store) ListPendingApprovals(ctx context.Context, sessionID string) ([]store.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Approval
	for _, ap := range s.approvals {
		if ap.SessionID == sessionID && ap.Status == store.ApprovalPending {
			out = append(out, *ap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*store.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.approvals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ap
	return &cp, nil
}

func (s *Store) GetDeviceEnrollment(ctx context.Context, deviceID string) (*store.DeviceEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) PutDeviceEnrollment(ctx context.Context, d store.DeviceEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.devices[d.DeviceID] = &cp
	return nil
}

func (s *Store) AcquireLease(ctx context.Context, executionID, deviceID string, ttl time.Duration, now time.Time) (*store.RunnerLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.leases[executionID]; ok && !existing.Expired(now, ttl) {
		return nil, rerrAlreadyLeased(existing)
	}
	lease := &store.RunnerLease{
		ExecutionID: executionID,
		DeviceID:    deviceID,
		AcquiredAt:  now,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	s.leases[executionID] = lease
	cp := *lease
	return &cp, nil
}

func (s *Store) HeartbeatLease(ctx context.Context, executionID, deviceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[executionID]
	if !ok || lease.DeviceID != deviceID {
		return store.ErrNotFound
	}
	lease.HeartbeatAt = now
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, executionID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[executionID]
	if !ok || lease.DeviceID != deviceID {
		return nil
	}
	delete(s.leases, executionID)
	return nil
}

func (s *Store) GetLease(ctx context.Context, executionID string) (*store.RunnerLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *lease
	return &cp, nil
}

func (s *Store) SweepOrphanLeases(ctx context.Context, ttl time.Duration, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	for executionID, lease := range s.leases {
		if !lease.Expired(now, ttl) {
			continue
		}
		ex, ok := s.executions[executionID]
		if !ok || ex.Status.Terminal() {
			continue
		}
		ex.Status = store.ExecutionDropped
		ex.CompletedAt = &now
		s.projectLocked(ex.SessionID, store.ExecutionDropped)
		delete(s.leases, executionID)
		dropped = append(dropped, executionID)
	}
	return dropped, nil
}

func (s *Store) SeenNonce(ctx context.Context, intentID, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := intentID + "/" + nonce
	if s.nonces[key] {
		return false, nil
	}
	s.nonces[key] = true
	return true, nil
}

// alreadyLeasedError lets callers recover the conflicting lease without an
// import cycle on internal/rerr at this layer; internal/lease wraps it.
type alreadyLeasedError struct {
	Existing store.RunnerLease
}

func (e *alreadyLeasedError) Error() string { return "store: execution already leased" }

func rerrAlreadyLeased(existing *store.RunnerLease) error {
	return &alreadyLeasedError{Existing: *existing}
}

// AlreadyLeased extracts the conflicting lease from an AcquireLease error, if any.
func AlreadyLeased(err error) (store.RunnerLease, bool) {
	if ae, ok := err.(*alreadyLeasedError); ok {
		return ae.Existing, true
	}
	return store.RunnerLease{}, false
}
