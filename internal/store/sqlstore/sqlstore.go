// Package sqlstore is the reference store.Store implementation backed by
// modernc.org/sqlite (pure Go, no cgo) with schema migrations managed by
// golang-migrate. It is the production-shaped collaborator for the
// control-plane state store contract (C6); internal/store/memstore backs
// fast unit tests that don't need real transactions.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vkrunner/runner/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a sqlite-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := WithInstance(db)
	if err != nil {
		return fmt.Errorf("sqlstore: migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlstore: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sqlstore: migrate up: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func newID() string { return uuid.NewString() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (s *Store) CreateWorkspace(ctx context.Context, p store.CreateWorkspaceParams) (*store.Workspace, *store.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

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
		if i == 0 {
			ws.ActiveWorkspaceRepoID = r.ID
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO workspace_repos
			(id, workspace_id, repo_id, repo_name, target_branch, enabled, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.WorkspaceID, r.RepoID, r.RepoName, r.TargetBranch, boolToInt(r.Enabled), r.SortOrder); err != nil {
			return nil, nil, fmt.Errorf("sqlstore: insert workspace_repo: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO workspaces
		(id, owner, org, project, name, base_branch, archived, pinned, status, active_session_id, active_workspace_repo_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?)`,
		ws.ID, ws.Owner, ws.Org, ws.Project, ws.Name, ws.BaseBranch, string(ws.Status), ws.ActiveSessionID, ws.ActiveWorkspaceRepoID, ws.CreatedAt, ws.UpdatedAt); err != nil {
		return nil, nil, fmt.Errorf("sqlstore: insert workspace: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions
		(id, workspace_id, title, status, last_used_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceID, sess.Title, string(sess.Status), sess.LastUsedAt); err != nil {
		return nil, nil, fmt.Errorf("sqlstore: insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return ws, sess, nil
}

func (s *Store) UpdateWorkspace(ctx context.Context, id string, patch store.WorkspacePatch) error {
	ws, err := s.GetWorkspace(ctx, id)
	if err != nil {
		return err
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
	_, err = s.db.ExecContext(ctx, `UPDATE workspaces SET name=?, archived=?, pinned=?, status=?, active_session_id=?, active_workspace_repo_id=?, updated_at=? WHERE id=?`,
		ws.Name, boolToInt(ws.Archived), boolToInt(ws.Pinned), string(ws.Status), ws.ActiveSessionID, ws.ActiveWorkspaceRepoID, time.Now(), id)
	return err
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, owner, org, project, name, base_branch, archived, pinned, status, active_session_id, active_workspace_repo_id, created_at, updated_at FROM workspaces WHERE id=?`, id)
	var ws store.Workspace
	var archived, pinned int
	if err := row.Scan(&ws.ID, &ws.Owner, &ws.Org, &ws.Project, &ws.Name, &ws.BaseBranch, &archived, &pinned, &ws.Status, &ws.ActiveSessionID, &ws.ActiveWorkspaceRepoID, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ws.Archived = archived != 0
	ws.Pinned = pinned != 0
	return &ws, nil
}

func (s *Store) ListWorkspaceRepos(ctx context.Context, workspaceID string, enabledOnly bool) ([]store.WorkspaceRepo, error) {
	query := `SELECT id, workspace_id, repo_id, repo_name, target_branch, enabled, sort_order FROM workspace_repos WHERE workspace_id=?`
	if enabledOnly {
		query += ` AND enabled=1`
	}
	query += ` ORDER BY sort_order`
	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.WorkspaceRepo
	for rows.Next() {
		var r store.WorkspaceRepo
		var enabled int
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.RepoID, &r.RepoName, &r.TargetBranch, &enabled, &r.SortOrder); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListWorkspaces(ctx context.Context, owner string, archived bool) ([]store.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner, org, project, name, base_branch, archived, pinned, status, active_session_id, active_workspace_repo_id, created_at, updated_at FROM workspaces WHERE owner=? AND archived=? ORDER BY updated_at DESC`, owner, boolToInt(archived))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Workspace
	for rows.Next() {
		var ws store.Workspace
		var a, p int
		if err := rows.Scan(&ws.ID, &ws.Owner, &ws.Org, &ws.Project, &ws.Name, &ws.BaseBranch, &a, &p, &ws.Status, &ws.ActiveSessionID, &ws.ActiveWorkspaceRepoID, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		ws.Archived, ws.Pinned = a != 0, p != 0
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM approvals WHERE workspace_id=?`,
		`DELETE FROM execution_repo_states WHERE execution_id IN (SELECT id FROM executions WHERE workspace_id=?)`,
		`DELETE FROM executions WHERE workspace_id=?`,
		`DELETE FROM queued_messages WHERE session_id IN (SELECT id FROM sessions WHERE workspace_id=?)`,
		`DELETE FROM sessions WHERE workspace_id=?`,
		`DELETE FROM workspace_repos WHERE workspace_id=?`,
		`DELETE FROM workspaces WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("sqlstore: delete workspace cascade: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, workspace_id, title, status, last_used_at FROM sessions WHERE id=?`, id)
	var sess store.Session
	if err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.Title, &sess.Status, &sess.LastUsedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, workspace_id, title, status, last_used_at FROM sessions WHERE workspace_id=? ORDER BY last_used_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Session
	for rows.Next() {
		var sess store.Session
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &sess.Title, &sess.Status, &sess.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) TouchSession(ctx context.Context, id string, lastUsedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_used_at=? WHERE id=?`, lastUsedAt, id)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res)
}

func noRowsToNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// projectStatus writes the session+workspace status implied by an
// execution status transition, per store.ProjectSessionStatus.
func (s *Store) projectStatus(ctx context.Context, tx *sql.Tx, sessionID string, status store.ExecutionStatus) error {
	projected := store.ProjectSessionStatus(status)
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status=? WHERE id=?`, string(projected), sessionID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE workspaces SET status=?, updated_at=? WHERE id=(SELECT workspace_id FROM sessions WHERE id=?)`,
		string(projected), time.Now(), sessionID)
	return err
}

func (s *Store) StartExecution(ctx context.Context, workspaceID, sessionID string, reason store.RunReason, executor string) (*store.ExecutionProcess, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ex := &store.ExecutionProcess{
		ID:          newID(),
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		RunReason:   reason,
		Status:      store.ExecutionRunning,
		Executor:    executor,
		StartedAt:   time.Now(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO executions
		(id, workspace_id, session_id, run_reason, status, executor, queued_follow_up_consumed, started_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, '')`,
		ex.ID, ex.WorkspaceID, ex.SessionID, string(ex.RunReason), string(ex.Status), ex.Executor, ex.StartedAt); err != nil {
		return nil, fmt.Errorf("sqlstore: insert execution: %w", err)
	}
	if err := s.projectStatus(ctx, tx, sessionID, store.ExecutionRunning); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *Store) scanExecution(row *sql.Row) (*store.ExecutionProcess, error) {
	var ex store.ExecutionProcess
	var completedAt sql.NullTime
	var queuedConsumed int
	if err := row.Scan(&ex.ID, &ex.WorkspaceID, &ex.SessionID, &ex.RunReason, &ex.Status, &ex.Executor, &queuedConsumed, &ex.StartedAt, &completedAt, &ex.ErrorMessage); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ex.QueuedFollowUpConsumed = queuedConsumed != 0
	ex.CompletedAt = timeOrNil(completedAt)
	return &ex, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*store.ExecutionProcess, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, workspace_id, session_id, run_reason, status, executor, queued_follow_up_consumed, started_at, completed_at, error_message FROM executions WHERE id=?`, id)
	return s.scanExecution(row)
}

func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]store.ExecutionProcess, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, workspace_id, session_id, run_reason, status, executor, queued_follow_up_consumed, started_at, completed_at, error_message FROM executions WHERE session_id=? ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ExecutionProcess
	for rows.Next() {
		var ex store.ExecutionProcess
		var completedAt sql.NullTime
		var queuedConsumed int
		if err := rows.Scan(&ex.ID, &ex.WorkspaceID, &ex.SessionID, &ex.RunReason, &ex.Status, &ex.Executor, &queuedConsumed, &ex.StartedAt, &completedAt, &ex.ErrorMessage); err != nil {
			return nil, err
		}
		ex.QueuedFollowUpConsumed = queuedConsumed != 0
		ex.CompletedAt = timeOrNil(completedAt)
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *Store) SetExecutionStatus(ctx context.Context, executionID string, patch store.ExecutionStatusPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT status, session_id FROM executions WHERE id=?`, executionID)
	var current store.ExecutionStatus
	var sessionID string
	if err := row.Scan(&current, &sessionID); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}
	if current == patch.Status {
		return tx.Commit() // idempotent no-op
	}
	if current.Terminal() {
		return tx.Commit() // terminal states are sinks
	}

	completedAt := nullTime(nil)
	if patch.Status.Terminal() {
		now := time.Now()
		completedAt = nullTime(&now)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE executions SET status=?, error_message=?, completed_at=? WHERE id=?`,
		string(patch.Status), patch.ErrorMessage, completedAt, executionID); err != nil {
		return err
	}
	if err := s.projectStatus(ctx, tx, sessionID, patch.Status); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) MarkQueuedFollowUpConsumed(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET queued_follow_up_consumed=1 WHERE id=?`, executionID)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res)
}

func (s *Store) DropExecutionsFrom(ctx context.Context, sessionID string, from time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE executions SET status='dropped', completed_at=? WHERE session_id=? AND started_at>=?`,
		now, sessionID, from); err != nil {
		return err
	}
	if err := s.projectStatus(ctx, tx, sessionID, store.ExecutionDropped); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpsertExecutionRepoState(ctx context.Context, executionID, workspaceRepoID string, patch store.RepoStatePatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO execution_repo_states (execution_id, workspace_repo_id, before_head_commit, after_head_commit, repo_state) VALUES (?, ?, '', '', '')`,
		executionID, workspaceRepoID); err != nil {
		return err
	}
	if patch.BeforeHeadCommit != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE execution_repo_states SET before_head_commit=? WHERE execution_id=? AND workspace_repo_id=?`, *patch.BeforeHeadCommit, executionID, workspaceRepoID); err != nil {
			return err
		}
	}
	if patch.AfterHeadCommit != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE execution_repo_states SET after_head_commit=? WHERE execution_id=? AND workspace_repo_id=?`, *patch.AfterHeadCommit, executionID, workspaceRepoID); err != nil {
			return err
		}
	}
	if patch.RepoState != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE execution_repo_states SET repo_state=? WHERE execution_id=? AND workspace_repo_id=?`, *patch.RepoState, executionID, workspaceRepoID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetExecutionRepoStates(ctx context.Context, executionID string) ([]store.ExecutionProcessRepoState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT execution_id, workspace_repo_id, before_head_commit, after_head_commit, repo_state FROM execution_repo_states WHERE execution_id=?`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ExecutionProcessRepoState
	for rows.Next() {
		var rs store.ExecutionProcessRepoState
		if err := rows.Scan(&rs.ExecutionID, &rs.WorkspaceRepoID, &rs.BeforeHeadCommit, &rs.AfterHeadCommit, &rs.RepoState); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *Store) PriorAfterHeadCommit(ctx context.Context, sessionID, workspaceRepoID string, before time.Time) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT rs.after_head_commit FROM execution_repo_states rs
		JOIN executions e ON e.id = rs.execution_id
		WHERE e.session_id = ? AND rs.workspace_repo_id = ? AND e.started_at < ?
		ORDER BY e.started_at DESC LIMIT 1`, sessionID, workspaceRepoID, before)
	var after string
	if err := row.Scan(&after); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return after, nil
}

func (s *Store) EnqueueFollowUp(ctx context.Context, sessionID, message, executor, variant, enqueueingExecutionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id FROM queued_messages WHERE session_id=? AND state='queued'`, sessionID)
	var existingID string
	err = row.Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `INSERT INTO queued_messages (id, session_id, message, executor, variant, enqueueing_execution_id, state, queued_at) VALUES (?, ?, ?, ?, ?, ?, 'queued', ?)`,
			newID(), sessionID, message, executor, variant, enqueueingExecutionID, time.Now()); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE queued_messages SET message=?, executor=?, variant=?, enqueueing_execution_id=?, queued_at=? WHERE id=?`,
			message, executor, variant, enqueueingExecutionID, time.Now(), existingID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetQueueStatus(ctx context.Context, sessionID string) (*store.QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, message, executor, variant, enqueueing_execution_id, state, queued_at FROM queued_messages WHERE session_id=? AND state='queued'`, sessionID)
	var qm store.QueuedMessage
	if err := row.Scan(&qm.ID, &qm.SessionID, &qm.Message, &qm.Executor, &qm.Variant, &qm.EnqueueingExecutionID, &qm.State, &qm.QueuedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &qm, nil
}

func (s *Store) ConsumeQueuedMessage(ctx context.Context, sessionID string) (*store.QueuedMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	row := tx.QueryRowContext(ctx, `SELECT id, session_id, message, executor, variant, enqueueing_execution_id, state, queued_at FROM queued_messages WHERE session_id=? AND state='queued'`, sessionID)
	var qm store.QueuedMessage
	if err := row.Scan(&qm.ID, &qm.SessionID, &qm.Message, &qm.Executor, &qm.Variant, &qm.EnqueueingExecutionID, &qm.State, &qm.QueuedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queued_messages SET state='consumed' WHERE id=?`, qm.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	qm.State = store.QueueConsumed
	return &qm, nil
}

func (s *Store) DiscardQueuedMessage(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queued_messages SET state='discarded' WHERE session_id=? AND state='queued'`, sessionID)
	return err
}

func (s *Store) RequestApproval(ctx context.Context, workspaceID, sessionID, executionID, kind, prompt string, expiresAt *time.Time) (*store.Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

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
	if _, err := tx.ExecContext(ctx, `INSERT INTO approvals (id, workspace_id, session_id, execution_id, kind, prompt, status, requested_at, expires_at, responded_by) VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, '')`,
		ap.ID, ap.WorkspaceID, ap.SessionID, ap.ExecutionID, ap.Kind, ap.Prompt, ap.RequestedAt, nullTime(ap.ExpiresAt)); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status='needs_attention' WHERE id=?`, sessionID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workspaces SET status='needs_attention', updated_at=? WHERE id=?`, time.Now(), workspaceID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ap, nil
}

func (s *Store) RespondApproval(ctx context.Context, approvalID string, status store.ApprovalStatus, respondedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT status, session_id, workspace_id FROM approvals WHERE id=?`, approvalID)
	var current store.ApprovalStatus
	var sessionID, workspaceID string
	if err := row.Scan(&current, &sessionID, &workspaceID); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}
	if current != store.ApprovalPending {
		return store.ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, responded_by=?, responded_at=? WHERE id=?`,
		string(status), respondedBy, time.Now(), approvalID); err != nil {
		return err
	}

	var pendingCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals WHERE session_id=? AND status='pending'`, sessionID).Scan(&pendingCount); err != nil {
		return err
	}
	if pendingCount == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status='idle' WHERE id=?`, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE workspaces SET status='idle', updated_at=? WHERE id=?`, time.Now(), workspaceID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ExpirePendingApprovals(ctx context.Context, now time.Time) ([]store.Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT id, workspace_id, session_id, execution_id, kind, prompt, requested_at, expires_at FROM approvals WHERE status='pending' AND expires_at IS NOT NULL AND expires_at<=?`, now)
	if err != nil {
		return nil, err
	}
	var expired []store.Approval
	for rows.Next() {
		var ap store.Approval
		var expiresAt sql.NullTime
		if err := rows.Scan(&ap.ID, &ap.WorkspaceID, &ap.SessionID, &ap.ExecutionID, &ap.Kind, &ap.Prompt, &ap.RequestedAt, &expiresAt); err != nil {
			rows.Close()
			return nil, err
		}
		ap.ExpiresAt = timeOrNil(expiresAt)
		ap.Status = store.ApprovalExpired
		expired = append(expired, ap)
	}
	rows.Close()

	for _, ap := range expired {
		if _, err := tx.ExecContext(ctx, `UPDATE approvals SET status='expired', responded_at=? WHERE id=?`, now, ap.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *Store) ListPendingApprovals(ctx context.Context, sessionID string) ([]store.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, workspace_id, session_id, execution_id, kind, prompt, requested_at, expires_at FROM approvals WHERE session_id=? AND status='pending' ORDER BY requested_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Approval
	for rows.Next() {
		var ap store.Approval
		var expiresAt sql.NullTime
		if err := rows.Scan(&ap.ID, &ap.WorkspaceID, &ap.SessionID, &ap.ExecutionID, &ap.Kind, &ap.Prompt, &ap.RequestedAt, &expiresAt); err != nil {
			return nil, err
		}
		ap.ExpiresAt = timeOrNil(expiresAt)
		ap.Status = store.ApprovalPending
		out = append(out, ap)
	}
	return out, rows.Err()
}

func (s *Store) GetApproval(ctx context.Context, id string) (*store.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, workspace_id, session_id, execution_id, kind, prompt, status, requested_at, expires_at, responded_at, responded_by FROM approvals WHERE id=?`, id)
	var ap store.Approval
	var expiresAt, respondedAt sql.NullTime
	if err := row.Scan(&ap.ID, &ap.WorkspaceID, &ap.SessionID, &ap.ExecutionID, &ap.Kind, &ap.Prompt, &ap.Status, &ap.RequestedAt, &expiresAt, &respondedAt, &ap.RespondedBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ap.ExpiresAt = timeOrNil(expiresAt)
	ap.RespondedAt = timeOrNil(respondedAt)
	return &ap, nil
}

func (s *Store) GetDeviceEnrollment(ctx context.Context, deviceID string) (*store.DeviceEnrollment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT device_id, owning_principal, public_key, revoked_at FROM device_enrollments WHERE device_id=?`, deviceID)
	var d store.DeviceEnrollment
	var revokedAt sql.NullTime
	if err := row.Scan(&d.DeviceID, &d.OwningPrincipal, &d.PublicKey, &revokedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	d.RevokedAt = timeOrNil(revokedAt)
	return &d, nil
}

func (s *Store) PutDeviceEnrollment(ctx context.Context, d store.DeviceEnrollment) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO device_enrollments (device_id, owning_principal, public_key, revoked_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET owning_principal=excluded.owning_principal, public_key=excluded.public_key, revoked_at=excluded.revoked_at`,
		d.DeviceID, d.OwningPrincipal, d.PublicKey, nullTime(d.RevokedAt))
	return err
}

func (s *Store) AcquireLease(ctx context.Context, executionID, deviceID string, ttl time.Duration, now time.Time) (*store.RunnerLease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT device_id, acquired_at, heartbeat_at, expires_at FROM runner_leases WHERE execution_id=?`, executionID)
	var existing store.RunnerLease
	err = row.Scan(&existing.DeviceID, &existing.AcquiredAt, &existing.HeartbeatAt, &existing.ExpiresAt)
	if err == nil {
		existing.ExecutionID = executionID
		if !existing.Expired(now, ttl) {
			return nil, alreadyLeasedErr(existing)
		}
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	lease := &store.RunnerLease{ExecutionID: executionID, DeviceID: deviceID, AcquiredAt: now, HeartbeatAt: now, ExpiresAt: now.Add(ttl)}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runner_leases (execution_id, device_id, acquired_at, heartbeat_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET device_id=excluded.device_id, acquired_at=excluded.acquired_at, heartbeat_at=excluded.heartbeat_at, expires_at=excluded.expires_at`,
		lease.ExecutionID, lease.DeviceID, lease.AcquiredAt, lease.HeartbeatAt, lease.ExpiresAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return lease, nil
}

func (s *Store) HeartbeatLease(ctx context.Context, executionID, deviceID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runner_leases SET heartbeat_at=? WHERE execution_id=? AND device_id=?`, now, executionID, deviceID)
	if err != nil {
		return err
	}
	return noRowsToNotFound(res)
}

func (s *Store) ReleaseLease(ctx context.Context, executionID, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runner_leases WHERE execution_id=? AND device_id=?`, executionID, deviceID)
	return err
}

func (s *Store) GetLease(ctx context.Context, executionID string) (*store.RunnerLease, error) {
	row := s.db.QueryRowContext(ctx, `SELECT execution_id, device_id, acquired_at, heartbeat_at, expires_at FROM runner_leases WHERE execution_id=?`, executionID)
	var l store.RunnerLease
	if err := row.Scan(&l.ExecutionID, &l.DeviceID, &l.AcquiredAt, &l.HeartbeatAt, &l.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *Store) SweepOrphanLeases(ctx context.Context, ttl time.Duration, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.session_id FROM runner_leases l
		JOIN executions e ON e.id = l.execution_id
		WHERE l.heartbeat_at < ? AND e.status IN ('pending', 'running')`, now.Add(-ttl))
	if err != nil {
		return nil, err
	}
	type row struct{ executionID, sessionID string }
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.executionID, &r.sessionID); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, r)
	}
	rows.Close()

	var dropped []string
	for _, c := range candidates {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return dropped, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE executions SET status='dropped', completed_at=? WHERE id=? AND status IN ('pending','running')`, now, c.executionID); err != nil {
			tx.Rollback()
			return dropped, err
		}
		if err := s.projectStatus(ctx, tx, c.sessionID, store.ExecutionDropped); err != nil {
			tx.Rollback()
			return dropped, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runner_leases WHERE execution_id=?`, c.executionID); err != nil {
			tx.Rollback()
			return dropped, err
		}
		if err := tx.Commit(); err != nil {
			return dropped, err
		}
		dropped = append(dropped, c.executionID)
	}
	return dropped, nil
}

func (s *Store) SeenNonce(ctx context.Context, intentID, nonce string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO dispatch_nonces (intent_id, nonce, seen_at) VALUES (?, ?, ?)`, intentID, nonce, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type alreadyLeasedError struct{ Existing store.RunnerLease }

func (e *alreadyLeasedError) Error() string { return "sqlstore: execution already leased" }

func alreadyLeasedErr(existing store.RunnerLease) error {
	return &alreadyLeasedError{Existing: existing}
}

// AlreadyLeased extracts the conflicting lease from an AcquireLease error, if any.
func AlreadyLeased(err error) (store.RunnerLease, bool) {
	if ae, ok := err.(*alreadyLeasedError); ok {
		return ae.Existing, true
	}
	return store.RunnerLease{}, false
}
