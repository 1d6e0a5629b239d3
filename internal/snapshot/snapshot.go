// Package snapshot implements the Repo Snapshot Service (C3): it
// captures beforeHeadCommit/afterHeadCommit per (execution, repo),
// upserted against the control-plane store rather than the filesystem.
package snapshot

import (
	"context"

	"github.com/vkrunner/runner/internal/git"
	"github.com/vkrunner/runner/internal/store"
)

// Service captures before/after HEAD snapshots for an execution's repos.
type Service struct {
	st store.Store
}

// New creates a Service backed by st.
func New(st store.Store) *Service {
	return &Service{st: st}
}

// CaptureBefore records the current HEAD of each worktree as
// beforeHeadCommit for the execution, before any mutation is allowed to
// happen in it.
func (s *Service) CaptureBefore(ctx context.Context, executionID string, repos map[string]string) error {
	for workspaceRepoID, worktreeDir := range repos {
		head, err := git.NewRepo(worktreeDir).HeadCommit("HEAD")
		if err != nil {
			return err
		}
		if err := s.st.UpsertExecutionRepoState(ctx, executionID, workspaceRepoID, store.RepoStatePatch{
			BeforeHeadCommit: &head,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CaptureAfter records the current HEAD of each worktree as
// afterHeadCommit, called once the execution has reached a terminal
// status.
func (s *Service) CaptureAfter(ctx context.Context, executionID string, repos map[string]string) error {
	for workspaceRepoID, worktreeDir := range repos {
		head, err := git.NewRepo(worktreeDir).HeadCommit("HEAD")
		if err != nil {
			return err
		}
		if err := s.st.UpsertExecutionRepoState(ctx, executionID, workspaceRepoID, store.RepoStatePatch{
			AfterHeadCommit: &head,
		}); err != nil {
			return err
		}
	}
	return nil
}
