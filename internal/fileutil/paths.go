package fileutil

import "path/filepath"

// ManagedRoot is the single filesystem directory the runner is permitted
// to mutate. Every path helper below returns a path rooted under it; the
// worktree manager is responsible for verifying the canonicalized result
// still has root as a prefix before touching the filesystem.
type ManagedRoot struct {
	root string
}

// NewManagedRoot wraps an absolute, already-resolved managed root directory.
func NewManagedRoot(root string) ManagedRoot {
	return ManagedRoot{root: root}
}

// Root returns the managed root directory itself.
func (m ManagedRoot) Root() string { return m.root }

// WorkspaceDir returns <managed_root>/<workspaceId>.
func (m ManagedRoot) WorkspaceDir(workspaceID string) string {
	return filepath.Join(m.root, workspaceID)
}

// RepoWorktreeDir returns <managed_root>/<workspaceId>/<repoName>, the
// physical layout WorkspaceRepo documents are anchored to.
func (m ManagedRoot) RepoWorktreeDir(workspaceID, repoName string) string {
	return filepath.Join(m.root, workspaceID, repoName)
}

// LogsDir returns <managed_root>/.logs.
func (m ManagedRoot) LogsDir() string {
	return filepath.Join(m.root, ".logs")
}

// ExecutionLogPath returns <managed_root>/.logs/<executionId>.jsonl, the
// append-only persisted execution log file.
func (m ManagedRoot) ExecutionLogPath(executionID string) string {
	return filepath.Join(m.LogsDir(), executionID+".jsonl")
}
