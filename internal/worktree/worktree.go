// Package worktree implements the Worktree Manager: creates, locks, and
// removes per-repo git worktrees under a managed root, enforcing the
// safe-path guard that keeps runner mutations inside that root.
package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/vkrunner/runner/internal/fileutil"
	"github.com/vkrunner/runner/internal/git"
	"github.com/vkrunner/runner/internal/rerr"
)

// Manager owns the managed root and the per-(workspace, repo) lock registry.
type Manager struct {
	root fileutil.ManagedRoot

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates a Manager rooted at root. If the operator supplied an
// override directory, callers should pass a nested well-known
// subdirectory of it (e.g. override/vkrunner-workspaces), never the
// override itself, so a caller cannot point the managed root at an
// arbitrary existing directory tree.
func New(root string) *Manager {
	return &Manager{
		root:  fileutil.NewManagedRoot(root),
		locks: make(map[string]*sync.Mutex),
	}
}

// Root returns the managed root directory.
func (m *Manager) Root() string { return m.root.Root() }

func lockKey(workspaceID, repoName string) string {
	return workspaceID + "/" + repoName
}

func (m *Manager) lockFor(workspaceID, repoName string) *sync.Mutex {
	key := lockKey(workspaceID, repoName)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// EnsureWorktree materialises the worktree for (workspaceID, repoName) at
// branch if it doesn't already exist pointing at that branch, and returns
// its local path. Concurrent calls for the same pair serialize; different
// pairs proceed in parallel.
func (m *Manager) EnsureWorktree(workspaceID, repoName, repoRootDir, branch string) (string, error) {
	lock := m.lockFor(workspaceID, repoName)
	lock.Lock()
	defer lock.Unlock()

	target := m.root.RepoWorktreeDir(workspaceID, repoName)
	safePath, err := fileutil.EnsureUnder(m.root.Root(), target)
	if err != nil {
		return "", rerr.New(rerr.KindUnsafePath, "worktree.EnsureWorktree", err)
	}

	repo := git.NewRepo(repoRootDir)
	repo.EnsureIdentity()

	if existing, ok := m.currentBranch(safePath); ok {
		if existing == branch {
			return safePath, nil
		}
		// Worktree exists but points at the wrong branch: tear it down
		// and recreate so ensureWorktree stays idempotent on the
		// caller's intent, not on whatever happened to be left behind.
		if err := m.teardown(repo, safePath); err != nil {
			return "", rerr.New(rerr.KindTransient, "worktree.EnsureWorktree", err)
		}
	}

	if !repo.BranchExists(branch) {
		base, err := repo.HeadCommit("HEAD")
		if err != nil {
			return "", rerr.New(rerr.KindFatal, "worktree.EnsureWorktree", err)
		}
		if err := repo.CreateBranch(branch, base); err != nil {
			return "", classifyGitErr("worktree.EnsureWorktree", err)
		}
	}

	if err := fileutil.EnsureDir(m.root.WorkspaceDir(workspaceID)); err != nil {
		return "", rerr.New(rerr.KindFatal, "worktree.EnsureWorktree", err)
	}
	if err := repo.CreateWorktree(safePath, branch); err != nil {
		return "", classifyGitErr("worktree.EnsureWorktree", err)
	}
	return safePath, nil
}

// currentBranch reports the branch a worktree directory is checked out
// to, if the directory exists and looks like a git worktree.
func (m *Manager) currentBranch(path string) (string, bool) {
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	repo := git.NewRepo(path)
	branch, err := repo.CurrentBranch()
	if err != nil {
		return "", false
	}
	return branch, true
}

func (m *Manager) teardown(repo *git.Repo, path string) error {
	_ = repo.RemoveWorktree(path, true)
	_ = os.RemoveAll(path)
	return repo.PruneWorktrees()
}

// RemoveWorktree tears down the worktree for (workspaceID, repoName).
// Uncommitted changes are discarded; the caller is responsible for
// deciding whether that's safe (e.g. via DirtyWorktree checks upstream).
func (m *Manager) RemoveWorktree(workspaceID, repoName, repoRootDir string) error {
	lock := m.lockFor(workspaceID, repoName)
	lock.Lock()
	defer lock.Unlock()

	target := m.root.RepoWorktreeDir(workspaceID, repoName)
	safePath, err := fileutil.EnsureUnder(m.root.Root(), target)
	if err != nil {
		return rerr.New(rerr.KindUnsafePath, "worktree.RemoveWorktree", err)
	}
	if _, err := os.Stat(safePath); os.IsNotExist(err) {
		return nil
	}
	repo := git.NewRepo(repoRootDir)
	if err := m.teardown(repo, safePath); err != nil {
		return rerr.New(rerr.KindTransient, "worktree.RemoveWorktree", err)
	}
	return nil
}

// RemoveWorkspace deletes the entire workspace directory (all enrolled
// repo worktrees) under the managed root. retainedFiles holds
// gitignore-style patterns; top-level entries of the workspace directory
// that match one are left behind instead of deleted. Called from the
// delete_workspace dispatch command.
func (m *Manager) RemoveWorkspace(workspaceID string, retainedFiles []string) error {
	target := m.root.WorkspaceDir(workspaceID)
	safePath, err := fileutil.EnsureUnder(m.root.Root(), target)
	if err != nil {
		return rerr.New(rerr.KindUnsafePath, "worktree.RemoveWorkspace", err)
	}
	if len(retainedFiles) == 0 {
		return os.RemoveAll(safePath)
	}
	retain := gitignore.CompileIgnoreLines(retainedFiles...)
	entries, err := os.ReadDir(safePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if retain.MatchesPath(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(safePath, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func classifyGitErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range []string{"index.lock", "cannot lock ref", "index file open failed"} {
		if strings.Contains(msg, marker) {
			return rerr.New(rerr.KindTransient, op, err)
		}
	}
	return rerr.New(rerr.KindFatal, op, err)
}
