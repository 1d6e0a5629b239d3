package cli

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vkrunner/runner/internal/approval"
	"github.com/vkrunner/runner/internal/fileutil"
	"github.com/vkrunner/runner/internal/lease"
	"github.com/vkrunner/runner/internal/orchestrator"
	"github.com/vkrunner/runner/internal/queue"
	"github.com/vkrunner/runner/internal/rlog"
	"github.com/vkrunner/runner/internal/snapshot"
	"github.com/vkrunner/runner/internal/store"
	"github.com/vkrunner/runner/internal/store/memstore"
	"github.com/vkrunner/runner/internal/supervisor"
	"github.com/vkrunner/runner/internal/worktree"
)

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	require.NoError(t, os.MkdirAll(dir, 0755))
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	run("add", "-A")
	run("commit", "-m", "initial")
}

// TestResetSessionThreadsWorkspaceID is a regression test for
// resetSession passing the session id where the repo's real workspace
// id belonged: EnsureWorktree must be called against the workspace a
// repo actually lives under, not the session driving the reset, or the
// reset silently materializes (and resets) the wrong worktree.
func TestResetSessionThreadsWorkspaceID(t *testing.T) {
	root := t.TempDir()
	log, err := rlog.New(false)
	require.NoError(t, err)

	st := memstore.New()
	wt := worktree.New(root)
	sup := supervisor.New(fileutil.NewManagedRoot(root))
	snaps := snapshot.New(st)
	leases := lease.New(st, "test-device", time.Minute, log, nil)
	approvals := approval.New(st, log)
	q := queue.New(st)
	orch := orchestrator.New(st, wt, sup, snaps, leases, approvals, q, log, nil)

	const workspaceID = "ws-real"
	const sessionID = "sess-real"

	repoDir := filepath.Join(root, "repo-src")
	initRepo(t, repoDir)

	// Pre-materialize the worktree under the real workspace id, the way
	// startChain would have when the session was first created.
	wantDir, err := orch.Worktrees().EnsureWorktree(workspaceID, "repo1", repoDir, "main")
	require.NoError(t, err)

	ctx := context.Background()
	target, err := st.StartExecution(ctx, workspaceID, sessionID, store.RunReasonCodingAgent, "tester")
	require.NoError(t, err)
	require.NoError(t, st.SetExecutionStatus(ctx, target.ID, store.ExecutionStatusPatch{Status: store.ExecutionCompleted}))

	p := resetSessionParams{
		WorkspaceID:   workspaceID,
		SessionID:     sessionID,
		ToExecutionID: target.ID,
		Force:         true,
		Repos: []repoParam{{
			WorkspaceRepoID: "wr1",
			RepoName:        "repo1",
			RepoRootDir:     repoDir,
			TargetBranch:    "main",
		}},
	}

	require.NoError(t, resetSession(ctx, orch, st, p))

	// If resetSession had threaded sessionID instead of p.WorkspaceID
	// into EnsureWorktree, this would materialize (and register) a
	// second, divergent worktree directory under the session id instead
	// of reusing the one already registered for the workspace.
	gotDir, err := orch.Worktrees().EnsureWorktree(workspaceID, "repo1", repoDir, "main")
	require.NoError(t, err)
	require.Equal(t, wantDir, gotDir)
	require.Contains(t, gotDir, workspaceID)
	require.NotContains(t, gotDir, sessionID)
}
