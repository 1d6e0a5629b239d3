package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vkrunner/runner/internal/approval"
	"github.com/vkrunner/runner/internal/config"
	"github.com/vkrunner/runner/internal/fileutil"
	"github.com/vkrunner/runner/internal/lease"
	"github.com/vkrunner/runner/internal/queue"
	"github.com/vkrunner/runner/internal/rlog"
	"github.com/vkrunner/runner/internal/snapshot"
	"github.com/vkrunner/runner/internal/store"
	"github.com/vkrunner/runner/internal/store/memstore"
	"github.com/vkrunner/runner/internal/supervisor"
	"github.com/vkrunner/runner/internal/worktree"
)

// newTestOrchestrator wires every component against a fresh memstore and
// a real, empty managed root, the way the daemon wires them in
// internal/cli/run.go, minus the dispatch/control-plane half.
func newTestOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()
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
	o := New(st, wt, sup, snaps, leases, approvals, q, log, nil)
	return o, root
}

// initRepo creates a one-commit git repository at dir.
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

// TestCancelRecordsKilledNotFailed is a regression test: Cancel must
// record the cancelled execution as killed. An orchestrator that writes
// failed first and then tries to overwrite it with killed is a no-op,
// since both store backends treat terminal statuses as write-once sinks
// — the execution would wrongly read back as failed.
func TestCancelRecordsKilledNotFailed(t *testing.T) {
	o, root := newTestOrchestrator(t)
	repoDir := filepath.Join(root, "repo-src")
	initRepo(t, repoDir)

	worktreeDir, err := o.Worktrees().EnsureWorktree("ws1", "repo1", repoDir, "main")
	require.NoError(t, err)

	cfg := &config.Config{
		Agent: config.AgentConfig{Command: "sleep", Args: []string{"30"}},
	}
	params := ChainParams{
		WorkspaceID: "ws1",
		SessionID:   "sess1",
		Executor:    "tester",
		Prompt:      "do something",
		Repos: []RepoTarget{{
			WorkspaceRepoID: "wr1",
			RepoName:        "repo1",
			RepoRootDir:     repoDir,
			WorktreeDir:     worktreeDir,
			TargetBranch:    "main",
		}},
		Cfg: cfg,
	}

	require.NoError(t, o.StartChain(context.Background(), params))

	// Find the coding_agent execution StartChain just created.
	var execID string
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		for id := range o.running {
			execID = id
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "expected a running execution to be registered")

	require.NoError(t, o.Cancel(context.Background(), execID))

	exec, err := o.st.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionKilled, exec.Status, "Cancel must record the execution as killed, not failed")
}
