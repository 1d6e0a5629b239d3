package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vkrunner/runner/internal/approval"
	"github.com/vkrunner/runner/internal/config"
	"github.com/vkrunner/runner/internal/dispatch"
	"github.com/vkrunner/runner/internal/fileutil"
	"github.com/vkrunner/runner/internal/lease"
	"github.com/vkrunner/runner/internal/orchestrator"
	"github.com/vkrunner/runner/internal/queue"
	"github.com/vkrunner/runner/internal/rconfig"
	"github.com/vkrunner/runner/internal/rerr"
	"github.com/vkrunner/runner/internal/rlog"
	"github.com/vkrunner/runner/internal/snapshot"
	"github.com/vkrunner/runner/internal/store"
	"github.com/vkrunner/runner/internal/store/sqlstore"
	"github.com/vkrunner/runner/internal/supervisor"
	"github.com/vkrunner/runner/internal/telemetry"
	"github.com/vkrunner/runner/internal/worktree"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the runner daemon: dial the control plane and execute dispatched intents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

// commandKind is the closed set of dispatch commandKinds the runner
// daemon understands, layered above the process-level typed operations.
const (
	commandStartChain      = "start_chain"
	commandCancel          = "cancel"
	commandRespondApproval = "respond_approval"
	commandResetSession    = "reset_session"
	commandDeleteWorkspace = "delete_workspace"
)

type repoParam struct {
	WorkspaceRepoID string `json:"workspaceRepoId"`
	RepoName        string `json:"repoName"`
	RepoRootDir     string `json:"repoRootDir"`
	TargetBranch    string `json:"targetBranch"`
}

type startChainParams struct {
	Executor   string      `json:"executor"`
	Prompt     string      `json:"prompt"`
	ConfigPath string      `json:"configPath"`
	Repos      []repoParam `json:"repos"`
}

type cancelParams struct {
	ExecutionID string `json:"executionId"`
}

type respondApprovalParams struct {
	ApprovalID  string `json:"approvalId"`
	Status      string `json:"status"`
	RespondedBy string `json:"respondedBy"`
}

type resetSessionParams struct {
	WorkspaceID   string      `json:"workspaceId"`
	SessionID     string      `json:"sessionId"`
	ToExecutionID string      `json:"toExecutionId"`
	Force         bool        `json:"force"`
	Repos         []repoParam `json:"repos"`
}

type deleteWorkspaceParams struct {
	WorkspaceID   string   `json:"workspaceId"`
	RetainedFiles []string `json:"retainedFiles"`
}

func runDaemon(ctx context.Context) error {
	cfg, err := rconfig.Load(configPath)
	if err != nil {
		return exitErr(ExitFatalConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return exitErr(ExitDeviceNotEnrolled, err)
	}

	log, err := rlog.New(cfg.Debug)
	if err != nil {
		return exitErr(ExitInternal, err)
	}
	defer log.Sync()

	var managedRoot string
	if cfg.ManagedRootOverride != "" {
		managedRoot = filepath.Join(cfg.ManagedRootOverride, "vkrunner-workspaces")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return exitErr(ExitInternal, err)
		}
		managedRoot = filepath.Join(home, ".vkrunner", "workspaces")
	}
	if err := fileutil.EnsureDir(managedRoot); err != nil {
		return exitErr(ExitUnsafeRoot, fmt.Errorf("preparing managed root: %w", err))
	}

	dbPath := filepath.Join(managedRoot, ".vkrunner.db")
	st, err := sqlstore.Open(ctx, dbPath)
	if err != nil {
		return exitErr(ExitInternal, err)
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)
	go serveMetrics(cfg.MetricsPort, log)

	wt := worktree.New(managedRoot)
	sup := supervisor.New(fileutil.NewManagedRoot(managedRoot))
	snaps := snapshot.New(st)
	leases := lease.New(st, cfg.DeviceID, cfg.LeaseTTL, log, metrics)
	approvals := approval.New(st, log)
	q := queue.New(st)
	orch := orchestrator.New(st, wt, sup, snaps, leases, approvals, q, log, metrics)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go approvals.RunReaper(runCtx, cfg.ApprovalSweepEvery)
	if err := leases.StartOrphanSweep(cfg.OrphanSweepCron); err != nil {
		return exitErr(ExitInternal, err)
	}
	defer leases.StopOrphanSweep()

	authorize := func(principal, workspaceID string) bool { return principal != "" }
	client, err := dispatch.Dial(runCtx, cfg.ControlPlaneURL, cfg.DeviceID, st, authorize, log, metrics)
	if err != nil {
		log.Errorw("dispatch dial failed", "error", err)
		return exitErr(ExitInternal, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infow("received signal, shutting down", "signal", sig)
		client.Close()
		cancel()
	}()

	log.Infow("vkrunner daemon started", "device", cfg.DeviceID, "managedRoot", managedRoot)
	client.Run(runCtx, func(intent dispatch.Intent) error {
		return handleIntent(runCtx, orch, st, intent, log)
	})
	return nil
}

func serveMetrics(port int, log interface{ Errorw(string, ...any) }) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		log.Errorw("metrics server stopped", "error", err)
	}
}

func handleIntent(ctx context.Context, orch *orchestrator.Orchestrator, st store.Store, intent dispatch.Intent, log interface {
	Errorw(string, ...any)
}) error {
	switch intent.CommandKind {
	case commandStartChain:
		var p startChainParams
		if err := json.Unmarshal(intent.Params, &p); err != nil {
			return err
		}
		return startChain(ctx, orch, intent, p)
	case commandCancel:
		var p cancelParams
		if err := json.Unmarshal(intent.Params, &p); err != nil {
			return err
		}
		return orch.Cancel(ctx, p.ExecutionID)
	case commandRespondApproval:
		var p respondApprovalParams
		if err := json.Unmarshal(intent.Params, &p); err != nil {
			return err
		}
		return orch.RespondApproval(ctx, p.ApprovalID, store.ApprovalStatus(p.Status), p.RespondedBy)
	case commandResetSession:
		var p resetSessionParams
		if err := json.Unmarshal(intent.Params, &p); err != nil {
			return err
		}
		return resetSession(ctx, orch, st, p)
	case commandDeleteWorkspace:
		var p deleteWorkspaceParams
		if err := json.Unmarshal(intent.Params, &p); err != nil {
			return err
		}
		return deleteWorkspace(ctx, orch, st, p)
	default:
		return fmt.Errorf("unknown command kind %q", intent.CommandKind)
	}
}

func startChain(ctx context.Context, orch *orchestrator.Orchestrator, intent dispatch.Intent, p startChainParams) error {
	targets := make([]orchestrator.RepoTarget, 0, len(p.Repos))
	for _, r := range p.Repos {
		dir, err := orch.Worktrees().EnsureWorktree(intent.WorkspaceID, r.RepoName, r.RepoRootDir, r.TargetBranch)
		if err != nil {
			return err
		}
		targets = append(targets, orchestrator.RepoTarget{
			WorkspaceRepoID: r.WorkspaceRepoID,
			RepoName:        r.RepoName,
			RepoRootDir:     r.RepoRootDir,
			WorktreeDir:     dir,
			TargetBranch:    r.TargetBranch,
		})
	}
	if len(targets) == 0 {
		return rerr.Newf(rerr.KindFatal, "cli.startChain", "intent %s named no repos", intent.IntentID)
	}

	configPath := p.ConfigPath
	if configPath == "" {
		configPath = ".vkrunner.yml"
	}
	cfg, err := config.Load(filepath.Join(targets[0].WorktreeDir, configPath))
	if err != nil {
		return err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid repo config: %v", errs)
	}

	return orch.StartChain(ctx, orchestrator.ChainParams{
		WorkspaceID: intent.WorkspaceID,
		SessionID:   intent.SessionID,
		Executor:    p.Executor,
		Prompt:      p.Prompt,
		Repos:       targets,
		Cfg:         cfg,
	})
}

func resetSession(ctx context.Context, orch *orchestrator.Orchestrator, st store.Store, p resetSessionParams) error {
	target, err := st.GetExecution(ctx, p.ToExecutionID)
	if err != nil {
		return err
	}

	targets := make([]orchestrator.RepoTarget, 0, len(p.Repos))
	for _, r := range p.Repos {
		dir, err := orch.Worktrees().EnsureWorktree(p.WorkspaceID, r.RepoName, r.RepoRootDir, r.TargetBranch)
		if err != nil {
			return err
		}
		targets = append(targets, orchestrator.RepoTarget{WorkspaceRepoID: r.WorkspaceRepoID, RepoName: r.RepoName, RepoRootDir: r.RepoRootDir, WorktreeDir: dir, TargetBranch: r.TargetBranch})
	}
	return orch.ResetSession(ctx, p.SessionID, target, targets, p.Force)
}

// deleteWorkspace tears down a workspace's control-plane records and its
// on-disk worktrees together. The store record goes first: a crash between
// the two leaves an orphaned worktree directory (cheap to reconcile on next
// startup) rather than a workspace with no backing worktree.
func deleteWorkspace(ctx context.Context, orch *orchestrator.Orchestrator, st store.Store, p deleteWorkspaceParams) error {
	if err := st.DeleteWorkspace(ctx, p.WorkspaceID); err != nil {
		return err
	}
	return orch.Worktrees().RemoveWorkspace(p.WorkspaceID, p.RetainedFiles)
}
