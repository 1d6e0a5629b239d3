// Package orchestrator implements the Execution Orchestrator (C7): it
// drives the execution state machine and the setup->coding_agent->
// cleanup->archive action chain, applies the queue consumption rule,
// and resets sessions to an earlier execution. Setup steps are grouped
// into sequence levels and run level-by-level, parallel within a level,
// sequential across levels.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/vkrunner/runner/internal/approval"
	"github.com/vkrunner/runner/internal/config"
	"github.com/vkrunner/runner/internal/git"
	"github.com/vkrunner/runner/internal/lease"
	"github.com/vkrunner/runner/internal/queue"
	"github.com/vkrunner/runner/internal/rerr"
	"github.com/vkrunner/runner/internal/snapshot"
	"github.com/vkrunner/runner/internal/store"
	"github.com/vkrunner/runner/internal/supervisor"
	"github.com/vkrunner/runner/internal/telemetry"
	"github.com/vkrunner/runner/internal/worktree"
)

// RepoTarget is one enabled repo participating in a chain run, with its
// worktree already materialised by the caller (dispatch handler) via
// worktree.Manager.EnsureWorktree.
type RepoTarget struct {
	WorkspaceRepoID string
	RepoName        string
	RepoRootDir     string
	WorktreeDir     string
	TargetBranch    string
}

// ChainParams starts an action chain for a session.
type ChainParams struct {
	WorkspaceID string
	SessionID   string
	Executor    string
	Prompt      string
	Repos       []RepoTarget
	Cfg         *config.Config
}

// Orchestrator wires together the worktree, supervisor, snapshot, lease,
// approval and queue components behind the two linked state machines.
type Orchestrator struct {
	st         store.Store
	worktrees  *worktree.Manager
	supervisor *supervisor.Supervisor
	snapshots  *snapshot.Service
	leases     *lease.Manager
	approvals  *approval.Broker
	queue      *queue.Broker
	log        *zap.SugaredLogger
	metrics    *telemetry.Metrics

	mu      sync.Mutex
	running map[string]*runningExecution
}

// runningExecution tracks one in-flight execution so the process-exit
// path and the approval-resolution path can each observe the other.
type runningExecution struct {
	exec           *store.ExecutionProcess
	handle         *supervisor.Handle
	repos          []RepoTarget
	chain          ChainParams
	heartbeatStop  context.CancelFunc
	nextStep       chainStep
	exitObserved   bool
	exitSuccess    bool
	exitFailureMsg string
}

type chainStep int

const (
	stepGitCommit chainStep = iota
	stepCleanup
	stepArchive
	stepNone
)

// New creates an Orchestrator from its component dependencies. metrics
// may be nil, in which case no counters are updated.
func New(st store.Store, worktrees *worktree.Manager, sup *supervisor.Supervisor, snapshots *snapshot.Service, leases *lease.Manager, approvals *approval.Broker, q *queue.Broker, log *zap.SugaredLogger, metrics *telemetry.Metrics) *Orchestrator {
	o := &Orchestrator{
		st:         st,
		worktrees:  worktrees,
		supervisor: sup,
		snapshots:  snapshots,
		leases:     leases,
		approvals:  approvals,
		queue:      q,
		log:        log,
		metrics:    metrics,
		running:    make(map[string]*runningExecution),
	}
	approvals.OnExpired(o.handleExpiredApprovals)
	return o
}

// Worktrees exposes the worktree manager so callers can materialise
// RepoTarget.WorktreeDir via EnsureWorktree before building ChainParams.
func (o *Orchestrator) Worktrees() *worktree.Manager { return o.worktrees }

func repoWorktreeMap(repos []RepoTarget) map[string]string {
	m := make(map[string]string, len(repos))
	for _, r := range repos {
		m[r.WorkspaceRepoID] = r.WorktreeDir
	}
	return m
}

// StartChain begins a fresh action chain: setup steps (per cfg.SetupLevels,
// grouped and run the way topologicalLevels groups concerns), then the
// coding agent. cleanup/archive are chained automatically once the coding
// agent execution reaches a terminal status.
func (o *Orchestrator) StartChain(ctx context.Context, p ChainParams) error {
	levels := p.Cfg.SetupLevels()
	repos := repoWorktreeMap(p.Repos)

	failed := false
	for _, level := range levels {
		if failed {
			o.log.Warnw("orchestrator: skipping setup level, upstream failed", "session", p.SessionID)
			continue
		}
		if ok := o.runSetupLevel(ctx, p, level, repos); !ok {
			failed = true
		}
	}

	return o.startCodingAgent(ctx, p, repos)
}

// runSetupLevel runs every step in one level concurrently (when more than
// one) and waits for all of them before the caller moves to the next level.
func (o *Orchestrator) runSetupLevel(ctx context.Context, p ChainParams, level []config.ActionStep, repos map[string]string) bool {
	if len(level) == 1 {
		return o.runSetupStep(ctx, p, level[0], repos) == nil
	}
	var wg sync.WaitGroup
	results := make([]error, len(level))
	for i, step := range level {
		wg.Add(1)
		go func(i int, step config.ActionStep) {
			defer wg.Done()
			results[i] = o.runSetupStep(ctx, p, step, repos)
		}(i, step)
	}
	wg.Wait()
	for _, err := range results {
		if err != nil {
			return false
		}
	}
	return true
}

func (o *Orchestrator) runSetupStep(ctx context.Context, p ChainParams, step config.ActionStep, repos map[string]string) error {
	exec, err := o.st.StartExecution(ctx, p.WorkspaceID, p.SessionID, store.RunReasonSetup, p.Executor)
	if err != nil {
		return err
	}
	return o.runSupervised(ctx, exec, supervisor.Spec{
		Op:      supervisor.OpRunSetupScript,
		Command: step.Command,
		Args:    step.Args,
		Dir:     primaryDir(p.Repos),
		Env:     chainEnv(p),
	}, repos)
}

// startCodingAgent runs the coding agent as its own execution, then
// resolves the rest of the chain once it finishes (directly, or via
// approval resolution if it suspends on a pending approval).
func (o *Orchestrator) startCodingAgent(ctx context.Context, p ChainParams, repos map[string]string) error {
	exec, err := o.st.StartExecution(ctx, p.WorkspaceID, p.SessionID, store.RunReasonCodingAgent, p.Executor)
	if err != nil {
		return err
	}
	if err := o.snapshots.CaptureBefore(ctx, exec.ID, repos); err != nil {
		return err
	}

	if _, err := o.leases.Acquire(ctx, exec.ID); err != nil {
		if rerr.Is(err, rerr.KindAlreadyLeased) {
			return nil
		}
		return err
	}
	hbCtx, hbCancel := context.WithCancel(ctx)
	o.leases.Heartbeat(hbCtx, exec.ID)

	if p.Cfg.Permissions != nil {
		writeWorktreePermissions(p.Repos, p.Cfg.Permissions, o.log)
	}

	preamble := p.Cfg.ResolvePreamble()
	handle, err := o.supervisor.Run(ctx, exec.ID, supervisor.Spec{
		Op:      supervisor.OpRunCodingAgent,
		Command: p.Cfg.Agent.Command,
		Args:    p.Cfg.Agent.Args,
		Dir:     primaryDir(p.Repos),
		Env:     chainEnv(p),
		Stdin:   preamble + "\n\n" + p.Prompt,
	})
	if err != nil {
		hbCancel()
		_ = o.leases.Release(ctx, exec.ID)
		_ = o.st.SetExecutionStatus(ctx, exec.ID, store.ExecutionStatusPatch{Status: store.ExecutionFailed, ErrorMessage: err.Error()})
		return err
	}

	re := &runningExecution{
		exec:          exec,
		handle:        handle,
		repos:         p.Repos,
		chain:         p,
		heartbeatStop: hbCancel,
		nextStep:      stepGitCommit,
	}
	o.mu.Lock()
	o.running[exec.ID] = re
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.RunningExecutions.Inc()
	}

	go o.awaitCodingAgent(ctx, re)
	return nil
}

func (o *Orchestrator) awaitCodingAgent(ctx context.Context, re *runningExecution) {
	<-re.handle.Done()
	success := re.handle.Err() == nil
	msg := ""
	if !success {
		msg = re.handle.Err().Error()
	}
	o.observeExit(ctx, re, success, msg)
}

// observeExit records the process outcome and finalizes the execution
// unless an approval is still pending for it, per "running -> completed
// on process exit code 0 and no pending approvals".
func (o *Orchestrator) observeExit(ctx context.Context, re *runningExecution, success bool, failureMsg string) {
	o.mu.Lock()
	re.exitObserved = true
	re.exitSuccess = success
	re.exitFailureMsg = failureMsg
	o.mu.Unlock()

	if o.hasPendingApproval(ctx, re.exec.ID, re.exec.SessionID) {
		return
	}
	if success && !o.runGates(ctx, re) {
		return
	}
	status := store.ExecutionCompleted
	if !success {
		status = store.ExecutionFailed
	}
	o.finalize(ctx, re, status, failureMsg)
}

// runGates runs every configured quality gate once the coding agent has
// exited successfully. A failing gate requests human approval rather than
// failing the chain outright — the gate is advisory until a human
// overrides it. The approval is tied to the coding agent's own execution,
// so rejecting it fails that execution exactly like a rejected approval
// requested mid-run. Returns false if a gate failed and approval is now
// pending, in which case the caller must leave re suspended.
func (o *Orchestrator) runGates(ctx context.Context, re *runningExecution) bool {
	repos := repoWorktreeMap(re.repos)
	for _, g := range re.chain.Cfg.Gates {
		exec, err := o.st.StartExecution(ctx, re.chain.WorkspaceID, re.chain.SessionID, store.RunReasonGate, re.chain.Executor)
		if err != nil {
			o.log.Errorw("orchestrator: starting gate failed", "gate", g.Name, "error", err)
			continue
		}
		// Gate commands run through sh -c, the same shell-wrapping
		// convention repo configs use for ad hoc one-liners, since a gate
		// is declared as a single Run string rather than command+args.
		err = o.runSupervised(ctx, exec, supervisor.Spec{
			Op:      supervisor.OpRunCleanupScript,
			Command: "sh",
			Args:    []string{"-c", g.Run},
			Dir:     primaryDir(re.repos),
			Env:     chainEnv(re.chain),
		}, repos)
		if err != nil {
			o.log.Warnw("orchestrator: gate failed, requesting approval", "gate", g.Name, "error", err)
			prompt := fmt.Sprintf("gate %q failed: %v", g.Name, err)
			if _, reqErr := o.approvals.Request(ctx, re.chain.WorkspaceID, re.chain.SessionID, re.exec.ID, "gate:"+g.Name, prompt, nil); reqErr != nil {
				o.log.Errorw("orchestrator: requesting gate approval failed", "gate", g.Name, "error", reqErr)
			}
			return false
		}
	}
	return true
}

func (o *Orchestrator) hasPendingApproval(ctx context.Context, executionID, sessionID string) bool {
	pending, err := o.st.ListPendingApprovals(ctx, sessionID)
	if err != nil {
		o.log.Errorw("orchestrator: listing pending approvals failed", "error", err)
		return false
	}
	for _, a := range pending {
		if a.ExecutionID == executionID {
			return true
		}
	}
	return false
}

// finalize completes the execution's terminal transition, releases its
// lease, captures afterHeadCommit, applies the queue consumption rule,
// and advances the chain to cleanup/archive. status is the terminal
// status to record — callers decide completed/failed/killed, finalize
// does not infer it, so an explicit cancel actually lands as killed
// instead of being overwritten by a generic failed write.
func (o *Orchestrator) finalize(ctx context.Context, re *runningExecution, status store.ExecutionStatus, failureMsg string) {
	o.mu.Lock()
	delete(o.running, re.exec.ID)
	o.mu.Unlock()
	re.heartbeatStop()

	if err := o.st.SetExecutionStatus(ctx, re.exec.ID, store.ExecutionStatusPatch{Status: status, ErrorMessage: failureMsg}); err != nil {
		o.log.Errorw("orchestrator: setting terminal status failed", "execution", re.exec.ID, "error", err)
	}
	if err := o.snapshots.CaptureAfter(ctx, re.exec.ID, repoWorktreeMap(re.repos)); err != nil {
		o.log.Errorw("orchestrator: capturing afterHeadCommit failed", "execution", re.exec.ID, "error", err)
	}
	if err := o.leases.Release(ctx, re.exec.ID); err != nil {
		o.log.Errorw("orchestrator: releasing lease failed", "execution", re.exec.ID, "error", err)
	}
	if o.metrics != nil {
		o.metrics.ExecutionsTotal.WithLabelValues(string(re.exec.RunReason), string(status)).Inc()
		o.metrics.RunningExecutions.Dec()
	}

	if re.exec.RunReason != store.RunReasonCodingAgent {
		o.advanceChain(ctx, re)
		return
	}

	if status == store.ExecutionCompleted {
		o.applyQueueConsumption(ctx, re)
		return
	}
	if err := o.queue.Discard(ctx, re.chain.SessionID); err != nil {
		o.log.Errorw("orchestrator: discarding queue failed", "session", re.chain.SessionID, "error", err)
	}
	o.advanceChain(ctx, re)
}

// applyQueueConsumption implements the queue consumption rule: on a
// completed coding_agent execution whose queuedFollowUpConsumed flag is
// still false, consume any queued message and loop the chain back into
// a fresh coding_agent execution instead of advancing to cleanup.
func (o *Orchestrator) applyQueueConsumption(ctx context.Context, re *runningExecution) {
	if re.exec.QueuedFollowUpConsumed {
		o.advanceChain(ctx, re)
		return
	}
	msg, err := o.queue.Consume(ctx, re.chain.SessionID)
	if err != nil {
		o.log.Errorw("orchestrator: consuming queue failed", "session", re.chain.SessionID, "error", err)
		o.advanceChain(ctx, re)
		return
	}
	if msg == nil {
		o.advanceChain(ctx, re)
		return
	}
	if err := o.st.MarkQueuedFollowUpConsumed(ctx, re.exec.ID); err != nil {
		o.log.Errorw("orchestrator: marking queue consumed failed", "execution", re.exec.ID, "error", err)
	}
	next := re.chain
	next.Prompt = msg.Message
	next.Executor = msg.Executor
	if err := o.startCodingAgent(ctx, next, repoWorktreeMap(re.repos)); err != nil {
		o.log.Errorw("orchestrator: starting follow-up coding agent failed", "session", re.chain.SessionID, "error", err)
	}
}

// advanceChain runs the next configured step (cleanup after coding_agent,
// archive after cleanup), or stops if the chain has nothing left
// configured. cleanup and archive run unconditionally after their
// predecessor's terminal transition, regardless of its outcome.
func (o *Orchestrator) advanceChain(ctx context.Context, re *runningExecution) {
	switch re.nextStep {
	case stepGitCommit:
		o.runGitCommitStep(ctx, re)
	case stepCleanup:
		if re.chain.Cfg.CleanupStep == nil {
			o.advanceChain(ctx, &runningExecution{exec: re.exec, repos: re.repos, chain: re.chain, nextStep: stepArchive})
			return
		}
		o.runChainScript(ctx, re, store.RunReasonCleanup, supervisor.OpRunCleanupScript, *re.chain.Cfg.CleanupStep, stepArchive)
	case stepArchive:
		if re.chain.Cfg.ArchiveStep != nil {
			o.runChainScript(ctx, re, store.RunReasonArchive, supervisor.OpRunArchiveScript, *re.chain.Cfg.ArchiveStep, stepNone)
		}
		o.archiveWorktrees(re)
	}
}

// archiveWorktrees removes each repo's worktree once the chain reaches
// its archive step, unless the repo config opts out via
// settings.retain_on_archive.
func (o *Orchestrator) archiveWorktrees(re *runningExecution) {
	if re.chain.Cfg.Settings.RetainOnArchive {
		return
	}
	for _, repo := range re.repos {
		if err := o.worktrees.RemoveWorktree(re.chain.WorkspaceID, repo.RepoName, repo.RepoRootDir); err != nil {
			o.log.Warnw("orchestrator: removing worktree on archive failed", "repo", repo.RepoName, "error", err)
		}
	}
}

// runGitCommitStep commits each repo's outstanding changes once the
// coding agent has exited (and any gates have passed), fulfilling the
// coding agent preamble's promise that changes are committed
// automatically rather than left for the agent to commit itself. Runs
// unconditionally, the same as cleanup/archive, regardless of the coding
// agent's own outcome.
func (o *Orchestrator) runGitCommitStep(ctx context.Context, re *runningExecution) {
	exec, err := o.st.StartExecution(ctx, re.chain.WorkspaceID, re.chain.SessionID, store.RunReasonGitCommit, re.chain.Executor)
	if err != nil {
		o.log.Errorw("orchestrator: starting git commit step failed", "error", err)
		o.advanceChain(ctx, &runningExecution{exec: re.exec, repos: re.repos, chain: re.chain, nextStep: stepCleanup})
		return
	}
	repos := repoWorktreeMap(re.repos)
	if err := o.snapshots.CaptureBefore(ctx, exec.ID, repos); err != nil {
		o.log.Errorw("orchestrator: capturing before commit failed", "error", err)
	}

	status, failMsg := store.ExecutionCompleted, ""
	for _, repo := range re.repos {
		handle, err := o.supervisor.Run(ctx, exec.ID, supervisor.Spec{
			Op:    supervisor.OpGitCommit,
			Dir:   repo.WorktreeDir,
			Stdin: fmt.Sprintf("vkrunner: automated commit (execution %s)", re.exec.ID),
		})
		if err != nil {
			status, failMsg = store.ExecutionFailed, err.Error()
			o.log.Warnw("orchestrator: git commit failed", "repo", repo.RepoName, "error", err)
			continue
		}
		<-handle.Done()
		if runErr := handle.Err(); runErr != nil {
			status, failMsg = store.ExecutionFailed, runErr.Error()
			o.log.Warnw("orchestrator: git commit failed", "repo", repo.RepoName, "error", runErr)
		}
	}

	if err := o.st.SetExecutionStatus(ctx, exec.ID, store.ExecutionStatusPatch{Status: status, ErrorMessage: failMsg}); err != nil {
		o.log.Errorw("orchestrator: setting git commit status failed", "error", err)
	}
	if err := o.snapshots.CaptureAfter(ctx, exec.ID, repos); err != nil {
		o.log.Errorw("orchestrator: capturing after commit failed", "error", err)
	}
	o.advanceChain(ctx, &runningExecution{exec: exec, repos: re.repos, chain: re.chain, nextStep: stepCleanup})
}

func (o *Orchestrator) runChainScript(ctx context.Context, re *runningExecution, reason store.RunReason, op supervisor.Op, step config.ActionStep, next chainStep) {
	exec, err := o.st.StartExecution(ctx, re.chain.WorkspaceID, re.chain.SessionID, reason, re.chain.Executor)
	if err != nil {
		o.log.Errorw("orchestrator: starting chain step failed", "reason", reason, "error", err)
		return
	}
	repos := repoWorktreeMap(re.repos)
	if err := o.runSupervised(ctx, exec, supervisor.Spec{
		Op:      op,
		Command: step.Command,
		Args:    step.Args,
		Dir:     primaryDir(re.repos),
		Env:     chainEnv(re.chain),
	}, repos); err != nil {
		o.log.Warnw("orchestrator: chain step failed, continuing chain", "reason", reason, "error", err)
	}
	o.advanceChain(ctx, &runningExecution{exec: exec, repos: re.repos, chain: re.chain, nextStep: next})
}

// runSupervised runs a synchronous (non-coding-agent) step to completion
// inline: capture before, run, wait, capture after, set terminal status.
// Setup/cleanup/archive scripts are short-lived enough that the chain
// does not need to suspend on them the way it does on the coding agent.
func (o *Orchestrator) runSupervised(ctx context.Context, exec *store.ExecutionProcess, spec supervisor.Spec, repos map[string]string) error {
	if err := o.snapshots.CaptureBefore(ctx, exec.ID, repos); err != nil {
		return err
	}
	handle, err := o.supervisor.Run(ctx, exec.ID, spec)
	if err != nil {
		_ = o.st.SetExecutionStatus(ctx, exec.ID, store.ExecutionStatusPatch{Status: store.ExecutionFailed, ErrorMessage: err.Error()})
		return err
	}
	<-handle.Done()
	status := store.ExecutionCompleted
	msg := ""
	if runErr := handle.Err(); runErr != nil {
		status = store.ExecutionFailed
		msg = runErr.Error()
	}
	if err := o.st.SetExecutionStatus(ctx, exec.ID, store.ExecutionStatusPatch{Status: status, ErrorMessage: msg}); err != nil {
		return err
	}
	if err := o.snapshots.CaptureAfter(ctx, exec.ID, repos); err != nil {
		return err
	}
	if status == store.ExecutionFailed {
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// Cancel cancels a running execution: the handle is signalled, the
// orchestrator waits for terminal exit via the normal observeExit path,
// then finalizes as killed. Idempotent through Handle.Cancel.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	re, ok := o.running[executionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	re.handle.Cancel()
	<-re.handle.Done()
	o.finalize(ctx, re, store.ExecutionKilled, "")
	return nil
}

// RespondApproval resolves a pending approval and, if it gates a
// suspended execution, finalizes or releases that execution accordingly.
// Rejection forces the execution to failed immediately, even if the
// underlying process has not exited yet (its handle is cancelled).
func (o *Orchestrator) RespondApproval(ctx context.Context, approvalID string, status store.ApprovalStatus, respondedBy string) error {
	a, err := o.st.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if err := o.approvals.Respond(ctx, approvalID, status, respondedBy); err != nil {
		return err
	}
	if status == store.ApprovalRejected {
		o.rejectSuspended(ctx, a.ExecutionID, "approval rejected")
		return nil
	}
	o.releaseSuspended(ctx, a.ExecutionID)
	return nil
}

func (o *Orchestrator) handleExpiredApprovals(ctx context.Context, expired []store.Approval) {
	for _, a := range expired {
		o.rejectSuspended(ctx, a.ExecutionID, "approval expired")
	}
}

// rejectSuspended forces a suspended execution to failed, treating an
// expired approval equivalently to an explicit rejection for chain
// decisions per the approval broker's design.
func (o *Orchestrator) rejectSuspended(ctx context.Context, executionID, reason string) {
	o.mu.Lock()
	re, ok := o.running[executionID]
	o.mu.Unlock()
	if !ok {
		return
	}
	re.handle.Cancel()
	o.finalize(ctx, re, store.ExecutionFailed, reason)
}

// releaseSuspended re-checks whether an approved execution's process has
// already finished while its approval was pending, finalizing it now if
// so; otherwise the normal process-exit path will finalize it later
// since no pending approval remains to re-suspend it.
func (o *Orchestrator) releaseSuspended(ctx context.Context, executionID string) {
	o.mu.Lock()
	re, ok := o.running[executionID]
	var exited, success bool
	var msg string
	if ok {
		exited, success, msg = re.exitObserved, re.exitSuccess, re.exitFailureMsg
	}
	o.mu.Unlock()
	if ok && exited && !o.hasPendingApproval(ctx, executionID, re.exec.SessionID) {
		status := store.ExecutionCompleted
		if !success {
			status = store.ExecutionFailed
		}
		o.finalize(ctx, re, status, msg)
	}
}

// ResetSession implements "session reset to process P": restores every
// enabled repo to P's recorded beforeHeadCommit (or the prior
// execution's afterHeadCommit when P has none), then drops P and every
// later execution in the session. The reset itself is recorded as a
// system execution.
func (o *Orchestrator) ResetSession(ctx context.Context, sessionID string, p *store.ExecutionProcess, repos []RepoTarget, force bool) error {
	repoStates, err := o.st.GetExecutionRepoStates(ctx, p.ID)
	if err != nil {
		return err
	}
	byRepo := make(map[string]store.ExecutionProcessRepoState, len(repoStates))
	for _, rs := range repoStates {
		byRepo[rs.WorkspaceRepoID] = rs
	}

	targets := make(map[string]string, len(repos))
	for _, rt := range repos {
		target := byRepo[rt.WorkspaceRepoID].BeforeHeadCommit
		if target == "" {
			target, err = o.st.PriorAfterHeadCommit(ctx, sessionID, rt.WorkspaceRepoID, p.StartedAt)
			if err != nil {
				return err
			}
		}
		if target == "" {
			continue
		}
		targets[rt.WorktreeDir] = target
	}

	if !force {
		for dir := range targets {
			dirty, err := git.NewRepo(dir).HasChanges()
			if err != nil {
				return err
			}
			if dirty {
				return rerr.Newf(rerr.KindDirtyWorktree, "orchestrator.ResetSession", "worktree %s has uncommitted changes", dir)
			}
		}
	}

	for dir, target := range targets {
		if err := git.NewRepo(dir).ResetHard(target); err != nil {
			return rerr.New(rerr.KindFatal, "orchestrator.ResetSession", err)
		}
	}

	if err := o.st.DropExecutionsFrom(ctx, sessionID, p.StartedAt); err != nil {
		return err
	}

	resetExec, err := o.st.StartExecution(ctx, p.WorkspaceID, sessionID, store.RunReasonSystem, "system")
	if err != nil {
		return err
	}
	return o.st.SetExecutionStatus(ctx, resetExec.ID, store.ExecutionStatusPatch{Status: store.ExecutionCompleted})
}

// writeWorktreePermissions writes the repo config's allow/deny list into
// each repo's worktree before the coding agent starts, matching the
// coding agent's own permissions-settings file format.
func writeWorktreePermissions(repos []RepoTarget, perms *config.Permissions, log *zap.SugaredLogger) {
	data, err := json.Marshal(perms)
	if err != nil {
		log.Errorw("orchestrator: marshaling permissions failed", "error", err)
		return
	}
	for _, r := range repos {
		path := filepath.Join(r.WorktreeDir, ".vkrunner", "permissions.json")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			log.Warnw("orchestrator: creating permissions dir failed", "repo", r.RepoName, "error", err)
			continue
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			log.Warnw("orchestrator: writing permissions failed", "repo", r.RepoName, "error", err)
		}
	}
}

func primaryDir(repos []RepoTarget) string {
	if len(repos) == 0 {
		return ""
	}
	return repos[0].WorktreeDir
}

func chainEnv(p ChainParams) map[string]string {
	env := map[string]string{
		"VK_WORKSPACE_ID": p.WorkspaceID,
		"VK_SESSION_ID":   p.SessionID,
	}
	if len(p.Repos) > 0 {
		env["VK_WORKSPACE_BRANCH"] = p.Repos[0].TargetBranch
	}
	return env
}
