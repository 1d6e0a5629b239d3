// Package lease implements the Lease Manager (C4): it acquires and
// heartbeats RunnerLease documents, sweeps orphans, and reconciles
// in-flight executions after a runner restart. The heartbeat loop is a
// self-renewing ticker repurposed from "exit after grace period with no
// trigger" to "renew lease every TTL/3 until the execution ends".
package lease

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vkrunner/runner/internal/rerr"
	"github.com/vkrunner/runner/internal/store"
	"github.com/vkrunner/runner/internal/store/memstore"
	"github.com/vkrunner/runner/internal/store/sqlstore"
	"github.com/vkrunner/runner/internal/telemetry"
)

// Manager owns lease acquisition, heartbeating, and orphan sweeping for
// one runner device.
type Manager struct {
	st       store.Store
	deviceID string
	ttl      time.Duration
	log      *zap.SugaredLogger
	metrics  *telemetry.Metrics

	cronSched *cron.Cron
}

// New creates a Manager for deviceID with the given lease TTL. metrics
// may be nil, in which case no counters are updated.
func New(st store.Store, deviceID string, ttl time.Duration, log *zap.SugaredLogger, metrics *telemetry.Metrics) *Manager {
	return &Manager{st: st, deviceID: deviceID, ttl: ttl, log: log, metrics: metrics}
}

// Acquire claims the lease for executionID. Returns rerr-classified
// AlreadyLeased if another runner holds a live lease.
func (m *Manager) Acquire(ctx context.Context, executionID string) (*store.RunnerLease, error) {
	lease, err := m.st.AcquireLease(ctx, executionID, m.deviceID, m.ttl, time.Now())
	if err == nil {
		return lease, nil
	}
	_, memHeld := memstore.AlreadyLeased(err)
	_, sqlHeld := sqlstore.AlreadyLeased(err)
	if !memHeld && !sqlHeld {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.LeaseAcquireFails.Inc()
	}
	return nil, rerr.New(rerr.KindAlreadyLeased, "lease.Acquire", err)
}

// Release drops the lease as part of the execution's terminal transition.
func (m *Manager) Release(ctx context.Context, executionID string) error {
	return m.st.ReleaseLease(ctx, executionID, m.deviceID)
}

// Heartbeat starts a background goroutine that renews the lease at
// ttl/3 intervals until ctx is cancelled; it does not watch the
// execution's status. Callers should cancel ctx as soon as the execution's
// terminal transition is written, alongside Release.
func (m *Manager) Heartbeat(ctx context.Context, executionID string) {
	interval := m.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				outcome := "ok"
				if err := m.st.HeartbeatLease(ctx, executionID, m.deviceID, time.Now()); err != nil {
					m.log.Warnw("lease heartbeat failed", "execution", executionID, "error", err)
					outcome = "error"
				}
				if m.metrics != nil {
					m.metrics.LeaseHeartbeats.WithLabelValues(outcome).Inc()
				}
			}
		}
	}()
}

// StartOrphanSweep schedules the periodic orphan sweep using the given
// cron expression (e.g. "@every 10s"). Executions whose lease has gone
// stale past ttl are marked dropped.
func (m *Manager) StartOrphanSweep(spec string) error {
	m.cronSched = cron.New()
	_, err := m.cronSched.AddFunc(spec, func() {
		dropped, err := m.st.SweepOrphanLeases(context.Background(), m.ttl, time.Now())
		if err != nil {
			m.log.Errorw("orphan sweep failed", "error", err)
			return
		}
		if len(dropped) > 0 {
			m.log.Infow("orphan sweep dropped executions", "count", len(dropped), "executions", dropped)
		}
	})
	if err != nil {
		return err
	}
	m.cronSched.Start()
	return nil
}

// StopOrphanSweep stops the cron scheduler, if running.
func (m *Manager) StopOrphanSweep() {
	if m.cronSched != nil {
		m.cronSched.Stop()
	}
}

// ReconcileOnStartup implements "Runner, on startup, for every execution
// marked running whose lease it owned": verifies local process existence
// by pid; if alive, resumes (returns it so the orchestrator can
// reattach); if not, finalizes it as killed with the recovery message.
func (m *Manager) ReconcileOnStartup(ctx context.Context, running []store.ExecutionProcess, pidOf func(executionID string) (int, bool)) ([]store.ExecutionProcess, error) {
	var resumable []store.ExecutionProcess
	for _, ex := range running {
		pid, known := pidOf(ex.ID)
		if known && processAlive(pid) {
			resumable = append(resumable, ex)
			continue
		}
		if err := m.st.SetExecutionStatus(ctx, ex.ID, store.ExecutionStatusPatch{
			Status:       store.ExecutionKilled,
			ErrorMessage: "recovered after runner restart",
		}); err != nil {
			return resumable, err
		}
		_ = m.st.ReleaseLease(ctx, ex.ID, m.deviceID)
	}
	return resumable, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
