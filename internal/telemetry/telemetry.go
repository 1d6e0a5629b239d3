// Package telemetry exposes the runner's prometheus metrics: lease
// heartbeat activity, dispatch accept/reject outcomes, and execution
// terminal-status counts. Registered against prometheus/client_golang
// the way the pack's controller binaries expose /metrics via promhttp.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the runner updates during operation.
type Metrics struct {
	LeaseHeartbeats   *prometheus.CounterVec
	LeaseAcquireFails prometheus.Counter
	DispatchAcks      *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	RunningExecutions prometheus.Gauge
}

// New registers all runner metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LeaseHeartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vkrunner_lease_heartbeats_total",
			Help: "Lease heartbeat attempts, labelled by outcome.",
		}, []string{"outcome"}),
		LeaseAcquireFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "vkrunner_lease_already_leased_total",
			Help: "Dispatches rejected because another runner already holds the lease.",
		}),
		DispatchAcks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vkrunner_dispatch_acks_total",
			Help: "Execution intent acknowledgements, labelled by status and reject reason.",
		}, []string{"status", "reason"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vkrunner_executions_total",
			Help: "Executions reaching a terminal status, labelled by runReason and status.",
		}, []string{"run_reason", "status"}),
		RunningExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vkrunner_running_executions",
			Help: "Executions currently in the running status on this runner.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
