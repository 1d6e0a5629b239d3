package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersMetricsOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LeaseAcquireFails.Inc()
	m.LeaseHeartbeats.WithLabelValues("ok").Inc()
	m.DispatchAcks.WithLabelValues("accepted", "").Inc()
	m.ExecutionsTotal.WithLabelValues("coding_agent", "completed").Inc()
	m.RunningExecutions.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}

	require.Contains(t, byName, "vkrunner_lease_already_leased_total")
	assert.Equal(t, float64(1), byName["vkrunner_lease_already_leased_total"].Metric[0].GetCounter().GetValue())

	require.Contains(t, byName, "vkrunner_running_executions")
	assert.Equal(t, float64(3), byName["vkrunner_running_executions"].Metric[0].GetGauge().GetValue())
}
