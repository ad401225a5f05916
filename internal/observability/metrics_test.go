package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerMetricsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRunnerMetricsWithRegisterer(reg)

	m.WorkflowStarted()
	m.WorkflowStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeWorkflows))

	m.WorkflowFinished("completed")
	m.WorkflowFinished("failed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeWorkflows))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflowsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflowsFinished.WithLabelValues("failed")))

	m.TaskFinished("success")
	m.TaskFinished("success")
	m.TaskFinished("skipped")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksFinished.WithLabelValues("success")))

	m.AddRetries(3)
	m.AddRetries(0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.retries))

	m.AddCost(0.25)
	m.AddCost(-1)
	assert.Equal(t, 0.25, testutil.ToFloat64(m.cost))

	m.AddTokens(1500)
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.tokens))

	m.ObserveStageDuration(1.5)
	count, err := testutil.GatherAndCount(reg, "taskflow_runner_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunnerMetricsNilSafe(t *testing.T) {
	var m *RunnerMetrics
	m.WorkflowStarted()
	m.WorkflowFinished("completed")
	m.ObserveStageDuration(1)
	m.TaskFinished("success")
	m.AddRetries(1)
	m.AddCost(1)
	m.AddTokens(1)
}
