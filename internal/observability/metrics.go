package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunnerMetrics exposes workflow execution telemetry to Prometheus. It
// satisfies the runner's Metrics interface.
type RunnerMetrics struct {
	workflowsStarted  prometheus.Counter
	workflowsFinished prometheus.CounterVec
	activeWorkflows   prometheus.Gauge
	stageDuration     prometheus.Histogram
	tasksFinished     prometheus.CounterVec
	retries           prometheus.Counter
	cost              prometheus.Counter
	tokens            prometheus.Counter
}

var (
	defaultRunnerMetrics     *RunnerMetrics
	defaultRunnerMetricsOnce sync.Once
)

// NewRunnerMetrics builds a RunnerMetrics recorder using the default registry.
func NewRunnerMetrics() *RunnerMetrics {
	defaultRunnerMetricsOnce.Do(func() {
		defaultRunnerMetrics = newRunnerMetrics(prometheus.DefaultRegisterer)
	})
	return defaultRunnerMetrics
}

// NewRunnerMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewRunnerMetricsWithRegisterer(reg prometheus.Registerer) *RunnerMetrics {
	return newRunnerMetrics(reg)
}

func newRunnerMetrics(reg prometheus.Registerer) *RunnerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &RunnerMetrics{
		workflowsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "runner",
			Name:      "workflows_started_total",
			Help:      "Number of workflow runs started",
		}),
		workflowsFinished: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "runner",
			Name:      "workflows_finished_total",
			Help:      "Number of workflow runs finished by terminal status",
		}, []string{"status"}),
		activeWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Subsystem: "runner",
			Name:      "active_workflows",
			Help:      "Number of workflows currently executing",
		}),
		stageDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskflow",
			Subsystem: "runner",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of one execution stage",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		tasksFinished: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "runner",
			Name:      "tasks_finished_total",
			Help:      "Number of tasks finished by result status",
		}, []string{"status"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "runner",
			Name:      "task_retries_total",
			Help:      "Number of task retry attempts",
		}),
		cost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "runner",
			Name:      "cost_usd_total",
			Help:      "Cumulative AI provider spend in USD",
		}),
		tokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "runner",
			Name:      "tokens_total",
			Help:      "Cumulative AI provider token usage",
		}),
	}
}

// WorkflowStarted records a run starting.
func (m *RunnerMetrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.workflowsStarted.Inc()
	m.activeWorkflows.Inc()
}

// WorkflowFinished records a run reaching a terminal status.
func (m *RunnerMetrics) WorkflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(status).Inc()
	m.activeWorkflows.Dec()
}

// ObserveStageDuration records one stage's wall-clock seconds.
func (m *RunnerMetrics) ObserveStageDuration(seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.Observe(seconds)
}

// TaskFinished records a task outcome.
func (m *RunnerMetrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
}

// AddRetries records retry attempts.
func (m *RunnerMetrics) AddRetries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retries.Add(float64(n))
}

// AddCost records provider spend.
func (m *RunnerMetrics) AddCost(usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.cost.Add(usd)
}

// AddTokens records provider token usage.
func (m *RunnerMetrics) AddTokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.Add(float64(n))
}
