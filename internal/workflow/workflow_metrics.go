package workflow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the workflow subsystem.
type Metrics struct {
	WorkflowsTotal   *prometheus.CounterVec
	WorkflowDuration *prometheus.HistogramVec
	StageDuration    *prometheus.HistogramVec
	ActiveWorkflows  prometheus.Gauge
	StageTimeouts    *prometheus.CounterVec
	ShortCircuits    prometheus.Counter
	DroppedMessages  *prometheus.CounterVec
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_workflows_total",
			Help: "Total workflows by terminal state.",
		}, []string{"state"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_workflow_duration_seconds",
			Help:    "End-to-end workflow duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"state"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_workflow_stage_duration_seconds",
			Help:    "Duration of individual workflow stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"stage"}),
		ActiveWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_workflows_active",
			Help: "Workflows currently in a non-terminal state.",
		}),
		StageTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_workflow_stage_timeouts_total",
			Help: "Stage timeouts by stage name.",
		}, []string{"stage"}),
		ShortCircuits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_workflow_short_circuits_total",
			Help: "Workflows discarded early as false positives.",
		}),
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_workflow_dropped_messages_total",
			Help: "Messages dropped by the orchestrator by reason.",
		}, []string{"reason"}),
	}

	// pre-seed per-stage series so dashboards see zeros before first timeout
	for _, stage := range StageNames() {
		m.StageTimeouts.WithLabelValues(stage)
	}

	reg.MustRegister(
		m.WorkflowsTotal,
		m.WorkflowDuration,
		m.StageDuration,
		m.ActiveWorkflows,
		m.StageTimeouts,
		m.ShortCircuits,
		m.DroppedMessages,
	)

	return m
}

// Hooks returns orchestrator hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnStart: func() {
			m.ActiveWorkflows.Inc()
		},
		OnStageComplete: func(stage string, seconds float64) {
			m.StageDuration.WithLabelValues(stage).Observe(seconds)
		},
		OnTerminal: func(state State, seconds float64) {
			m.ActiveWorkflows.Dec()
			m.WorkflowsTotal.WithLabelValues(string(state)).Inc()
			m.WorkflowDuration.WithLabelValues(string(state)).Observe(seconds)
		},
		OnTimeout: func(stage string) {
			m.StageTimeouts.WithLabelValues(stage).Inc()
		},
		OnShortCircuit: func() {
			m.ShortCircuits.Inc()
		},
		OnDropped: func(reason string) {
			m.DroppedMessages.WithLabelValues(reason).Inc()
		},
	}
}
