package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes recorded by RunsTotal.
const (
	OutcomeCompleted = "completed"
	OutcomeExhausted = "exhausted"
	OutcomeError     = "error"
	OutcomeBusy      = "busy"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the Prometheus collectors of the run loop.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	IterationsTotal prometheus.Counter
	ToolCallsTotal  *prometheus.CounterVec
	PersistFailures *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_runs_total",
				Help: "Total number of agent runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentloop_run_duration_seconds",
				Help:    "Wall-clock duration of agent runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		IterationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentloop_iterations_total",
				Help: "Total number of reasoning iterations started",
			},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_tool_calls_total",
				Help: "Total number of tool calls by tool and success",
			},
			[]string{"tool", "success"},
		),
		PersistFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_persist_failures_total",
				Help: "Best-effort persistence writes that failed, by row kind",
			},
			[]string{"kind"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentloop_active_runs",
				Help: "Number of agent runs currently streaming",
			},
		),
	}
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished records the outcome and duration of a run.
func (m *Metrics) RunFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// Iteration counts one reasoning iteration.
func (m *Metrics) Iteration() {
	if m == nil {
		return
	}
	m.IterationsTotal.Inc()
}

// ToolCall counts one tool call.
func (m *Metrics) ToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.ToolCallsTotal.WithLabelValues(tool, label).Inc()
}

// PersistFailed counts one swallowed persistence failure.
func (m *Metrics) PersistFailed(kind string) {
	if m == nil {
		return
	}
	m.PersistFailures.WithLabelValues(kind).Inc()
}
