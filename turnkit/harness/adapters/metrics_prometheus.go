package adapters

import (
	"time"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics records engine measurements.
//
// Exposed series:
//   - turnkit_backend_calls_total{status}
//   - turnkit_backend_call_duration_seconds
//   - turnkit_tool_calls_total{tool, status}
//   - turnkit_tool_call_duration_seconds{tool}
//   - turnkit_runs_total{reason}
//   - turnkit_run_turns
//   - turnkit_tokens_total{type}
type PrometheusMetrics struct {
	BackendCalls    *prometheus.CounterVec
	BackendDuration prometheus.Histogram
	ToolCalls       *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	Runs            *prometheus.CounterVec
	RunTurns        prometheus.Histogram
	Tokens          *prometheus.CounterVec
}

// NewPrometheusMetrics registers the collectors on reg.
// It panics if they are already registered there.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		BackendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnkit_backend_calls_total",
				Help: "Completion backend calls by status",
			},
			[]string{"status"},
		),
		BackendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "turnkit_backend_call_duration_seconds",
				Help:    "Completion backend call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnkit_tool_calls_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnkit_tool_call_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnkit_runs_total",
				Help: "Finished runs by termination reason",
			},
			[]string{"reason"},
		),
		RunTurns: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "turnkit_run_turns",
				Help:    "Backend calls per run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnkit_tokens_total",
				Help: "Tokens consumed by type",
			},
			[]string{"type"},
		),
	}
}

func (m *PrometheusMetrics) BackendCall(d time.Duration, err error) {
	m.BackendCalls.WithLabelValues(status(err != nil)).Inc()
	m.BackendDuration.Observe(d.Seconds())
}

func (m *PrometheusMetrics) ToolCall(name string, d time.Duration, failed bool) {
	m.ToolCalls.WithLabelValues(name, status(failed)).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RunFinished(reason ports.TerminationReason, turns int, usage ports.Usage) {
	m.Runs.WithLabelValues(string(reason)).Inc()
	m.RunTurns.Observe(float64(turns))
	m.Tokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	m.Tokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
}

func status(failed bool) string {
	if failed {
		return "error"
	}
	return "success"
}

var _ ports.Metrics = (*PrometheusMetrics)(nil)
