package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting engine metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turn outcomes and wall-clock durations
//   - LLM request performance by provider and model
//   - Tool execution patterns and latencies
//   - Permission gate decisions
//   - History pressure (evictions, context usage)
type Metrics struct {
	// TurnCounter counts completed turns by terminal reason.
	// Labels: reason (completed|interrupted|cycle_detected|timeout|validation_exhausted|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn wall-clock time in seconds.
	// Buckets: 0.5s, 1s, 5s, 15s, 60s, 300s, 900s, 1800s
	TurnDuration prometheus.Histogram

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|cancelled)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// PermissionDecisionCounter counts permission gate outcomes.
	// Labels: tool, decision (allow|deny), source (policy|trust|prompt|interrupt|timeout)
	PermissionDecisionCounter *prometheus.CounterVec

	// HistoryEvictions counts messages evicted under budget pressure.
	HistoryEvictions prometheus.Counter

	// ContextUsage is the current estimated context window usage percent.
	ContextUsage prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics. A nil registerer
// uses the default registry; tests pass their own to stay isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skiff_turns_total",
				Help: "Total number of completed turns by terminal reason",
			},
			[]string{"reason"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "skiff_turn_duration_seconds",
				Help:    "Wall-clock duration of turns in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skiff_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skiff_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skiff_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skiff_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		PermissionDecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skiff_permission_decisions_total",
				Help: "Total number of permission gate decisions",
			},
			[]string{"tool", "decision", "source"},
		),

		HistoryEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skiff_history_evictions_total",
				Help: "Total number of messages evicted under history budget pressure",
			},
		),

		ContextUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "skiff_context_usage_percent",
				Help: "Current estimated context window usage percent",
			},
		),
	}
}
