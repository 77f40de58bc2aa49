package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.TurnCounter.WithLabelValues("completed").Inc()
	m.TurnCounter.WithLabelValues("completed").Inc()
	m.TurnCounter.WithLabelValues("interrupted").Inc()

	expected := `
		# HELP skiff_turns_total Total number of completed turns by terminal reason
		# TYPE skiff_turns_total counter
		skiff_turns_total{reason="completed"} 2
		skiff_turns_total{reason="interrupted"} 1
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestToolExecutionMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ToolExecutionCounter.WithLabelValues("read-file", "success").Inc()
	m.ToolExecutionCounter.WithLabelValues("run-shell", "error").Inc()
	m.ToolExecutionDuration.WithLabelValues("read-file").Observe(0.02)

	if count := testutil.CollectAndCount(m.ToolExecutionCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestContextUsageGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ContextUsage.Set(62.5)
	if got := testutil.ToFloat64(m.ContextUsage); got != 62.5 {
		t.Errorf("ContextUsage = %v, want 62.5", got)
	}
}
