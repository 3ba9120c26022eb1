package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
}

func TestMetricsRecordRuns(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRuns))
	m.Iteration()
	m.Iteration()
	m.ToolCall("reasoning", true)
	m.ToolCall("create_workflow_node", false)
	m.PersistFailed("final")
	m.RunFinished(OutcomeCompleted, 2*time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRuns))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IterationsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("create_workflow_node", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailures.WithLabelValues("final")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.Iteration()
	m.ToolCall("x", true)
	m.RunFinished(OutcomeError, time.Second)
}

func TestTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(context.Background(), TraceConfig{})
	require.NoError(t, err)
	_, span := tracer.Start(context.Background(), "agent.run")
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}
