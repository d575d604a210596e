package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestTrackerRecordsOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	require.NoError(t, metrics.Track("certificate:sweep").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, metrics.Track("certificate:sweep").End(boom), boom)
	metrics.AddItems("certificate:sweep", 4)
	metrics.AddItems("certificate:sweep", 0)

	assert.Equal(t, 1.0, counterValue(t, metrics.runs.WithLabelValues("certificate:sweep", "success")))
	assert.Equal(t, 1.0, counterValue(t, metrics.runs.WithLabelValues("certificate:sweep", "failure")))
	assert.Equal(t, 1.0, counterValue(t, metrics.failures.WithLabelValues("certificate:sweep")))
	assert.Equal(t, 4.0, counterValue(t, metrics.items.WithLabelValues("certificate:sweep")))
}

func TestNilMetricsTrackerPassesErrorThrough(t *testing.T) {
	var metrics *Metrics
	boom := errors.New("boom")
	assert.ErrorIs(t, metrics.Track("commission:distribute").End(boom), boom)
	metrics.AddItems("commission:distribute", 1)
}
