package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Assigned("A", "created")
	m.Assigned("A", "created")
	m.AutoStopped("conversion_rate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Assignments.WithLabelValues("A", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AutoStops.WithLabelValues("conversion_rate")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Assigned("B", "existing")
		m.PublishFailed()
	})
}
