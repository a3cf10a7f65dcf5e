package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncEnqueued()
	m.IncEnqueued()
	m.AddDropped(DropQueueFull, 3)
	m.AddDelivered(2)
	m.SetQueueDepth(7)
	m.SetCircuitOpen(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsEnqueued))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropQueueFull)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDelivered))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncEnqueued()
		m.AddDropped(DropNoConsent, 1)
		m.AddDelivered(1)
		m.IncChunkFailed("server")
		m.IncRetry()
		m.ObserveFlush(0.1)
		m.SetQueueDepth(1)
		m.SetPending(1)
		m.SetCircuitOpen(false)
	})
}

func TestMetrics_UnregisteredInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
