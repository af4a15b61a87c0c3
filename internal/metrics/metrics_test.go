package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersRegister(t *testing.T) {
	m := New()
	m.Submitted.Inc()
	m.Delivered.Inc()
	m.Failed.WithLabelValues("retryable").Inc()
	m.Retries.Inc()
	m.QueueDepth.Set(3)
	m.InFlight.Inc()
	m.Events.WithLabelValues("dispatched").Inc()

	require.Equal(t, float64(1), testutil.ToFloat64(m.Submitted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Failed.WithLabelValues("retryable")))
	require.Equal(t, float64(3), testutil.ToFloat64(m.QueueDepth))
}

func TestStorageHook(t *testing.T) {
	m := New()
	h := m.Storage()
	h.ObserveRead(time.Millisecond, 128)
	h.ObserveBatchCommit(2*time.Millisecond, 256)

	require.Equal(t, float64(128), testutil.ToFloat64(m.storeReadBytes))
	require.Equal(t, float64(1), testutil.ToFloat64(m.storeCommitTotal))
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.Submitted.Inc()
	require.Equal(t, float64(0), testutil.ToFloat64(b.Submitted))
	require.NotNil(t, a.Registry())
}
