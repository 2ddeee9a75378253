package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRefresh("ok", 0.02)
	m.ObserveRefresh("ok", 0.03)
	m.ObserveRefresh("unreachable", 5)
	m.ObserveTransition("LIMITED")
	m.ObserveInvariantViolation("booked_over_capacity")
	m.ObserveCacheLookup("hit")
	m.ObserveEviction()
	m.SetCacheEntries(7)
	m.ObserveConflict("DOUBLE_BOOKING", "HIGH")
	m.ObserveConflictOutcome("ESCALATED", "MANUAL")
	m.ObserveEstimate(0.4)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.refreshTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.refreshTotal.WithLabelValues("unreachable")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.cacheEntries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.conflictsTotal.WithLabelValues("DOUBLE_BOOKING", "HIGH")))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRefresh("ok", 0.1)
	m.ObserveTransition("AVAILABLE")
	m.ObserveInvariantViolation("negative_capacity")
	m.ObserveCacheLookup("miss")
	m.ObserveEviction()
	m.SetCacheEntries(1)
	m.ObserveConflict("DOUBLE_BOOKING", "LOW")
	m.ObserveConflictOutcome("RESOLVED", "AUTO")
	m.ObserveEstimate(0.9)
}
