package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for refreshes, cache lookups and
// conflict handling. A nil *Metrics is valid and records nothing.
type Metrics struct {
	refreshTotal       *prometheus.CounterVec
	refreshLatency     *prometheus.HistogramVec
	transitionsTotal   *prometheus.CounterVec
	invariantTotal     *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	cacheEntries       prometheus.Gauge
	conflictsTotal     *prometheus.CounterVec
	conflictOutcomes   *prometheus.CounterVec
	estimateConfidence prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "availability",
			Name:      "refresh_total",
			Help:      "Availability refreshes by result",
		}, []string{"result"}),
		refreshLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "availability",
			Name:      "refresh_latency_seconds",
			Help:      "Latency of availability refreshes including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "availability",
			Name:      "status_transitions_total",
			Help:      "Slot status transitions by target status",
		}, []string{"status"}),
		invariantTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "availability",
			Name:      "invariant_violations_total",
			Help:      "Upstream slot records clamped or dropped",
		}, []string{"kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Offline cache lookups by result",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted by the LRU bound or expiry sweep",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Snapshots currently indexed by the cache layer",
		}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "conflict",
			Name:      "detected_total",
			Help:      "Conflicts detected by kind and severity",
		}, []string{"kind", "severity"}),
		conflictOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "conflict",
			Name:      "outcomes_total",
			Help:      "Conflict terminal outcomes",
		}, []string{"state", "strategy"}),
		estimateConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "waittime",
			Name:      "estimate_confidence",
			Help:      "Confidence attached to wait-time estimates",
			Buckets:   prometheus.LinearBuckets(0.4, 0.1, 7),
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.refreshTotal, m.refreshLatency, m.transitionsTotal, m.invariantTotal,
		m.cacheLookups, m.cacheEvictions, m.cacheEntries,
		m.conflictsTotal, m.conflictOutcomes, m.estimateConfidence,
	)
	return m
}

func (m *Metrics) ObserveRefresh(result string, seconds float64) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
	m.refreshLatency.WithLabelValues(result).Observe(seconds)
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveInvariantViolation(kind string) {
	if m == nil {
		return
	}
	m.invariantTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) ObserveConflict(kind, severity string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) ObserveConflictOutcome(state, strategy string) {
	if m == nil {
		return
	}
	m.conflictOutcomes.WithLabelValues(state, strategy).Inc()
}

func (m *Metrics) ObserveEstimate(confidence float64) {
	if m == nil {
		return
	}
	m.estimateConfidence.Observe(confidence)
}
