// Package waittime turns slot utilization, queue depth and historical peak
// patterns into a wait-time range with an attached confidence.
package waittime

import (
	"math"
	"time"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/metrics"
)

type Estimate struct {
	Key            availability.Key `json:"key"`
	MinMinutes     int              `json:"min_minutes"`
	MaxMinutes     int              `json:"max_minutes"`
	Confidence     float64          `json:"confidence"`
	PeakMultiplier float64          `json:"peak_multiplier"`
	QueueDepth     int              `json:"queue_depth"`
	Utilization    float64          `json:"utilization"`
	Samples        int              `json:"samples"`
	Default        bool             `json:"default"`
	ComputedAt     time.Time        `json:"computed_at"`
}

// PeakTable answers from memory; Estimate must never wait on I/O.
type PeakTable interface {
	PeakMultiplier(day time.Weekday, hourBucket int, serviceID string) (multiplier float64, samples int, ok bool)
}

type SlotReader interface {
	Slots(key availability.Key) []availability.Slot
}

type QueueCounter interface {
	QueueDepth(key availability.Key) int
}

type Config struct {
	AvgServiceMinutes     float64
	MinConfidence         float64
	MaxConfidence         float64
	FullConfidenceSamples int
	DefaultMinWait        int
	DefaultMaxWait        int
	MinRangeMinutes       int
	Location              *time.Location
}

func DefaultConfig() Config {
	return Config{
		AvgServiceMinutes:     15,
		MinConfidence:         0.4,
		MaxConfidence:         0.95,
		FullConfidenceSamples: 50,
		DefaultMinWait:        0,
		DefaultMaxWait:        120,
		MinRangeMinutes:       5,
		Location:              availability.Zone,
	}
}

type Estimator struct {
	slots   SlotReader
	peaks   PeakTable
	queue   QueueCounter
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEstimator(slots SlotReader, peaks PeakTable, queue QueueCounter, cfg Config, m *metrics.Metrics) *Estimator {
	if cfg.Location == nil {
		cfg.Location = availability.Zone
	}
	if cfg.MinRangeMinutes < 1 {
		cfg.MinRangeMinutes = 1
	}
	return &Estimator{
		slots:   slots,
		peaks:   peaks,
		queue:   queue,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// Estimate never fails. Without historical samples for the current bucket
// it returns minimum confidence and a range at least as wide as the
// configured default.
func (e *Estimator) Estimate(key availability.Key) Estimate {
	now := e.now()
	local := now.In(e.cfg.Location)

	util := availability.Utilization(e.slots.Slots(key))
	depth := 0
	if e.queue != nil {
		depth = e.queue.QueueDepth(key)
	}

	est := Estimate{
		Key:         key,
		QueueDepth:  depth,
		Utilization: util,
		ComputedAt:  now.UTC(),
	}

	var (
		mult    float64
		samples int
		ok      bool
	)
	if e.peaks != nil {
		mult, samples, ok = e.peaks.PeakMultiplier(local.Weekday(), local.Hour(), key.ServiceID)
	}
	if !ok || samples <= 0 {
		lo, hi := e.bounds(depth, util, 1, e.cfg.MinConfidence)
		est.MinMinutes = min(lo, e.cfg.DefaultMinWait)
		est.MaxMinutes = max(hi, e.cfg.DefaultMaxWait)
		est.Confidence = e.cfg.MinConfidence
		est.PeakMultiplier = 1
		est.Default = true
		e.metrics.ObserveEstimate(est.Confidence)
		return est
	}
	if mult <= 0 {
		mult = 1
	}

	confidence := e.confidence(samples)
	lo, hi := e.bounds(depth, util, mult, confidence)

	est.MinMinutes = lo
	est.MaxMinutes = hi
	est.Confidence = confidence
	est.PeakMultiplier = mult
	est.Samples = samples
	e.metrics.ObserveEstimate(confidence)
	return est
}

// bounds centres the range on queueDepth x average service time scaled by
// the peak multiplier and widens it as confidence drops. Utilization only
// raises the upper bound, by up to one more service duration.
func (e *Estimator) bounds(depth int, util, mult, confidence float64) (lo, hi int) {
	service := e.cfg.AvgServiceMinutes * mult
	center := float64(depth) * service
	spread := center * (1 - confidence)

	lo = int(math.Floor(center - spread))
	if lo < 0 {
		lo = 0
	}
	hi = int(math.Ceil(center + spread + util*service))
	if hi-lo < e.cfg.MinRangeMinutes {
		hi = lo + e.cfg.MinRangeMinutes
	}
	return lo, hi
}

func (e *Estimator) confidence(samples int) float64 {
	full := e.cfg.FullConfidenceSamples
	if full <= 0 {
		full = 1
	}
	ratio := float64(samples) / float64(full)
	if ratio > 1 {
		ratio = 1
	}
	c := e.cfg.MinConfidence + (e.cfg.MaxConfidence-e.cfg.MinConfidence)*ratio
	if c < e.cfg.MinConfidence {
		c = e.cfg.MinConfidence
	}
	return c
}
