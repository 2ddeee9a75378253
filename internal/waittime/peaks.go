package waittime

import (
	"sync"
	"time"
)

// PeakStat is one row of the historical peak table: how much slower than
// baseline a service runs in one weekday/hour bucket, and how many
// observations back that figure.
type PeakStat struct {
	ServiceID  string
	DayOfWeek  time.Weekday
	HourBucket int
	Multiplier float64
	SampleSize int
}

type peakKey struct {
	service string
	day     time.Weekday
	hour    int
}

// MemoryPeakTable holds the peak table resident for the estimator. Rows with
// an empty ServiceID apply to every service lacking its own row.
type MemoryPeakTable struct {
	mu     sync.RWMutex
	stats  map[peakKey]PeakStat
	loaded time.Time
}

func NewMemoryPeakTable() *MemoryPeakTable {
	return &MemoryPeakTable{stats: make(map[peakKey]PeakStat)}
}

// Replace swaps the whole table in one step.
func (t *MemoryPeakTable) Replace(stats []PeakStat, at time.Time) {
	next := make(map[peakKey]PeakStat, len(stats))
	for _, s := range stats {
		next[peakKey{s.ServiceID, s.DayOfWeek, s.HourBucket}] = s
	}
	t.mu.Lock()
	t.stats = next
	t.loaded = at
	t.mu.Unlock()
}

func (t *MemoryPeakTable) PeakMultiplier(day time.Weekday, hourBucket int, serviceID string) (float64, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[peakKey{serviceID, day, hourBucket}]; ok {
		return s.Multiplier, s.SampleSize, true
	}
	if s, ok := t.stats[peakKey{"", day, hourBucket}]; ok {
		return s.Multiplier, s.SampleSize, true
	}
	return 0, 0, false
}

func (t *MemoryPeakTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stats)
}

func (t *MemoryPeakTable) LoadedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded
}
