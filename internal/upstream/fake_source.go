package upstream

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/clinic-availability/internal/availability"
)

// ErrOutage is what FakeSource returns while an outage is simulated.
var ErrOutage = errors.New("simulated upstream outage")

// FakeSource generates plausible clinic days for local development. Each
// key gets a stable schedule; every fetch moves booked counts a little so
// status transitions keep happening.
type FakeSource struct {
	mu      sync.Mutex
	faker   *gofakeit.Faker
	days    map[availability.Key][]availability.RawSlot
	outage  bool
	latency time.Duration

	Open        int // opening hour, clinic local time
	Close       int
	SlotMinutes int
}

func NewFakeSource(seed uint64) *FakeSource {
	return &FakeSource{
		faker:       gofakeit.New(seed),
		days:        make(map[availability.Key][]availability.RawSlot),
		Open:        9,
		Close:       17,
		SlotMinutes: 30,
	}
}

// SetOutage makes every fetch fail until cleared.
func (s *FakeSource) SetOutage(down bool) {
	s.mu.Lock()
	s.outage = down
	s.mu.Unlock()
}

func (s *FakeSource) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

func (s *FakeSource) FetchSlots(ctx context.Context, key availability.Key) ([]availability.RawSlot, error) {
	s.mu.Lock()
	latency, down := s.latency, s.outage
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if down {
		return nil, ErrOutage
	}

	day, err := time.ParseInLocation(availability.DateLayout, key.Date, availability.Zone)
	if err != nil {
		return nil, fmt.Errorf("fake source: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.days[key]
	if !ok {
		slots = s.generate(key, day)
	} else {
		s.drift(slots)
	}
	s.days[key] = slots
	return append([]availability.RawSlot(nil), slots...), nil
}

func (s *FakeSource) generate(key availability.Key, day time.Time) []availability.RawSlot {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.String()))
	f := gofakeit.New(h.Sum64())

	step := time.Duration(s.SlotMinutes) * time.Minute
	start := day.Add(time.Duration(s.Open) * time.Hour)
	end := day.Add(time.Duration(s.Close) * time.Hour)

	var out []availability.RawSlot
	for t := start; t.Before(end); t = t.Add(step) {
		capacity := f.IntRange(1, 4)
		out = append(out, availability.RawSlot{
			StartTime:       t.UTC(),
			EndTime:         t.Add(step).UTC(),
			Capacity:        capacity,
			Booked:          f.IntRange(0, capacity),
			MaintenanceFlag: f.IntN(40) == 0,
		})
	}
	return out
}

// drift must be called with s.mu held.
func (s *FakeSource) drift(slots []availability.RawSlot) {
	for i := range slots {
		switch s.faker.IntN(6) {
		case 0:
			if slots[i].Booked < slots[i].Capacity {
				slots[i].Booked++
			}
		case 1:
			if slots[i].Booked > 0 {
				slots[i].Booked--
			}
		}
		if s.faker.IntN(200) == 0 {
			slots[i].MaintenanceFlag = !slots[i].MaintenanceFlag
		}
	}
}
