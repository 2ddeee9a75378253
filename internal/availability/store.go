package availability

import (
	"sort"
	"sync"
	"time"
)

// Store is the in-memory slot table. Each key has its own lock so
// refreshes of different keys never contend; the outer lock only guards
// entry creation and enumeration.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	policy  Policy
}

type entry struct {
	mu      sync.RWMutex
	slots   map[int64]Slot // by start unix nanos
	seq     uint64
	stale   bool
	updated time.Time
}

func NewStore(policy Policy) *Store {
	return &Store{
		entries: make(map[Key]*entry),
		policy:  policy,
	}
}

func (s *Store) entry(key Key, create bool) *entry {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[key]; e == nil {
		e = &entry{slots: make(map[int64]Slot)}
		s.entries[key] = e
	}
	return e
}

// Apply merges a freshly fetched slot set for key. Results carrying a seq
// that is not newer than the last applied one are discarded (applied=false).
// Every slot is upserted; only status changes are reported. Slots missing
// from the new set are dropped and reported as becoming UNAVAILABLE.
func (s *Store) Apply(key Key, seq uint64, slots []Slot, now time.Time) (transitions []Transition, applied bool) {
	e := s.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if seq <= e.seq {
		return nil, false
	}
	e.seq = seq
	e.stale = false
	e.updated = now

	seen := make(map[int64]struct{}, len(slots))
	for _, in := range slots {
		in.Key = key
		in.Status = s.policy.Status(in)
		id := in.StartTime.UnixNano()
		seen[id] = struct{}{}

		old, existed := e.slots[id]
		if existed && old.sameState(in) {
			continue
		}
		in.LastUpdated = now
		e.slots[id] = in

		if !existed || old.Status != in.Status {
			t := Transition{Slot: in, To: in.Status}
			if existed {
				t.From = old.Status
			}
			transitions = append(transitions, t)
		}
	}

	for id, old := range e.slots {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(e.slots, id)
		gone := old
		gone.Status = StatusUnavailable
		gone.LastUpdated = now
		transitions = append(transitions, Transition{Slot: gone, From: old.Status, To: StatusUnavailable, Removed: true})
	}

	sortTransitions(transitions)
	return transitions, true
}

func sortTransitions(ts []Transition) {
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].Slot.StartTime.Before(ts[j].Slot.StartTime)
	})
}

// Slots returns a sorted copy of the slots held for key.
func (s *Store) Slots(key Key) []Slot {
	e := s.entry(key, false)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sorted()
}

func (e *entry) sorted() []Slot {
	out := make([]Slot, 0, len(e.slots))
	for _, sl := range e.slots {
		out = append(out, sl)
	}
	sortSlots(out)
	return out
}

// State returns the slots, last applied seq and update time for key.
func (s *Store) State(key Key) (slots []Slot, seq uint64, updated time.Time, ok bool) {
	e := s.entry(key, false)
	if e == nil {
		return nil, 0, time.Time{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.seq == 0 {
		return nil, 0, time.Time{}, false
	}
	return e.sorted(), e.seq, e.updated, true
}

func (s *Store) MarkStale(key Key) {
	e := s.entry(key, true)
	e.mu.Lock()
	e.stale = true
	e.mu.Unlock()
}

func (s *Store) IsStale(key Key) bool {
	e := s.entry(key, false)
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stale
}

func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Reserve takes one seat in the referenced slot and re-derives its status.
// The returned transition is nil when the status did not change.
func (s *Store) Reserve(ref SlotRef, now time.Time) (Slot, *Transition, error) {
	e := s.entry(ref.Key, false)
	if e == nil {
		return Slot{}, nil, ErrSlotNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id := ref.StartTime.UnixNano()
	sl, ok := e.slots[id]
	if !ok {
		return Slot{}, nil, ErrSlotNotFound
	}
	if !sl.Status.Bookable() {
		return Slot{}, nil, ErrSlotFull
	}

	before := sl.Status
	sl.Booked++
	sl.Status = s.policy.Status(sl)
	sl.LastUpdated = now
	e.slots[id] = sl

	if sl.Status == before {
		return sl, nil, nil
	}
	return sl, &Transition{Slot: sl, From: before, To: sl.Status}, nil
}

// FindAlternate returns the earliest bookable slot for the service at the
// given clinic and doctor starting in [from, until) that avoid does not
// reject. Stale keys are skipped.
func (s *Store) FindAlternate(serviceID, clinicID, doctorID string, from, until time.Time, avoid func(start, end time.Time) bool) (Slot, bool) {
	s.mu.RLock()
	candidates := make([]*entry, 0)
	for k, e := range s.entries {
		if k.ServiceID == serviceID && k.ClinicID == clinicID && k.DoctorID == doctorID {
			candidates = append(candidates, e)
		}
	}
	s.mu.RUnlock()

	var best Slot
	found := false
	for _, e := range candidates {
		e.mu.RLock()
		if e.stale {
			e.mu.RUnlock()
			continue
		}
		for _, sl := range e.slots {
			if !sl.Status.Bookable() || sl.StartTime.Before(from) || !sl.StartTime.Before(until) {
				continue
			}
			if avoid != nil && avoid(sl.StartTime, sl.EndTime) {
				continue
			}
			if !found || sl.StartTime.Before(best.StartTime) {
				best = sl
				found = true
			}
		}
		e.mu.RUnlock()
	}
	return best, found
}
