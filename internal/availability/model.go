package availability

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// Zone is the clinics' civil time zone. Singapore does not observe daylight
// saving, so a fixed offset is exact.
var Zone = time.FixedZone("SGT", 8*60*60)

// DateOf returns the civil date of t in Zone, in Key.Date form.
func DateOf(t time.Time) string {
	return t.In(Zone).Format(DateLayout)
}

// Key identifies the slot set of one service at one clinic/doctor on one day.
// ClinicID and DoctorID are optional filters.
type Key struct {
	ServiceID string `json:"service_id"`
	ClinicID  string `json:"clinic_id,omitempty"`
	DoctorID  string `json:"doctor_id,omitempty"`
	Date      string `json:"date"`
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.ServiceID) == "" {
		return fmt.Errorf("%w: service_id is required", ErrInvalidKey)
	}
	for _, part := range []string{k.ServiceID, k.ClinicID, k.DoctorID} {
		if strings.ContainsAny(part, ":*") {
			return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidKey, part)
		}
	}
	if _, err := time.Parse(DateLayout, k.Date); err != nil {
		return fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidKey, k.Date)
	}
	return nil
}

// String renders the canonical form service:clinic:doctor:date, with * for
// an unset filter.
func (k Key) String() string {
	return strings.Join([]string{k.ServiceID, orWildcard(k.ClinicID), orWildcard(k.DoctorID), k.Date}, ":")
}

func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := Key{
		ServiceID: parts[0],
		ClinicID:  fromWildcard(parts[1]),
		DoctorID:  fromWildcard(parts[2]),
		Date:      parts[3],
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func orWildcard(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func fromWildcard(s string) string {
	if s == "*" {
		return ""
	}
	return s
}

type SlotStatus string

const (
	StatusAvailable   SlotStatus = "AVAILABLE"
	StatusLimited     SlotStatus = "LIMITED"
	StatusWaitlist    SlotStatus = "WAITLIST"
	StatusUnavailable SlotStatus = "UNAVAILABLE"
	StatusMaintenance SlotStatus = "MAINTENANCE"
)

// Bookable reports whether a new patient can still be placed in the slot.
func (s SlotStatus) Bookable() bool {
	return s == StatusAvailable || s == StatusLimited
}

// RawSlot is one record as delivered by the upstream feed.
type RawSlot struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Capacity        int       `json:"capacity"`
	Booked          int       `json:"booked"`
	MaintenanceFlag bool      `json:"maintenance_flag"`
}

type Slot struct {
	Key         Key        `json:"key"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	Capacity    int        `json:"capacity"`
	Booked      int        `json:"booked"`
	Maintenance bool       `json:"maintenance"`
	Status      SlotStatus `json:"status"`
	LastUpdated time.Time  `json:"last_updated"`
}

func (s Slot) ID() string {
	return s.Key.String() + "@" + s.StartTime.UTC().Format(time.RFC3339)
}

func (s Slot) Ref() SlotRef {
	return SlotRef{Key: s.Key, StartTime: s.StartTime}
}

// sameState compares everything except LastUpdated.
func (s Slot) sameState(o Slot) bool {
	return s.StartTime.Equal(o.StartTime) &&
		s.EndTime.Equal(o.EndTime) &&
		s.Capacity == o.Capacity &&
		s.Booked == o.Booked &&
		s.Maintenance == o.Maintenance &&
		s.Status == o.Status
}

// SlotRef points at a slot without carrying its state.
type SlotRef struct {
	Key       Key       `json:"key"`
	StartTime time.Time `json:"start_time"`
}

func (r SlotRef) String() string {
	return r.Key.String() + "@" + r.StartTime.UTC().Format(time.RFC3339)
}

// SnapshotSource says where a snapshot's slots came from.
type SnapshotSource string

const (
	SourceLive   SnapshotSource = "LIVE"
	SourceCached SnapshotSource = "CACHED"
)

// Snapshot is an immutable view of one key's slots. A newer refresh
// produces a new Snapshot; existing ones are never modified.
type Snapshot struct {
	Key       Key            `json:"key"`
	Slots     []Slot         `json:"slots"`
	Source    SnapshotSource `json:"source"`
	Seq       uint64         `json:"seq"`
	FetchedAt time.Time      `json:"fetched_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// WithSource returns a copy tagged with src.
func (s *Snapshot) WithSource(src SnapshotSource) *Snapshot {
	cp := *s
	cp.Slots = append([]Slot(nil), s.Slots...)
	cp.Source = src
	return &cp
}

func (s *Snapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Utilization is total booked over total capacity, 0 for an empty day.
func (s *Snapshot) Utilization() float64 {
	return Utilization(s.Slots)
}

func (s *Snapshot) Slot(start time.Time) (Slot, bool) {
	for _, sl := range s.Slots {
		if sl.StartTime.Equal(start) {
			return sl, true
		}
	}
	return Slot{}, false
}

// Utilization is total booked over total capacity across slots.
func Utilization(slots []Slot) float64 {
	var booked, capacity int
	for _, sl := range slots {
		booked += sl.Booked
		capacity += sl.Capacity
	}
	if capacity == 0 {
		return 0
	}
	return float64(booked) / float64(capacity)
}

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].StartTime.Before(slots[j].StartTime)
	})
}

// Transition records one slot changing status during a refresh. From is
// empty for a slot seen for the first time.
type Transition struct {
	Slot    Slot       `json:"slot"`
	From    SlotStatus `json:"from,omitempty"`
	To      SlotStatus `json:"to"`
	Removed bool       `json:"removed,omitempty"`
}

// ChangeEvent batches every transition computed by one refresh of a key.
type ChangeEvent struct {
	Key         Key          `json:"key"`
	Seq         uint64       `json:"seq"`
	At          time.Time    `json:"at"`
	Transitions []Transition `json:"transitions"`
}

// ExpiryPolicy picks a snapshot lifetime between Min and Max. Busier days
// change faster, so they expire sooner.
type ExpiryPolicy struct {
	Min time.Duration
	Max time.Duration
}

func (p ExpiryPolicy) TTL(util float64) time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	if util < 0 {
		util = 0
	}
	if util > 1 {
		util = 1
	}
	span := float64(p.Max - p.Min)
	return p.Max - time.Duration(span*util)
}
