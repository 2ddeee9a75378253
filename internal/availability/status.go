package availability

import (
	"fmt"
	"time"
)

const limitedThreshold = 0.8

// DeriveStatus is the only place a slot status is computed. It depends on
// nothing but its arguments.
func DeriveStatus(booked, capacity int, maintenance, waitlistEnabled bool) SlotStatus {
	switch {
	case maintenance:
		return StatusMaintenance
	case capacity <= 0:
		return StatusUnavailable
	case booked >= capacity:
		if waitlistEnabled {
			return StatusWaitlist
		}
		return StatusUnavailable
	case float64(booked) >= limitedThreshold*float64(capacity):
		return StatusLimited
	default:
		return StatusAvailable
	}
}

// Policy holds per-service status rules.
type Policy struct {
	WaitlistServices map[string]bool
}

func NewPolicy(waitlistServices []string) Policy {
	p := Policy{WaitlistServices: make(map[string]bool, len(waitlistServices))}
	for _, s := range waitlistServices {
		p.WaitlistServices[s] = true
	}
	return p
}

func (p Policy) WaitlistEnabled(serviceID string) bool {
	return p.WaitlistServices[serviceID]
}

func (p Policy) Status(s Slot) SlotStatus {
	return DeriveStatus(s.Booked, s.Capacity, s.Maintenance, p.WaitlistEnabled(s.Key.ServiceID))
}

// Violation describes how an upstream record was repaired.
type Violation struct {
	Kind   string
	Detail string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

func (v Violation) Unwrap() error {
	return ErrInvariantViolation
}

// Normalize clamps a raw record into a valid slot. Records that cannot be
// repaired (end not after start) return ok=false.
func Normalize(key Key, raw RawSlot) (slot Slot, violations []Violation, ok bool) {
	start := raw.StartTime.UTC()
	end := raw.EndTime.UTC()
	if start.IsZero() || !end.After(start) {
		return Slot{}, []Violation{{
			Kind:   "invalid_time_range",
			Detail: fmt.Sprintf("start=%s end=%s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
		}}, false
	}

	capacity, booked := raw.Capacity, raw.Booked
	if capacity < 0 {
		violations = append(violations, Violation{Kind: "negative_capacity", Detail: fmt.Sprintf("capacity=%d", capacity)})
		capacity = 0
	}
	if booked < 0 {
		violations = append(violations, Violation{Kind: "negative_booked", Detail: fmt.Sprintf("booked=%d", booked)})
		booked = 0
	}
	if booked > capacity {
		violations = append(violations, Violation{Kind: "booked_over_capacity", Detail: fmt.Sprintf("booked=%d capacity=%d", booked, capacity)})
		booked = capacity
	}

	return Slot{
		Key:         key,
		StartTime:   start,
		EndTime:     end,
		Capacity:    capacity,
		Booked:      booked,
		Maintenance: raw.MaintenanceFlag,
	}, violations, true
}
