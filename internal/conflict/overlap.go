package conflict

import "time"

// Overlaps reports whether [s1,e1) and [s2,e2) intersect. Intervals that
// merely touch do not overlap.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// OverlapDuration is the length of the intersection of [s1,e1) and [s2,e2).
func OverlapDuration(s1, e1, s2, e2 time.Time) time.Duration {
	if !Overlaps(s1, e1, s2, e2) {
		return 0
	}
	start, end := s1, e1
	if s2.After(start) {
		start = s2
	}
	if e2.Before(end) {
		end = e2
	}
	return end.Sub(start)
}

type SeverityPolicy struct {
	Medium time.Duration
	High   time.Duration
}

func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{Medium: 10 * time.Minute, High: 30 * time.Minute}
}

// Classify grades a conflict from its longest overlap and the priorities of
// the bookings involved.
func (p SeverityPolicy) Classify(overlap time.Duration, bookings ...Booking) Severity {
	top := PriorityRoutine
	for _, b := range bookings {
		if b.Priority.rank() > top.rank() {
			top = b.Priority
		}
	}

	switch {
	case top == PriorityEmergency:
		return SeverityHigh
	case overlap >= p.High:
		return SeverityHigh
	case overlap >= p.Medium || top == PriorityUrgent:
		return SeverityMedium
	}
	return SeverityLow
}
