package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-availability/internal/availability"
)

type Priority string

const (
	PriorityRoutine   Priority = "ROUTINE"
	PriorityUrgent    Priority = "URGENT"
	PriorityEmergency Priority = "EMERGENCY"
)

func (p Priority) rank() int {
	switch p {
	case PriorityEmergency:
		return 2
	case PriorityUrgent:
		return 1
	default:
		return 0
	}
}

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

type State string

const (
	StateDetected      State = "DETECTED"
	StateAutoResolving State = "AUTO_RESOLVING"
	StateResolved      State = "RESOLVED"
	StateEscalated     State = "ESCALATED"
)

// ParseState accepts a state name in any case. The empty string is valid
// and means "any state" to List.
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case "", StateDetected, StateAutoResolving, StateResolved, StateEscalated:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict state %q", s)
}

type Strategy string

const (
	StrategyAuto   Strategy = "AUTO"
	StrategyManual Strategy = "MANUAL"
)

type Kind string

const (
	KindDoubleBooking     Kind = "DOUBLE_BOOKING"
	KindAvailabilityDrift Kind = "AVAILABILITY_DRIFT"
)

// Booking is a patient appointment accepted by the booking system.
type Booking struct {
	ID         uuid.UUID `json:"id"`
	ServiceID  string    `json:"service_id"`
	ClinicID   string    `json:"clinic_id"`
	DoctorID   string    `json:"doctor_id"`
	Start      time.Time `json:"start_time"`
	End        time.Time `json:"end_time"`
	Priority   Priority  `json:"priority"`
	Flexible   bool      `json:"flexible"`
	Waitlisted bool      `json:"waitlisted"`
	AcceptedAt time.Time `json:"accepted_at"`
}

func (b Booking) Validate() error {
	if b.DoctorID == "" {
		return fmt.Errorf("%w: doctor_id is required", ErrInvalidBooking)
	}
	if b.ServiceID == "" {
		return fmt.Errorf("%w: service_id is required", ErrInvalidBooking)
	}
	if b.Start.IsZero() || !b.Start.Before(b.End) {
		return fmt.Errorf("%w: start_time must be before end_time", ErrInvalidBooking)
	}
	switch b.Priority {
	case PriorityRoutine, PriorityUrgent, PriorityEmergency:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidBooking, b.Priority)
	}
	return nil
}

// Key is the availability key of the day the booking falls on.
func (b Booking) Key() availability.Key {
	return availability.Key{
		ServiceID: b.ServiceID,
		ClinicID:  b.ClinicID,
		DoctorID:  b.DoctorID,
		Date:      availability.DateOf(b.Start),
	}
}

func (b Booking) SlotRef() availability.SlotRef {
	return availability.SlotRef{Key: b.Key(), StartTime: b.Start.UTC()}
}

// Conflict records either two or more overlapping bookings of one doctor,
// or a booking whose slot drifted away while the system was offline.
type Conflict struct {
	ID         uuid.UUID              `json:"id"`
	Kind       Kind                   `json:"kind"`
	Severity   Severity               `json:"severity"`
	State      State                  `json:"state"`
	Strategy   Strategy               `json:"strategy"`
	DoctorID   string                 `json:"doctor_id"`
	BookingIDs []uuid.UUID            `json:"booking_ids"`
	Slots      []availability.SlotRef `json:"slots"`
	Overlap    time.Duration          `json:"overlap"`
	Detail     string                 `json:"detail,omitempty"`
	Resolution string                 `json:"resolution,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

func (c *Conflict) clone() *Conflict {
	cp := *c
	cp.BookingIDs = append([]uuid.UUID(nil), c.BookingIDs...)
	cp.Slots = append([]availability.SlotRef(nil), c.Slots...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

// Event is one row of a conflict's audit trail.
type Event struct {
	ConflictID uuid.UUID `json:"conflict_id"`
	From       State     `json:"from,omitempty"`
	To         State     `json:"to"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

var transitions = map[State][]State{
	StateDetected:      {StateAutoResolving, StateEscalated},
	StateAutoResolving: {StateResolved, StateEscalated},
	StateEscalated:     {StateResolved},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves c to state and returns the audit event. c is left
// untouched on error.
func (c *Conflict) transition(to State, note string, now time.Time) (Event, error) {
	if !CanTransition(c.State, to) {
		return Event{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	ev := Event{ConflictID: c.ID, From: c.State, To: to, Note: note, At: now}
	c.State = to
	c.UpdatedAt = now
	if to == StateResolved {
		at := now
		c.ResolvedAt = &at
	}
	return ev, nil
}
