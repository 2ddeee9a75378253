package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name    string
		s1, e1  time.Time
		s2, e2  time.Time
		want    bool
		overlap time.Duration
	}{
		{"partial", at(9, 0), at(9, 30), at(9, 15), at(9, 45), true, 15 * time.Minute},
		{"adjacent", at(9, 0), at(9, 30), at(9, 30), at(10, 0), false, 0},
		{"contained", at(9, 0), at(10, 0), at(9, 20), at(9, 40), true, 20 * time.Minute},
		{"identical", at(9, 0), at(9, 30), at(9, 0), at(9, 30), true, 30 * time.Minute},
		{"disjoint", at(9, 0), at(9, 30), at(11, 0), at(11, 30), false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.s1, tt.e1, tt.s2, tt.e2))
			assert.Equal(t, tt.want, Overlaps(tt.s2, tt.e2, tt.s1, tt.e1), "overlap must be symmetric")
			assert.Equal(t, tt.overlap, OverlapDuration(tt.s1, tt.e1, tt.s2, tt.e2))
		})
	}
}

func TestSeverityClassify(t *testing.T) {
	p := DefaultSeverityPolicy()
	routine := Booking{Priority: PriorityRoutine}
	urgent := Booking{Priority: PriorityUrgent}
	emergency := Booking{Priority: PriorityEmergency}

	tests := []struct {
		name     string
		overlap  time.Duration
		bookings []Booking
		want     Severity
	}{
		{"short routine", 5 * time.Minute, []Booking{routine, routine}, SeverityLow},
		{"medium overlap", 10 * time.Minute, []Booking{routine, routine}, SeverityMedium},
		{"urgent short", time.Minute, []Booking{routine, urgent}, SeverityMedium},
		{"long overlap", 30 * time.Minute, []Booking{routine, routine}, SeverityHigh},
		{"any emergency", time.Minute, []Booking{routine, emergency}, SeverityHigh},
		{"drift without overlap", 0, []Booking{routine}, SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Classify(tt.overlap, tt.bookings...))
		})
	}
}

func TestStateMachine(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateDetected, StateAutoResolving}:  true,
		{StateDetected, StateEscalated}:      true,
		{StateAutoResolving, StateResolved}:  true,
		{StateAutoResolving, StateEscalated}: true,
		{StateEscalated, StateResolved}:      true,
	}
	states := []State{StateDetected, StateAutoResolving, StateResolved, StateEscalated}

	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	c := &Conflict{State: StateResolved}
	_, err := c.transition(StateEscalated, "", at(9, 0))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateResolved, c.State)
}

func TestParseState(t *testing.T) {
	s, err := ParseState("escalated")
	assert.NoError(t, err)
	assert.Equal(t, StateEscalated, s)

	s, err = ParseState("")
	assert.NoError(t, err)
	assert.Equal(t, State(""), s)

	_, err = ParseState("pending")
	assert.Error(t, err)
}
