package conflict

import "errors"

var (
	ErrInvalidBooking = errors.New("invalid booking")
	// ErrInvalidTransition is returned for a state change the conflict
	// lifecycle does not allow, including any change out of RESOLVED.
	ErrInvalidTransition = errors.New("invalid conflict state transition")
	// ErrConflictUnresolvable means no alternate slot exists within the
	// look-ahead window. The conflict is escalated.
	ErrConflictUnresolvable = errors.New("conflict cannot be auto-resolved")
	ErrConflictNotFound     = errors.New("conflict not found")
	ErrBookingNotFound      = errors.New("booking not found")
	// ErrStaleState is returned by a repository when the stored state no
	// longer matches the state the caller transitioned from.
	ErrStaleState = errors.New("conflict state changed concurrently")
	// ErrOverlap is returned when moving a booking would overlap another
	// active booking of the same doctor.
	ErrOverlap = errors.New("booking overlaps another active booking")
)
