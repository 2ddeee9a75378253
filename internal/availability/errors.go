package availability

import "errors"

var (
	// ErrInvalidKey is a caller bug: the key cannot identify a slot set.
	ErrInvalidKey = errors.New("invalid availability key")
	// ErrUnreachable means the upstream fetch failed (timeout, 5xx or
	// malformed payload). Callers fall back to the offline cache.
	ErrUnreachable = errors.New("availability source unreachable")
	// ErrStale marks data older than the staleness threshold that is
	// still being served.
	ErrStale = errors.New("availability data is stale")
	// ErrSuperseded is returned by a refresh whose result lost to a newer
	// refresh of the same key. The result was discarded.
	ErrSuperseded = errors.New("refresh superseded by a newer refresh")
	// ErrInvariantViolation flags upstream records that broke slot
	// invariants. These are clamped and logged, never propagated.
	ErrInvariantViolation = errors.New("slot invariant violated")

	ErrSlotNotFound = errors.New("slot not found")
	ErrSlotFull     = errors.New("slot has no free capacity")
)
