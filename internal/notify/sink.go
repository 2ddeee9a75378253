// Package notify delivers availability changes and conflict escalations to
// the outside world. Every sink is fire-and-forget: failures are logged and
// never returned to the caller.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/conflict"
)

const (
	ChannelAvailabilityChanged = "availability.changed"
	ChannelConflictEscalated   = "conflict.escalated"
)

// Sink receives both event kinds.
type Sink interface {
	availability.Publisher
	conflict.Notifier
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

func (s *LogSink) AvailabilityChanged(_ context.Context, ev availability.ChangeEvent) {
	s.logger.Info().
		Str("key", ev.Key.String()).
		Uint64("seq", ev.Seq).
		Int("transitions", len(ev.Transitions)).
		Msg("availability changed")
}

func (s *LogSink) ConflictEscalated(_ context.Context, ev conflict.Escalation) {
	s.logger.Warn().
		Str("conflict_id", ev.ConflictID.String()).
		Str("kind", string(ev.Kind)).
		Str("severity", string(ev.Severity)).
		Str("doctor_id", ev.DoctorID).
		Str("reason", ev.Reason).
		Msg("conflict escalated")
}

// Fanout forwards each event to every sink in order.
type Fanout []Sink

func (f Fanout) AvailabilityChanged(ctx context.Context, ev availability.ChangeEvent) {
	for _, s := range f {
		s.AvailabilityChanged(ctx, ev)
	}
}

func (f Fanout) ConflictEscalated(ctx context.Context, ev conflict.Escalation) {
	for _, s := range f {
		s.ConflictEscalated(ctx, ev)
	}
}
