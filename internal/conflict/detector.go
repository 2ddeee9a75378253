package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/metrics"
)

var detectorTracer = otel.Tracer("clinic.internal.conflict.detector")

const (
	maxReserveAttempts = 3
	persistAttempts    = 3
)

// Reassigner finds and takes a replacement slot for a booking.
// *availability.Tracker satisfies it.
type Reassigner interface {
	FindAlternate(serviceID, clinicID, doctorID string, from, until time.Time, avoid func(start, end time.Time) bool) (availability.Slot, bool)
	Reserve(ctx context.Context, ref availability.SlotRef) (availability.Slot, error)
}

// Notifier is told about conflicts that need a human. Delivery is
// fire-and-forget.
type Notifier interface {
	ConflictEscalated(ctx context.Context, ev Escalation)
}

type Escalation struct {
	ConflictID uuid.UUID   `json:"conflict_id"`
	Kind       Kind        `json:"kind"`
	Severity   Severity    `json:"severity"`
	DoctorID   string      `json:"doctor_id"`
	BookingIDs []uuid.UUID `json:"booking_ids"`
	Reason     string      `json:"reason"`
	At         time.Time   `json:"at"`
}

type Config struct {
	Severity      SeverityPolicy
	LookAhead     time.Duration // how far past the booking to search for an alternate
	ResolveBudget time.Duration // time the caller waits for auto-resolution
	SearchTimeout time.Duration // hard bound on a background search
	// StuckAfter is how long a conflict may sit in DETECTED or
	// AUTO_RESOLVING before Redrive escalates it.
	StuckAfter     time.Duration
	PersistTimeout time.Duration // per attempt
	PersistBackoff time.Duration
}

// Resolution is an external actor's decision on an escalated conflict.
type Resolution struct {
	Note            string    `json:"note"`
	CancelBookingID uuid.UUID `json:"cancel_booking_id,omitempty"`
}

type Detector struct {
	ledger   *Ledger
	repo     Repository
	slots    Reassigner
	notifier Notifier
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	closed   bool
	drifted  map[uuid.UUID]struct{}
	inflight map[uuid.UUID]struct{}
	wg       sync.WaitGroup
}

type Option func(*Detector)

func WithNotifier(n Notifier) Option        { return func(d *Detector) { d.notifier = n } }
func WithLogger(l zerolog.Logger) Option    { return func(d *Detector) { d.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Detector) { d.metrics = m } }
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// NewDetector wires a detector. slots may be nil, in which case every
// conflict that would be auto-resolved is escalated instead.
func NewDetector(ledger *Ledger, repo Repository, slots Reassigner, cfg Config, opts ...Option) *Detector {
	if cfg.Severity == (SeverityPolicy{}) {
		cfg.Severity = DefaultSeverityPolicy()
	}
	if cfg.LookAhead <= 0 {
		cfg.LookAhead = 4 * time.Hour
	}
	if cfg.ResolveBudget <= 0 {
		cfg.ResolveBudget = 250 * time.Millisecond
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 5 * time.Second
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 2 * (cfg.ResolveBudget + cfg.SearchTimeout)
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = 50 * time.Millisecond
	}
	d := &Detector{
		ledger:   ledger,
		repo:     repo,
		slots:    slots,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		now:      time.Now,
		drifted:  make(map[uuid.UUID]struct{}),
		inflight: make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) Ledger() *Ledger { return d.ledger }

// OnBookingAccepted records b and checks it against every other active
// booking of the same doctor. When any overlap, one conflict covering all
// of them is created and routed before returning. A conflict whose
// auto-resolution outlives the resolve budget is returned in
// AUTO_RESOLVING and finishes in the background.
//
// When the conflict cannot be recorded the booking stays in the ledger and
// an error is returned; accepting the same booking ID again re-runs
// detection.
func (d *Detector) OnBookingAccepted(ctx context.Context, b Booking) (Booking, *Conflict, error) {
	if b.Priority == "" {
		b.Priority = PriorityRoutine
	}
	if err := b.Validate(); err != nil {
		return Booking{}, nil, err
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.AcceptedAt.IsZero() {
		b.AcceptedAt = d.now()
	}
	b.Start, b.End, b.AcceptedAt = b.Start.UTC(), b.End.UTC(), b.AcceptedAt.UTC()

	ctx, span := detectorTracer.Start(ctx, "conflict.booking_accepted")
	defer span.End()
	span.SetAttributes(attribute.String("conflict.doctor_id", b.DoctorID))

	others := d.ledger.Add(b)
	if len(others) == 0 {
		return b, nil, nil
	}

	var longest time.Duration
	for _, o := range others {
		if ov := OverlapDuration(b.Start, b.End, o.Start, o.End); ov > longest {
			longest = ov
		}
	}
	involved := append([]Booking{b}, others...)
	c := d.newConflict(KindDoubleBooking, involved, longest)
	c.Severity = d.cfg.Severity.Classify(longest, involved...)
	c.Detail = fmt.Sprintf("booking %s overlaps %d active booking(s) of doctor %s by up to %s",
		b.ID, len(others), b.DoctorID, longest)
	span.SetAttributes(attribute.String("conflict.severity", string(c.Severity)))

	out, err := d.open(ctx, c, involved)
	return b, out, err
}

// DriftReason reports whether an offline-accepted booking no longer fits
// the slot upstream now reports for its start time. slot is nil when
// upstream no longer offers it. A slot that is merely full is not drift:
// upstream's booked count already includes the bookings it accepted.
func DriftReason(slot *availability.Slot) (string, bool) {
	switch {
	case slot == nil:
		return "slot is no longer offered", true
	case slot.Status == availability.StatusMaintenance:
		return "slot is under maintenance", true
	case slot.Status == availability.StatusUnavailable && slot.Capacity == 0:
		return "slot was withdrawn (capacity 0)", true
	}
	return "", false
}

// CheckDrift raises an AVAILABILITY_DRIFT conflict for b when slot shows
// the booking can no longer be honoured. Each booking raises at most one
// drift conflict. It returns nil when there is no drift.
func (d *Detector) CheckDrift(ctx context.Context, b Booking, slot *availability.Slot) (*Conflict, error) {
	reason, drift := DriftReason(slot)
	if !drift {
		return nil, nil
	}

	d.mu.Lock()
	if _, seen := d.drifted[b.ID]; seen {
		d.mu.Unlock()
		return nil, nil
	}
	d.drifted[b.ID] = struct{}{}
	d.mu.Unlock()

	involved := []Booking{b}
	c := d.newConflict(KindAvailabilityDrift, involved, 0)
	c.Severity = d.cfg.Severity.Classify(0, b)
	if c.Severity == SeverityLow && (slot == nil || slot.Status == availability.StatusMaintenance) {
		c.Severity = SeverityMedium
	}
	c.Detail = fmt.Sprintf("booking %s accepted offline: %s", b.ID, reason)

	out, err := d.open(ctx, c, involved)
	if out == nil && err != nil {
		// nothing was recorded, so the next reconcile may try again
		d.mu.Lock()
		delete(d.drifted, b.ID)
		d.mu.Unlock()
	}
	return out, err
}

func (d *Detector) newConflict(kind Kind, involved []Booking, overlap time.Duration) *Conflict {
	now := d.now().UTC()
	c := &Conflict{
		ID:         uuid.New(),
		Kind:       kind,
		State:      StateDetected,
		Strategy:   StrategyAuto,
		DoctorID:   involved[0].DoctorID,
		Overlap:    overlap,
		DetectedAt: now,
		UpdatedAt:  now,
	}
	for _, b := range involved {
		c.BookingIDs = append(c.BookingIDs, b.ID)
		c.Slots = append(c.Slots, b.SlotRef())
	}
	return c
}

// open persists a new conflict and routes it to auto-resolution or
// escalation. It returns nil only when the conflict could not be recorded.
// A routing failure returns the conflict in its last stored state together
// with the error; Redrive picks it up later.
func (d *Detector) open(ctx context.Context, c *Conflict, involved []Booking) (*Conflict, error) {
	err := d.persist(ctx, func(ctx context.Context) error { return d.repo.Create(ctx, c) })
	if err != nil {
		d.logger.Error().Err(err).Str("conflict_id", c.ID.String()).Str("kind", string(c.Kind)).Msg("failed to record conflict")
		return nil, fmt.Errorf("record conflict: %w", err)
	}
	d.metrics.ObserveConflict(string(c.Kind), string(c.Severity))
	d.logger.Warn().
		Str("conflict_id", c.ID.String()).
		Str("kind", string(c.Kind)).
		Str("severity", string(c.Severity)).
		Str("doctor_id", c.DoctorID).
		Msg(c.Detail)

	d.setInflight(c.ID, true)

	if c.Severity == SeverityHigh {
		err := d.escalate(ctx, c, "high severity requires manual resolution")
		d.setInflight(c.ID, false)
		return c.clone(), err
	}
	candidate, ok := pickCandidate(involved)
	if !ok {
		err := d.escalate(ctx, c, "no flexible booking to move")
		d.setInflight(c.ID, false)
		return c.clone(), err
	}

	if err := d.move(ctx, c, StateAutoResolving, fmt.Sprintf("searching alternate slot for booking %s", candidate.ID), nil); err != nil {
		d.setInflight(c.ID, false)
		return c.clone(), err
	}
	return d.autoResolve(ctx, c, candidate)
}

func (d *Detector) setInflight(id uuid.UUID, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.inflight[id] = struct{}{}
		return
	}
	delete(d.inflight, id)
}

func (d *Detector) isInflight(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[id]
	return ok
}

// pickCandidate chooses the flexible booking to move: lowest priority
// first, then the most recently accepted.
func pickCandidate(involved []Booking) (Booking, bool) {
	var (
		best  Booking
		found bool
	)
	for _, b := range involved {
		if !b.Flexible {
			continue
		}
		switch {
		case !found:
		case b.Priority.rank() < best.Priority.rank():
		case b.Priority.rank() == best.Priority.rank() && b.AcceptedAt.After(best.AcceptedAt):
		default:
			continue
		}
		best, found = b, true
	}
	return best, found
}

type searchResult struct {
	slot availability.Slot
	err  error
}

// autoResolve must be called with c marked in flight; it clears the mark
// once the outcome is stored or has failed.
func (d *Detector) autoResolve(ctx context.Context, c *Conflict, b Booking) (*Conflict, error) {
	bg := context.WithoutCancel(ctx)
	searchCtx, cancel := context.WithTimeout(bg, d.cfg.SearchTimeout)
	done := make(chan searchResult, 1)
	go func() {
		slot, err := d.reassign(searchCtx, b)
		done <- searchResult{slot: slot, err: err}
	}()

	timer := time.NewTimer(d.cfg.ResolveBudget)
	defer timer.Stop()
	var res searchResult
	select {
	case res = <-done:
	case <-timer.C:
		d.mu.Lock()
		if !d.closed {
			d.wg.Add(1)
			d.mu.Unlock()

			pending := c.clone()
			d.logger.Info().Str("conflict_id", c.ID.String()).Dur("budget", d.cfg.ResolveBudget).Msg("resolve budget exceeded, continuing in background")
			go func() {
				defer d.wg.Done()
				defer cancel()
				defer d.setInflight(c.ID, false)
				if err := d.finish(bg, c, b, <-done); err != nil {
					d.logger.Error().Err(err).Str("conflict_id", c.ID.String()).Msg("background resolution not recorded")
				}
			}()
			return pending, nil
		}
		d.mu.Unlock()
		res = <-done
	}

	cancel()
	defer d.setInflight(c.ID, false)
	if err := d.finish(bg, c, b, res); err != nil {
		return c.clone(), err
	}
	return c.clone(), nil
}

// reassign moves b to the earliest free slot for its service and doctor
// within the look-ahead window. A seat taken for a move that then loses a
// race is not given back; the next refresh restores the true count.
func (d *Detector) reassign(ctx context.Context, b Booking) (availability.Slot, error) {
	if d.slots == nil {
		return availability.Slot{}, fmt.Errorf("booking %s: %w", b.ID, ErrConflictUnresolvable)
	}

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return availability.Slot{}, err
		}

		others := d.ledger.ForDoctor(b.DoctorID)
		avoid := func(start, end time.Time) bool {
			for _, o := range others {
				if o.ID != b.ID && Overlaps(start, end, o.Start, o.End) {
					return true
				}
			}
			return false
		}

		slot, ok := d.slots.FindAlternate(b.ServiceID, b.ClinicID, b.DoctorID, b.Start, b.Start.Add(d.cfg.LookAhead), avoid)
		if !ok {
			return availability.Slot{}, fmt.Errorf("no alternate within %s for booking %s: %w", d.cfg.LookAhead, b.ID, ErrConflictUnresolvable)
		}

		reserved, err := d.slots.Reserve(ctx, slot.Ref())
		if errors.Is(err, availability.ErrSlotFull) || errors.Is(err, availability.ErrSlotNotFound) {
			continue
		}
		if err != nil {
			return availability.Slot{}, fmt.Errorf("reserve alternate: %w", err)
		}

		if _, err := d.ledger.Move(b.ID, reserved.StartTime, reserved.EndTime); err != nil {
			if errors.Is(err, ErrOverlap) {
				continue
			}
			return availability.Slot{}, err
		}
		return reserved, nil
	}
	return availability.Slot{}, fmt.Errorf("alternates for booking %s kept filling up: %w", b.ID, ErrConflictUnresolvable)
}

func (d *Detector) finish(ctx context.Context, c *Conflict, b Booking, res searchResult) error {
	if res.err != nil {
		return d.escalate(ctx, c, res.err.Error())
	}

	ref := res.slot.Ref()
	resolution := fmt.Sprintf("booking %s moved to %s", b.ID, ref)
	err := d.move(ctx, c, StateResolved, resolution, func(next *Conflict) {
		next.Strategy = StrategyAuto
		next.Slots = append(next.Slots, ref)
		next.Resolution = resolution
	})
	if err != nil {
		return err
	}
	d.metrics.ObserveConflictOutcome(string(StateResolved), string(StrategyAuto))
	d.logger.Info().Str("conflict_id", c.ID.String()).Str("booking_id", b.ID.String()).Str("slot", ref.String()).Msg("conflict auto-resolved")
	return nil
}

// escalate hands c to a human. The notification goes out only after the
// ESCALATED state is stored.
func (d *Detector) escalate(ctx context.Context, c *Conflict, reason string) error {
	err := d.move(ctx, c, StateEscalated, reason, func(next *Conflict) {
		next.Strategy = StrategyManual
	})
	if err != nil {
		return err
	}
	d.metrics.ObserveConflictOutcome(string(StateEscalated), string(StrategyManual))
	d.logger.Warn().Str("conflict_id", c.ID.String()).Str("severity", string(c.Severity)).Str("reason", reason).Msg("conflict escalated")

	if d.notifier != nil {
		d.notifier.ConflictEscalated(context.WithoutCancel(ctx), Escalation{
			ConflictID: c.ID,
			Kind:       c.Kind,
			Severity:   c.Severity,
			DoctorID:   c.DoctorID,
			BookingIDs: append([]uuid.UUID(nil), c.BookingIDs...),
			Reason:     reason,
			At:         c.UpdatedAt,
		})
	}
	return nil
}

// move applies edit and the transition to a copy of c, stores the copy and
// only then commits it to c. On error c still matches the stored record.
func (d *Detector) move(ctx context.Context, c *Conflict, to State, note string, edit func(next *Conflict)) error {
	next := c.clone()
	if edit != nil {
		edit(next)
	}
	ev, err := next.transition(to, note, d.now().UTC())
	if err != nil {
		d.logger.Error().Err(err).Str("conflict_id", c.ID.String()).Msg("illegal conflict transition")
		return err
	}
	err = d.persist(ctx, func(ctx context.Context) error { return d.repo.Transition(ctx, next, ev) })
	if err != nil {
		d.logger.Error().Err(err).Str("conflict_id", c.ID.String()).Str("to", string(to)).Msg("failed to persist conflict transition")
		return fmt.Errorf("persist conflict %s: %w", c.ID, err)
	}
	*c = *next
	return nil
}

// persist runs write detached from the caller's cancellation, retrying
// with backoff. ErrStaleState and ErrConflictNotFound are not retried.
func (d *Detector) persist(ctx context.Context, write func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	backoff := d.cfg.PersistBackoff
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.PersistTimeout)
		err = write(attemptCtx)
		cancel()
		if err == nil || errors.Is(err, ErrStaleState) || errors.Is(err, ErrConflictNotFound) {
			return err
		}
		if attempt < persistAttempts {
			d.logger.Warn().Err(err).Int("attempt", attempt).Msg("conflict write failed, retrying")
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

// Redrive escalates conflicts that have sat in DETECTED or AUTO_RESOLVING
// for longer than StuckAfter, which happens when a process died or a write
// failed mid-resolution. Conflicts this detector is still working on are
// skipped. It returns how many were escalated.
func (d *Detector) Redrive(ctx context.Context) (int, error) {
	cutoff := d.now().UTC().Add(-d.cfg.StuckAfter)
	var (
		n    int
		errs []error
	)
	for _, st := range []State{StateDetected, StateAutoResolving} {
		stuck, err := d.repo.List(ctx, st, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s conflicts: %w", st, err))
			continue
		}
		for i := range stuck {
			c := &stuck[i]
			if c.UpdatedAt.After(cutoff) || d.isInflight(c.ID) {
				continue
			}
			err := d.escalate(ctx, c, fmt.Sprintf("resolution stopped in %s", st))
			if errors.Is(err, ErrStaleState) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			n++
		}
	}
	if n > 0 {
		d.logger.Warn().Int("conflicts", n).Msg("escalated stuck conflicts")
	}
	return n, errors.Join(errs...)
}

// Resolve lets an external actor close an ESCALATED conflict, optionally
// cancelling one of its bookings.
func (d *Detector) Resolve(ctx context.Context, id uuid.UUID, r Resolution) (*Conflict, error) {
	c, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State != StateEscalated {
		return nil, fmt.Errorf("resolve conflict %s: %w: state is %s", id, ErrInvalidTransition, c.State)
	}

	if r.CancelBookingID != uuid.Nil && !containsID(c.BookingIDs, r.CancelBookingID) {
		return nil, fmt.Errorf("%w: %s is not part of conflict %s", ErrBookingNotFound, r.CancelBookingID, id)
	}

	note := r.Note
	if note == "" {
		note = "resolved manually"
	}
	if r.CancelBookingID != uuid.Nil {
		note = fmt.Sprintf("%s; booking %s cancelled", note, r.CancelBookingID)
	}
	err = d.move(ctx, c, StateResolved, note, func(next *Conflict) {
		next.Resolution = note
	})
	if err != nil {
		return nil, err
	}

	// the resolution is stored; the booking may already be gone
	if r.CancelBookingID != uuid.Nil {
		if err := d.ledger.Cancel(r.CancelBookingID); err != nil && !errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
	}
	d.metrics.ObserveConflictOutcome(string(StateResolved), string(StrategyManual))
	return c, nil
}

func (d *Detector) Get(ctx context.Context, id uuid.UUID) (*Conflict, []Event, error) {
	c, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	events, err := d.repo.Events(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return c, events, nil
}

func (d *Detector) List(ctx context.Context, state State, limit int) ([]Conflict, error) {
	return d.repo.List(ctx, state, limit)
}

// Wait blocks until every background resolution has finished.
func (d *Detector) Wait() {
	d.wg.Wait()
}

// Close stops deferring resolutions to the background and waits for the
// ones already running.
func (d *Detector) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
