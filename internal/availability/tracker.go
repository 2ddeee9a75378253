package availability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-availability/internal/metrics"
)

var trackerTracer = otel.Tracer("clinic.internal.availability.tracker")

// Source is the upstream slot feed. Implementations map every failure to
// an error; the tracker treats all of them as ErrUnreachable.
type Source interface {
	FetchSlots(ctx context.Context, key Key) ([]RawSlot, error)
}

// Publisher receives change batches. Delivery is fire-and-forget.
type Publisher interface {
	AvailabilityChanged(ctx context.Context, ev ChangeEvent)
}

// Locker serialises writers of one key across processes.
type Locker interface {
	WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type TrackerConfig struct {
	Timeout  time.Duration // bound on one refresh, retries included
	Attempts int
	Backoff  time.Duration
	Expiry   ExpiryPolicy
}

type Tracker struct {
	source    Source
	store     *Store
	publisher Publisher
	locker    Locker
	cfg       TrackerConfig
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu        sync.Mutex
	keys      map[Key]*keyState
	subs      map[Key]map[uint64]*subscriber
	nextSubID uint64
	closed    bool
}

type keyState struct {
	apply  sync.Mutex         // held while applying and publishing
	seq    uint64             // last issued, guarded by Tracker.mu
	cancel context.CancelFunc // in-flight fetch, guarded by Tracker.mu
}

type TrackerOption func(*Tracker)

func WithPublisher(p Publisher) TrackerOption { return func(t *Tracker) { t.publisher = p } }
func WithLocker(l Locker) TrackerOption       { return func(t *Tracker) { t.locker = l } }
func WithLogger(l zerolog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}
func WithMetrics(m *metrics.Metrics) TrackerOption { return func(t *Tracker) { t.metrics = m } }
func WithClock(now func() time.Time) TrackerOption { return func(t *Tracker) { t.now = now } }

func NewTracker(source Source, store *Store, cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	t := &Tracker{
		source: source,
		store:  store,
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
		keys:   make(map[Key]*keyState),
		subs:   make(map[Key]map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Store() *Store { return t.store }

// Refresh fetches key from upstream and merges the result into the store.
// A newer Refresh of the same key cancels this one (ErrSuperseded). Fetch
// failures return ErrUnreachable and leave the stored slots untouched.
func (t *Tracker) Refresh(ctx context.Context, key Key) (*Snapshot, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	ctx, span := trackerTracer.Start(ctx, "availability.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("availability.key", key.String()))

	started := time.Now()
	ks, seq, fetchCtx, cancel := t.begin(ctx, key)
	defer cancel()
	span.SetAttributes(attribute.Int64("availability.seq", int64(seq)))

	raws, err := t.fetch(fetchCtx, key)
	t.finish(ks, seq)
	if err != nil {
		if t.isSuperseded(ks, seq) {
			t.metrics.ObserveRefresh("superseded", time.Since(started).Seconds())
			return nil, ErrSuperseded
		}
		t.store.MarkStale(key)
		t.metrics.ObserveRefresh("unreachable", time.Since(started).Seconds())
		t.logger.Warn().Err(err).Str("key", key.String()).Uint64("seq", seq).Msg("upstream fetch failed, key marked stale")
		span.RecordError(err)
		span.SetStatus(codes.Error, "unreachable")
		return nil, fmt.Errorf("refresh %s: %w: %w", key, ErrUnreachable, err)
	}

	slots := t.normalize(key, raws)

	var snap *Snapshot
	apply := func(lockCtx context.Context) error {
		ks.apply.Lock()
		defer ks.apply.Unlock()

		now := t.now().UTC()
		transitions, applied := t.store.Apply(key, seq, slots, now)
		if !applied {
			return ErrSuperseded
		}

		current, _, _, _ := t.store.State(key)
		snap = &Snapshot{
			Key:       key,
			Slots:     current,
			Source:    SourceLive,
			Seq:       seq,
			FetchedAt: now,
			ExpiresAt: now.Add(t.cfg.Expiry.TTL(Utilization(current))),
		}

		if len(transitions) > 0 {
			t.publish(lockCtx, ChangeEvent{Key: key, Seq: seq, At: now, Transitions: transitions})
		}
		return nil
	}

	if t.locker != nil {
		err = t.locker.WithKeyLock(ctx, "availability:"+key.String(), apply)
	} else {
		err = apply(ctx)
	}
	if err != nil {
		result := "error"
		if errors.Is(err, ErrSuperseded) {
			result = "superseded"
		}
		t.metrics.ObserveRefresh(result, time.Since(started).Seconds())
		if result == "superseded" {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return nil, fmt.Errorf("apply %s: %w", key, err)
	}

	t.metrics.ObserveRefresh("ok", time.Since(started).Seconds())
	t.logger.Debug().Str("key", key.String()).Uint64("seq", seq).Int("slots", len(snap.Slots)).Msg("refresh applied")
	return snap, nil
}

// begin issues the next sequence number for key and cancels the fetch of
// any older refresh still in flight.
func (t *Tracker) begin(ctx context.Context, key Key) (*keyState, uint64, context.Context, context.CancelFunc) {
	fetchCtx, cancelTimeout := context.WithTimeout(ctx, t.cfg.Timeout)
	fetchCtx, cancelFetch := context.WithCancel(fetchCtx)

	t.mu.Lock()
	ks := t.keys[key]
	if ks == nil {
		ks = &keyState{}
		t.keys[key] = ks
	}
	if ks.cancel != nil {
		ks.cancel()
	}
	ks.seq++
	seq := ks.seq
	ks.cancel = cancelFetch
	t.mu.Unlock()

	return ks, seq, fetchCtx, func() {
		cancelFetch()
		cancelTimeout()
	}
}

func (t *Tracker) finish(ks *keyState, seq uint64) {
	t.mu.Lock()
	if ks.seq == seq {
		ks.cancel = nil
	}
	t.mu.Unlock()
}

func (t *Tracker) isSuperseded(ks *keyState, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ks.seq > seq
}

func (t *Tracker) fetch(ctx context.Context, key Key) ([]RawSlot, error) {
	backoff := t.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= t.cfg.Attempts; attempt++ {
		raws, err := t.source.FetchSlots(ctx, key)
		if err == nil {
			return raws, nil
		}
		lastErr = err
		if attempt == t.cfg.Attempts || ctx.Err() != nil {
			break
		}

		t.logger.Debug().Err(err).Str("key", key.String()).Int("attempt", attempt).Msg("fetch failed, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (t *Tracker) normalize(key Key, raws []RawSlot) []Slot {
	slots := make([]Slot, 0, len(raws))
	for _, raw := range raws {
		slot, violations, ok := Normalize(key, raw)
		for _, v := range violations {
			t.metrics.ObserveInvariantViolation(v.Kind)
			t.logger.Warn().Err(v).Str("key", key.String()).Time("start", raw.StartTime).Msg("upstream slot violated invariants")
		}
		if ok {
			slots = append(slots, slot)
		}
	}
	return slots
}

// Reserve takes a seat in ref on behalf of the conflict resolver. It shares
// the per-key lock with Refresh so subscribers see one ordered stream.
func (t *Tracker) Reserve(ctx context.Context, ref SlotRef) (Slot, error) {
	ks := t.keyState(ref.Key)
	ks.apply.Lock()
	defer ks.apply.Unlock()

	t.mu.Lock()
	seq := ks.seq
	t.mu.Unlock()

	now := t.now().UTC()
	slot, transition, err := t.store.Reserve(ref, now)
	if err != nil {
		return Slot{}, fmt.Errorf("reserve %s: %w", ref, err)
	}
	if transition != nil {
		t.publish(ctx, ChangeEvent{Key: ref.Key, Seq: seq, At: now, Transitions: []Transition{*transition}})
	}
	return slot, nil
}

// Current returns the store's view of key without contacting upstream.
func (t *Tracker) Current(key Key) (*Snapshot, bool) {
	slots, seq, updated, ok := t.store.State(key)
	if !ok {
		return nil, false
	}
	return &Snapshot{
		Key:       key,
		Slots:     slots,
		Source:    SourceLive,
		Seq:       seq,
		FetchedAt: updated,
		ExpiresAt: updated.Add(t.cfg.Expiry.TTL(Utilization(slots))),
	}, true
}

func (t *Tracker) keyState(key Key) *keyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ks := t.keys[key]
	if ks == nil {
		ks = &keyState{}
		t.keys[key] = ks
	}
	return ks
}

// publish must be called with the key's apply lock held.
func (t *Tracker) publish(ctx context.Context, ev ChangeEvent) {
	for _, tr := range ev.Transitions {
		t.metrics.ObserveTransition(string(tr.To))
	}

	t.mu.Lock()
	subs := make([]*subscriber, 0, len(t.subs[ev.Key]))
	for _, s := range t.subs[ev.Key] {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
	if t.publisher != nil {
		t.publisher.AvailabilityChanged(context.WithoutCancel(ctx), ev)
	}
}

// Subscribe registers fn for every change batch of key, delivered in the
// order computed and at most once. fn runs on a dedicated goroutine; a slow
// fn delays only its own deliveries. The returned func unsubscribes.
func (t *Tracker) Subscribe(key Key, fn func(ChangeEvent)) (cancel func()) {
	s := newSubscriber(fn)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.stop()
		return func() {}
	}
	t.nextSubID++
	id := t.nextSubID
	if t.subs[key] == nil {
		t.subs[key] = make(map[uint64]*subscriber)
	}
	t.subs[key][id] = s
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs[key], id)
			if len(t.subs[key]) == 0 {
				delete(t.subs, key)
			}
			t.mu.Unlock()
			s.stop()
		})
	}
}

// Close stops every subscriber. Refresh keeps working afterwards but no
// longer delivers to subscribers.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	all := t.subs
	t.subs = make(map[Key]map[uint64]*subscriber)
	for _, ks := range t.keys {
		if ks.cancel != nil {
			ks.cancel()
		}
	}
	t.mu.Unlock()

	for _, byID := range all {
		for _, s := range byID {
			s.stop()
		}
	}
}

type subscriber struct {
	fn     func(ChangeEvent)
	mu     sync.Mutex
	queue  []ChangeEvent
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(fn func(ChangeEvent)) *subscriber {
	s := &subscriber{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) enqueue(ev ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(ev)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// FindAlternate searches the store for the earliest bookable slot; see
// Store.FindAlternate.
func (t *Tracker) FindAlternate(serviceID, clinicID, doctorID string, from, until time.Time, avoid func(start, end time.Time) bool) (Slot, bool) {
	return t.store.FindAlternate(serviceID, clinicID, doctorID, from, until, avoid)
}
