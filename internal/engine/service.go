// Package engine wires the tracker, offline cache, conflict detector and
// wait-time estimator into the operations the API and worker expose.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/cache"
	"github.com/hackgods/clinic-availability/internal/conflict"
	"github.com/hackgods/clinic-availability/internal/metrics"
	"github.com/hackgods/clinic-availability/internal/waittime"
)

type ViewState string

const (
	ViewLive    ViewState = "LIVE"
	ViewCached  ViewState = "CACHED"
	ViewStale   ViewState = "STALE"
	ViewUnknown ViewState = "UNKNOWN"
)

// View is what callers see for a key: live data, a cached copy, or an
// explicit UNKNOWN. It never invents availability.
type View struct {
	Key       availability.Key    `json:"key"`
	State     ViewState           `json:"state"`
	Slots     []availability.Slot `json:"slots"`
	Seq       uint64              `json:"seq,omitempty"`
	FetchedAt *time.Time          `json:"fetched_at,omitempty"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

func viewOf(snap *availability.Snapshot, state ViewState) View {
	fetched, expires := snap.FetchedAt, snap.ExpiresAt
	slots := snap.Slots
	if slots == nil {
		slots = []availability.Slot{}
	}
	return View{
		Key:       snap.Key,
		State:     state,
		Slots:     slots,
		Seq:       snap.Seq,
		FetchedAt: &fetched,
		ExpiresAt: &expires,
	}
}

// PeakLoader refreshes the in-memory peak table from durable storage.
type PeakLoader interface {
	Reload(ctx context.Context, table *waittime.MemoryPeakTable) (int, error)
}

type Deps struct {
	Tracker   *availability.Tracker
	Cache     *cache.Layer
	Detector  *conflict.Detector
	Estimator *waittime.Estimator
	PeakTable *waittime.MemoryPeakTable
	Peaks     PeakLoader // optional
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

type Config struct {
	PollConcurrency int
}

type Service struct {
	tracker   *availability.Tracker
	cache     *cache.Layer
	detector  *conflict.Detector
	estimator *waittime.Estimator
	peakTable *waittime.MemoryPeakTable
	peaks     PeakLoader
	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	tracked map[availability.Key]struct{}
}

// NewService builds the service and installs its drift check as the cache
// layer's reconciliation hook.
func NewService(d Deps, cfg Config) *Service {
	if cfg.PollConcurrency <= 0 {
		cfg.PollConcurrency = 8
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	s := &Service{
		tracker:   d.Tracker,
		cache:     d.Cache,
		detector:  d.Detector,
		estimator: d.Estimator,
		peakTable: d.PeakTable,
		peaks:     d.Peaks,
		cfg:       cfg,
		logger:    d.Logger,
		metrics:   d.Metrics,
		now:       d.Clock,
		tracked:   make(map[availability.Key]struct{}),
	}
	s.cache.SetDriftHook(s.checkDrift)
	return s
}

// Availability returns live slots when upstream answers, otherwise the
// cached snapshot (CACHED, or STALE past the staleness threshold), otherwise
// UNKNOWN. Only an invalid key is an error.
func (s *Service) Availability(ctx context.Context, key availability.Key) (View, error) {
	if err := key.Validate(); err != nil {
		return View{}, err
	}

	snap, err := s.refresh(ctx, key)
	if err == nil {
		return viewOf(snap, ViewLive), nil
	}

	if !errors.Is(err, availability.ErrUnreachable) && !s.tracker.Store().IsStale(key) {
		// lost a race with a concurrent refresh that did land
		if cur, ok := s.tracker.Current(key); ok {
			return viewOf(cur, ViewLive), nil
		}
	}
	return s.fallback(ctx, key, err), nil
}

func (s *Service) refresh(ctx context.Context, key availability.Key) (*availability.Snapshot, error) {
	snap, err := s.tracker.Refresh(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Put(ctx, snap); err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("cache write-through failed")
	}
	return snap, nil
}

func (s *Service) fallback(ctx context.Context, key availability.Key, cause error) View {
	cached, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn().Err(err).Str("key", key.String()).Msg("cache read failed")
		}
		return View{
			Key:    key,
			State:  ViewUnknown,
			Slots:  []availability.Slot{},
			Reason: cause.Error(),
		}
	}

	v := viewOf(cached, ViewCached)
	v.Reason = cause.Error()
	if s.cache.IsStale(cached, s.now()) {
		v.State = ViewStale
		v.Reason = fmt.Sprintf("%s: %s", availability.ErrStale, cause)
	}
	return v
}

func (s *Service) Estimate(key availability.Key) (waittime.Estimate, error) {
	if err := key.Validate(); err != nil {
		return waittime.Estimate{}, err
	}
	return s.estimator.Estimate(key), nil
}

// AcceptBooking records a booking from the booking system and returns any
// conflict it caused. The booking's day is tracked from then on, including
// when routing the conflict failed.
func (s *Service) AcceptBooking(ctx context.Context, b conflict.Booking) (conflict.Booking, *conflict.Conflict, error) {
	accepted, c, err := s.detector.OnBookingAccepted(ctx, b)
	if accepted.ID == uuid.Nil {
		return conflict.Booking{}, nil, err
	}
	if trackErr := s.Track(accepted.Key()); trackErr != nil {
		s.logger.Debug().Err(trackErr).Str("booking_id", accepted.ID.String()).Msg("booking key not trackable")
	}
	return accepted, c, err
}

func (s *Service) ResolveConflict(ctx context.Context, id uuid.UUID, r conflict.Resolution) (*conflict.Conflict, error) {
	return s.detector.Resolve(ctx, id, r)
}

func (s *Service) Conflict(ctx context.Context, id uuid.UUID) (*conflict.Conflict, []conflict.Event, error) {
	return s.detector.Get(ctx, id)
}

func (s *Service) ListConflicts(ctx context.Context, state conflict.State, limit int) ([]conflict.Conflict, error) {
	return s.detector.List(ctx, state, limit)
}

// checkDrift runs when a key served from cache gets live data again. Every
// booking accepted after the replaced snapshot was fetched is checked
// against the fresh slots.
func (s *Service) checkDrift(ctx context.Context, old, fresh *availability.Snapshot) {
	var since time.Time
	if old != nil {
		since = old.FetchedAt
	}

	for _, b := range s.detector.Ledger().Matching(fresh.Key) {
		if !b.AcceptedAt.After(since) {
			continue
		}
		slot := containing(fresh, b.Start)
		c, err := s.detector.CheckDrift(ctx, b, slot)
		if err != nil {
			s.logger.Error().Err(err).Str("booking_id", b.ID.String()).Msg("drift check failed")
			continue
		}
		if c != nil {
			s.logger.Warn().Str("conflict_id", c.ID.String()).Str("booking_id", b.ID.String()).Msg("availability drift after reconnect")
		}
	}
}

func containing(snap *availability.Snapshot, t time.Time) *availability.Slot {
	for i := range snap.Slots {
		sl := snap.Slots[i]
		if !t.Before(sl.StartTime) && t.Before(sl.EndTime) {
			return &sl
		}
	}
	return nil
}

// Track adds key to the set the worker polls.
func (s *Service) Track(key availability.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tracked[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Service) Untrack(key availability.Key) {
	s.mu.Lock()
	delete(s.tracked, key)
	s.mu.Unlock()
}

func (s *Service) Tracked() []availability.Key {
	s.mu.Lock()
	keys := make([]availability.Key, 0, len(s.tracked))
	for k := range s.tracked {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

type PollResult struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// PollOnce refreshes every tracked key plus every cached key past the
// staleness threshold, at most PollConcurrency at a time.
func (s *Service) PollOnce(ctx context.Context) (PollResult, error) {
	seen := make(map[availability.Key]struct{})
	var keys []availability.Key
	for _, k := range append(s.Tracked(), s.cache.StaleKeys(s.now())...) {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	var (
		mu  sync.Mutex
		res PollResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PollConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			_, err := s.refresh(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				if !errors.Is(err, availability.ErrSuperseded) {
					s.logger.Debug().Err(err).Str("key", key.String()).Msg("poll refresh failed")
				}
				return nil
			}
			res.Refreshed++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, ctx.Err()
}

// Reconnect reconciles every key served from cache while upstream was
// unreachable.
func (s *Service) Reconnect(ctx context.Context) (int, error) {
	return s.cache.ReconcilePending(ctx)
}

func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.cache.Sweep(ctx, s.now())
}

// Redrive escalates conflicts whose resolution stalled.
func (s *Service) Redrive(ctx context.Context) (int, error) {
	return s.detector.Redrive(ctx)
}

// Warm re-indexes the snapshots in the cache store, including those
// written by other processes sharing it.
func (s *Service) Warm(ctx context.Context) (int, error) {
	return s.cache.Warm(ctx)
}

type MaintainResult struct {
	Poll       PollResult `json:"poll"`
	Reconciled int        `json:"reconciled"`
	Swept      int        `json:"swept"`
	Redriven   int        `json:"redriven"`
}

// Maintain runs one pass: poll, reconcile keys served while offline, sweep
// expired cache entries and escalate stalled conflicts. Every step runs
// even when an earlier one failed.
func (s *Service) Maintain(ctx context.Context) (MaintainResult, error) {
	var (
		res  MaintainResult
		errs []error
		err  error
	)
	if res.Poll, err = s.PollOnce(ctx); err != nil {
		errs = append(errs, fmt.Errorf("poll: %w", err))
	}
	if res.Reconciled, err = s.Reconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}
	if res.Swept, err = s.Sweep(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sweep: %w", err))
	}
	if res.Redriven, err = s.Redrive(ctx); err != nil {
		errs = append(errs, fmt.Errorf("redrive: %w", err))
	}
	return res, errors.Join(errs...)
}

type LoopConfig struct {
	Interval time.Duration // also bounds each pass
	// PeakReloadEvery is the number of passes between peak table reloads;
	// 0 never reloads.
	PeakReloadEvery int
	// Rewarm re-indexes the cache store before every pass. Processes that
	// serve no reads use it to pick up keys cached by the API.
	Rewarm bool
}

// Run calls Maintain right away and then every Interval until ctx is done.
func (s *Service) Run(ctx context.Context, cfg LoopConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	s.runPass(ctx, cfg, 0)
	for pass := 1; ; pass++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.runPass(ctx, cfg, pass)
	}
}

func (s *Service) runPass(ctx context.Context, cfg LoopConfig, pass int) {
	passCtx, cancel := context.WithTimeout(ctx, cfg.Interval)
	defer cancel()
	start := time.Now()

	if cfg.Rewarm {
		if _, err := s.Warm(passCtx); err != nil {
			s.logger.Warn().Err(err).Msg("cache re-index failed")
		}
	}

	res, err := s.Maintain(passCtx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("maintenance pass incomplete")
	}

	if cfg.PeakReloadEvery > 0 && pass > 0 && pass%cfg.PeakReloadEvery == 0 {
		if n, err := s.ReloadPeaks(passCtx); err != nil {
			s.logger.Warn().Err(err).Msg("peak reload failed")
		} else {
			s.logger.Debug().Int("rows", n).Msg("peak table reloaded")
		}
	}

	s.logger.Info().
		Int("refreshed", res.Poll.Refreshed).
		Int("failed", res.Poll.Failed).
		Int("reconciled", res.Reconciled).
		Int("swept", res.Swept).
		Int("redriven", res.Redriven).
		Dur("took", time.Since(start)).
		Msg("maintenance pass complete")
}

// ReloadPeaks refreshes the estimator's peak table. Without a loader it
// is a no-op.
func (s *Service) ReloadPeaks(ctx context.Context) (int, error) {
	if s.peaks == nil || s.peakTable == nil {
		return 0, nil
	}
	n, err := s.peaks.Reload(ctx, s.peakTable)
	if err != nil {
		return 0, fmt.Errorf("reload peaks: %w", err)
	}
	return n, nil
}

// Subscribe forwards to the tracker's per-key change stream.
func (s *Service) Subscribe(key availability.Key, fn func(availability.ChangeEvent)) (func(), error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.tracker.Subscribe(key, fn), nil
}

// Close waits for background conflict resolutions, stops subscribers and
// closes the cache store.
func (s *Service) Close() error {
	s.detector.Close()
	s.tracker.Close()
	return s.cache.Close()
}
