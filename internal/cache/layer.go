package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/metrics"
)

// Refresher fetches a live snapshot. *availability.Tracker satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, key availability.Key) (*availability.Snapshot, error)
}

// DriftHook receives the snapshot that was served while offline (nil when
// nothing was cached) and the live snapshot that replaced it.
type DriftHook func(ctx context.Context, old, fresh *availability.Snapshot)

type Config struct {
	MinTTL     time.Duration
	MaxTTL     time.Duration
	StaleAfter time.Duration
	MaxEntries int
	PinGrace   time.Duration
}

// Layer keeps last-known-good snapshots in a Store and serves them while
// upstream is unreachable. An in-memory LRU index bounds the entry count.
type Layer struct {
	store     Store
	refresher Refresher
	cfg       Config
	onDrift   DriftHook
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	lru     *list.List // front is most recently used
	items   map[availability.Key]*list.Element
	pending map[availability.Key]struct{}
}

type item struct {
	key       availability.Key
	fetchedAt time.Time
	expiresAt time.Time
	lastRead  time.Time
}

type Option func(*Layer)

func WithDriftHook(h DriftHook) Option      { return func(l *Layer) { l.onDrift = h } }
func WithLogger(lg zerolog.Logger) Option   { return func(l *Layer) { l.logger = lg } }
func WithMetrics(m *metrics.Metrics) Option { return func(l *Layer) { l.metrics = m } }
func WithClock(now func() time.Time) Option { return func(l *Layer) { l.now = now } }

func NewLayer(store Store, refresher Refresher, cfg Config, opts ...Option) *Layer {
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = 15 * time.Minute
	}
	if cfg.MaxTTL < cfg.MinTTL {
		cfg.MaxTTL = cfg.MinTTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 5000
	}
	l := &Layer{
		store:     store,
		refresher: refresher,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		now:       time.Now,
		lru:       list.New(),
		items:     make(map[availability.Key]*list.Element),
		pending:   make(map[availability.Key]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetDriftHook installs h after construction, for wiring cycles where the
// hook's owner needs the layer first.
func (l *Layer) SetDriftHook(h DriftHook) {
	l.mu.Lock()
	l.onDrift = h
	l.mu.Unlock()
}

// Warm indexes every key already present in the store, so snapshots
// written before a restart can be evicted and reconciled.
func (l *Layer) Warm(ctx context.Context) (int, error) {
	keys, err := l.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cached keys: %w", err)
	}
	n := 0
	for _, raw := range keys {
		key, err := availability.ParseKey(raw)
		if err != nil {
			l.logger.Warn().Err(err).Str("key", raw).Msg("skipping unparseable cache key")
			continue
		}
		snap, err := l.load(ctx, key)
		if err != nil {
			continue
		}
		l.mu.Lock()
		l.touch(snap, time.Time{})
		l.mu.Unlock()
		n++
	}
	l.evict(ctx)
	return n, nil
}

// Get returns the cached snapshot for key tagged CACHED, keeping its real
// ExpiresAt. An absent or expired entry is ErrMiss. Every call marks key for
// reconciliation once upstream is reachable again.
func (l *Layer) Get(ctx context.Context, key availability.Key) (*availability.Snapshot, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	now := l.now()

	l.mu.Lock()
	l.pending[key] = struct{}{}
	l.mu.Unlock()

	snap, err := l.load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			l.metrics.ObserveCacheLookup("miss")
		} else {
			l.metrics.ObserveCacheLookup("error")
		}
		return nil, err
	}
	if snap.Expired(now) {
		l.metrics.ObserveCacheLookup("expired")
		l.forget(ctx, key)
		return nil, ErrMiss
	}

	l.mu.Lock()
	l.touch(snap, now)
	l.mu.Unlock()
	l.metrics.ObserveCacheLookup("hit")

	return snap.WithSource(availability.SourceCached), nil
}

func (l *Layer) load(ctx context.Context, key availability.Key) (*availability.Snapshot, error) {
	data, err := l.store.Get(ctx, key.String())
	if err != nil {
		return nil, err
	}
	var snap availability.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		l.logger.Warn().Err(err).Str("key", key.String()).Msg("dropping undecodable cache entry")
		l.forget(ctx, key)
		return nil, ErrMiss
	}
	return &snap, nil
}

// Put writes snap through to the store. The TTL follows the snapshot's own
// expiry clamped to [MinTTL, MaxTTL]. When key was served from cache while
// offline, the drift hook sees the replaced snapshot and the key leaves the
// pending set.
func (l *Layer) Put(ctx context.Context, snap *availability.Snapshot) error {
	if snap == nil {
		return errors.New("put nil snapshot")
	}
	if err := snap.Key.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	_, wasPending := l.pending[snap.Key]
	hook := l.onDrift
	l.mu.Unlock()

	var old *availability.Snapshot
	if wasPending && hook != nil {
		old, _ = l.load(ctx, snap.Key)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.Key, err)
	}
	if err := l.store.Set(ctx, snap.Key.String(), data, l.ttl(snap)); err != nil {
		return fmt.Errorf("cache put %s: %w", snap.Key, err)
	}

	l.mu.Lock()
	l.touch(snap, time.Time{})
	delete(l.pending, snap.Key)
	l.mu.Unlock()
	l.evict(ctx)

	if wasPending && hook != nil {
		hook(ctx, old, snap)
	}
	return nil
}

func (l *Layer) ttl(snap *availability.Snapshot) time.Duration {
	ttl := snap.ExpiresAt.Sub(snap.FetchedAt)
	if ttl < l.cfg.MinTTL {
		return l.cfg.MinTTL
	}
	if ttl > l.cfg.MaxTTL {
		return l.cfg.MaxTTL
	}
	return ttl
}

// touch must be called with l.mu held. A zero readAt keeps the previous
// read time.
func (l *Layer) touch(snap *availability.Snapshot, readAt time.Time) {
	if el, ok := l.items[snap.Key]; ok {
		it := el.Value.(*item)
		it.fetchedAt = snap.FetchedAt
		it.expiresAt = snap.ExpiresAt
		if !readAt.IsZero() {
			it.lastRead = readAt
		}
		l.lru.MoveToFront(el)
		return
	}
	l.items[snap.Key] = l.lru.PushFront(&item{
		key:       snap.Key,
		fetchedAt: snap.FetchedAt,
		expiresAt: snap.ExpiresAt,
		lastRead:  readAt,
	})
}

func (l *Layer) pinned(it *item, now time.Time) bool {
	return !it.lastRead.IsZero() && now.Sub(it.lastRead) < l.cfg.PinGrace
}

// evict trims the index to MaxEntries from the least recently used end,
// skipping entries read within the pin grace period.
func (l *Layer) evict(ctx context.Context) {
	now := l.now()
	var victims []availability.Key

	l.mu.Lock()
	over := l.lru.Len() - l.cfg.MaxEntries
	for el := l.lru.Back(); el != nil && over > 0; {
		prev := el.Prev()
		it := el.Value.(*item)
		if !l.pinned(it, now) {
			l.lru.Remove(el)
			delete(l.items, it.key)
			victims = append(victims, it.key)
			over--
		}
		el = prev
	}
	l.metrics.SetCacheEntries(l.lru.Len())
	l.mu.Unlock()

	for _, key := range victims {
		l.metrics.ObserveEviction()
		if err := l.store.Delete(ctx, key.String()); err != nil {
			l.logger.Warn().Err(err).Str("key", key.String()).Msg("cache eviction delete failed")
		}
	}
}

func (l *Layer) forget(ctx context.Context, key availability.Key) {
	l.mu.Lock()
	if el, ok := l.items[key]; ok {
		l.lru.Remove(el)
		delete(l.items, key)
	}
	l.metrics.SetCacheEntries(l.lru.Len())
	l.mu.Unlock()
	if err := l.store.Delete(ctx, key.String()); err != nil {
		l.logger.Warn().Err(err).Str("key", key.String()).Msg("cache delete failed")
	}
}

// Reconcile re-fetches key live and replaces the cached snapshot.
func (l *Layer) Reconcile(ctx context.Context, key availability.Key) (*availability.Snapshot, error) {
	fresh, err := l.refresher.Refresh(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := l.Put(ctx, fresh); err != nil {
		return fresh, err
	}
	return fresh, nil
}

// Pending lists keys served from cache since their last live refresh.
func (l *Layer) Pending() []availability.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]availability.Key, 0, len(l.pending))
	for k := range l.pending {
		keys = append(keys, k)
	}
	return keys
}

// ReconcilePending reconciles every pending key. Keys whose refresh fails
// stay pending for the next attempt.
func (l *Layer) ReconcilePending(ctx context.Context) (int, error) {
	var (
		done int
		errs []error
	)
	for _, key := range l.Pending() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := l.Reconcile(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", key, err))
			continue
		}
		done++
	}
	if done > 0 {
		l.logger.Info().Int("keys", done).Msg("reconciled cached availability")
	}
	return done, errors.Join(errs...)
}

// StaleKeys lists indexed keys whose snapshot is older than StaleAfter.
func (l *Layer) StaleKeys(now time.Time) []availability.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []availability.Key
	for el := l.lru.Front(); el != nil; el = el.Next() {
		it := el.Value.(*item)
		if now.Sub(it.fetchedAt) >= l.cfg.StaleAfter {
			keys = append(keys, it.key)
		}
	}
	return keys
}

// IsStale reports whether snap is older than the staleness threshold.
func (l *Layer) IsStale(snap *availability.Snapshot, now time.Time) bool {
	return snap.Age(now) >= l.cfg.StaleAfter
}

// Sweep drops expired entries that are not pinned and asks the store to
// purge its own expired values.
func (l *Layer) Sweep(ctx context.Context, now time.Time) (int, error) {
	var expired []availability.Key
	l.mu.Lock()
	for el := l.lru.Front(); el != nil; {
		next := el.Next()
		it := el.Value.(*item)
		if !now.Before(it.expiresAt) && !l.pinned(it, now) {
			l.lru.Remove(el)
			delete(l.items, it.key)
			expired = append(expired, it.key)
		}
		el = next
	}
	l.metrics.SetCacheEntries(l.lru.Len())
	l.mu.Unlock()

	for _, key := range expired {
		if err := l.store.Delete(ctx, key.String()); err != nil {
			return len(expired), err
		}
	}
	purged, err := l.store.DeleteExpired(ctx)
	if err != nil {
		return len(expired), fmt.Errorf("purge expired: %w", err)
	}
	if purged > len(expired) {
		return purged, nil
	}
	return len(expired), nil
}

func (l *Layer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}

func (l *Layer) Close() error {
	return l.store.Close()
}
