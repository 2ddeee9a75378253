// Package app assembles the engine and its backing stores from config.
// The API server and the availability worker share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/cache"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/conflict"
	"github.com/hackgods/clinic-availability/internal/db"
	"github.com/hackgods/clinic-availability/internal/engine"
	"github.com/hackgods/clinic-availability/internal/metrics"
	"github.com/hackgods/clinic-availability/internal/notify"
	redisclient "github.com/hackgods/clinic-availability/internal/redis"
	"github.com/hackgods/clinic-availability/internal/upstream"
	"github.com/hackgods/clinic-availability/internal/waittime"
)

// Runtime owns every connection opened by Build.
type Runtime struct {
	Service *engine.Service
	Pool    *pgxpool.Pool // nil without POSTGRES_DSN in dev
	Redis   *redis.Client // nil when Redis is optional and unreachable
	Metrics *metrics.Metrics
}

// Build connects to Postgres and Redis, builds every component and warms
// the offline cache and the peak table.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*Runtime, error) {
	rt := &Runtime{Metrics: metrics.New(reg)}

	if cfg.PostgresDSN == "" && !cfg.IsDev() {
		return nil, cfg.RequirePostgres()
	}
	if cfg.PostgresDSN != "" {
		pool, err := db.Connect(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: int32(cfg.PostgresMaxConn)})
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		logger.Info().Msg("connected to Postgres")
	} else {
		logger.Warn().Msg("POSTGRES_DSN unset, conflicts are kept in memory")
	}

	rdb, err := redisclient.New(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	switch {
	case err == nil:
		rt.Redis = rdb
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	case cfg.CacheBackend == "redis":
		rt.Close()
		return nil, err
	default:
		logger.Warn().Err(err).Msg("redis unavailable, running without distributed locks or pub/sub")
	}

	sinks := notify.Fanout{notify.NewLogSink(logger)}
	if rt.Redis != nil {
		sinks = append(sinks, notify.NewRedisSink(rt.Redis, logger))
	}

	trackerOpts := []availability.TrackerOption{
		availability.WithPublisher(sinks),
		availability.WithLogger(logger.With().Str("component", "tracker").Logger()),
		availability.WithMetrics(rt.Metrics),
	}
	if rt.Redis != nil {
		trackerOpts = append(trackerOpts, availability.WithLocker(redisclient.NewKeyLocker(rt.Redis, cfg.LockTTL, cfg.LockWait)))
	}
	tracker := availability.NewTracker(
		newSource(cfg),
		availability.NewStore(availability.NewPolicy(cfg.WaitlistServices)),
		availability.TrackerConfig{
			Timeout:  cfg.RefreshTimeout,
			Attempts: cfg.RefreshAttempts,
			Backoff:  cfg.RefreshBackoff,
			Expiry:   availability.ExpiryPolicy{Min: cfg.CacheMinTTL, Max: cfg.CacheMaxTTL},
		},
		trackerOpts...,
	)

	store, err := newCacheStore(cfg, rt.Redis)
	if err != nil {
		rt.Close()
		return nil, err
	}
	layer := cache.NewLayer(store, tracker, cache.Config{
		MinTTL:     cfg.CacheMinTTL,
		MaxTTL:     cfg.CacheMaxTTL,
		StaleAfter: cfg.CacheStaleAfter,
		MaxEntries: cfg.CacheMaxEntries,
		PinGrace:   cfg.CachePinGrace,
	}, cache.WithLogger(logger.With().Str("component", "cache").Logger()), cache.WithMetrics(rt.Metrics))
	if n, err := layer.Warm(ctx); err != nil {
		logger.Warn().Err(err).Msg("cache warm-up failed")
	} else {
		logger.Info().Int("entries", n).Str("backend", cfg.CacheBackend).Msg("offline cache warmed")
	}

	var repo conflict.Repository = conflict.NewMemoryRepository()
	var peaks engine.PeakLoader
	if rt.Pool != nil {
		repo = conflict.NewPgRepository(rt.Pool)
		peaks = waittime.NewPgPeakRepository(rt.Pool)
	}

	detector := conflict.NewDetector(conflict.NewLedger(), repo, tracker, conflict.Config{
		Severity:      conflict.SeverityPolicy{Medium: cfg.MediumOverlap, High: cfg.HighOverlap},
		LookAhead:     cfg.LookAhead,
		ResolveBudget: cfg.ResolveBudget,
		SearchTimeout: cfg.RefreshTimeout,
		StuckAfter:    cfg.StuckAfter,
	},
		conflict.WithNotifier(sinks),
		conflict.WithLogger(logger.With().Str("component", "conflict").Logger()),
		conflict.WithMetrics(rt.Metrics),
	)

	table := waittime.NewMemoryPeakTable()
	estimator := waittime.NewEstimator(tracker.Store(), table, detector.Ledger(), waittime.Config{
		AvgServiceMinutes:     cfg.AvgServiceMinutes,
		MinConfidence:         cfg.MinConfidence,
		MaxConfidence:         cfg.MaxConfidence,
		FullConfidenceSamples: cfg.FullConfidenceSamples,
		DefaultMinWait:        cfg.DefaultMinWait,
		DefaultMaxWait:        cfg.DefaultMaxWait,
		MinRangeMinutes:       cfg.MinRangeMinutes,
		Location:              availability.Zone,
	}, rt.Metrics)

	rt.Service = engine.NewService(engine.Deps{
		Tracker:   tracker,
		Cache:     layer,
		Detector:  detector,
		Estimator: estimator,
		PeakTable: table,
		Peaks:     peaks,
		Logger:    logger.With().Str("component", "engine").Logger(),
		Metrics:   rt.Metrics,
	}, engine.Config{PollConcurrency: cfg.PollConcurrency})

	if n, err := rt.Service.ReloadPeaks(ctx); err != nil {
		logger.Warn().Err(err).Msg("peak table load failed, estimates use defaults")
	} else {
		logger.Info().Int("rows", n).Msg("peak table loaded")
	}

	return rt, nil
}

func newSource(cfg config.Config) availability.Source {
	if cfg.UpstreamMode == "fake" {
		return upstream.NewFakeSource(cfg.FakeSeed)
	}
	return upstream.NewHTTPSource(cfg.UpstreamURL, cfg.RefreshTimeout)
}

func newCacheStore(cfg config.Config, rdb *redis.Client) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("CACHE_BACKEND=redis needs a reachable Redis")
		}
		return cache.NewRedisStore(rdb), nil
	case "sqlite":
		s, err := cache.NewSQLiteStore(cfg.CacheSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, nil
	default:
		return cache.NewMemoryStore(), nil
	}
}

// PostgresCheck and RedisCheck adapt the runtime's connections for the
// readiness check. They return nil when the dependency is not configured.
func (rt *Runtime) PostgresCheck() func(context.Context) error {
	if rt.Pool == nil {
		return nil
	}
	return rt.Pool.Ping
}

func (rt *Runtime) RedisCheck() func(context.Context) error {
	if rt.Redis == nil {
		return nil
	}
	return func(ctx context.Context) error { return rt.Redis.Ping(ctx).Err() }
}

// Close stops the engine and releases connections. It is safe on a
// partially built Runtime.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Service != nil {
		errs = append(errs, rt.Service.Close())
	}
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
	return errors.Join(errs...)
}
