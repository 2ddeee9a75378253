// Command availability-worker keeps the shared offline cache fresh and
// escalates stalled conflicts from the shared Postgres store. It holds no
// bookings of its own; drift checks after an outage run inside api-server.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/clinic-availability/internal/app"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/engine"
	"github.com/hackgods/clinic-availability/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("dev", "info")
		fallback.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "availability-worker").Logger()
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Str("cache", cfg.CacheBackend).Msg("availability worker starting up")

	if cfg.CacheBackend == "memory" {
		logger.Warn().Msg("CACHE_BACKEND=memory is not shared with api-server, only conflicts will be redriven")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buildCtx, cancelBuild := context.WithTimeout(rootCtx, 15*time.Second)
	rt, err := app.Build(buildCtx, cfg, logger, prometheus.NewRegistry())
	cancelBuild()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("error during shutdown")
		}
	}()

	rt.Service.Run(rootCtx, engine.LoopConfig{
		Interval: cfg.WorkerInterval,
		Rewarm:   true,
	})
	logger.Info().Msg("shutdown signal received, availability worker stopped")
}
