package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/api"
	"github.com/hackgods/clinic-availability/internal/app"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/engine"
	"github.com/hackgods/clinic-availability/internal/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("dev", "info")
		fallback.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "api-server").Logger()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("api-server exited")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("upstream", cfg.UpstreamMode).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	buildCtx, cancelBuild := context.WithTimeout(rootCtx, 15*time.Second)
	rt, err := app.Build(buildCtx, cfg, logger, reg)
	cancelBuild()
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("error during shutdown")
		}
	}()

	// Polling, reconnect reconciliation and conflict redrive act on the
	// same in-memory state the handlers write, so they run here.
	loopCtx, stopLoop := context.WithCancel(rootCtx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		rt.Service.Run(loopCtx, engine.LoopConfig{
			Interval:        cfg.WorkerInterval,
			PeakReloadEvery: cfg.PeakReloadEvery,
		})
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service:  rt.Service,
			Logger:   logger,
			Postgres: rt.PostgresCheck(),
			Redis:    rt.RedisCheck(),
			Metrics:  reg,
			Env:      cfg.Env,
			Version:  version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	logger.Info().Msg("api-server stopped")
	return serveErr
}
