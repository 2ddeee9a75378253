package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/conflict"
	"github.com/hackgods/clinic-availability/internal/engine"
	"github.com/hackgods/clinic-availability/internal/waittime"
)

// Engine is the subset of *engine.Service the HTTP layer calls.
type Engine interface {
	Availability(ctx context.Context, key availability.Key) (engine.View, error)
	Estimate(key availability.Key) (waittime.Estimate, error)
	AcceptBooking(ctx context.Context, b conflict.Booking) (conflict.Booking, *conflict.Conflict, error)
	ResolveConflict(ctx context.Context, id uuid.UUID, r conflict.Resolution) (*conflict.Conflict, error)
	Conflict(ctx context.Context, id uuid.UUID) (*conflict.Conflict, []conflict.Event, error)
	ListConflicts(ctx context.Context, state conflict.State, limit int) ([]conflict.Conflict, error)
	Reconnect(ctx context.Context) (int, error)
}

type RouterConfig struct {
	Service  Engine
	Logger   zerolog.Logger
	Postgres Checker
	Redis    Checker
	Metrics  prometheus.Gatherer // nil disables /metrics
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(TracingMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	r.Get("/availability", availabilityHandler(cfg.Service))
	r.Get("/availability/estimate", estimateHandler(cfg.Service))

	r.Post("/bookings", createBookingHandler(cfg.Service))

	r.Route("/conflicts", func(r chi.Router) {
		r.Get("/", listConflictsHandler(cfg.Service))
		r.Get("/{id}", getConflictHandler(cfg.Service))
		r.Post("/{id}/resolve", resolveConflictHandler(cfg.Service))
	})

	r.Post("/admin/reconcile", reconcileHandler(cfg.Service))

	return r
}
