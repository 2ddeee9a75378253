package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/conflict"
	"github.com/hackgods/clinic-availability/internal/engine"
	"github.com/hackgods/clinic-availability/internal/metrics"
	"github.com/hackgods/clinic-availability/internal/waittime"
)

type stubEngine struct {
	view       engine.View
	viewErr    error
	estimate   waittime.Estimate
	accepted   conflict.Booking
	conflict   *conflict.Conflict
	acceptErr  error
	resolveErr error
	getErr     error
	events     []conflict.Event
	list       []conflict.Conflict
	reconciled int
	reconErr   error

	gotKey        availability.Key
	gotBooking    conflict.Booking
	gotState      conflict.State
	gotLimit      int
	gotResolution conflict.Resolution
}

func (s *stubEngine) Availability(_ context.Context, key availability.Key) (engine.View, error) {
	s.gotKey = key
	if err := key.Validate(); err != nil {
		return engine.View{}, err
	}
	return s.view, s.viewErr
}

func (s *stubEngine) Estimate(key availability.Key) (waittime.Estimate, error) {
	s.gotKey = key
	if err := key.Validate(); err != nil {
		return waittime.Estimate{}, err
	}
	return s.estimate, nil
}

func (s *stubEngine) AcceptBooking(_ context.Context, b conflict.Booking) (conflict.Booking, *conflict.Conflict, error) {
	s.gotBooking = b
	if s.acceptErr != nil {
		return conflict.Booking{}, nil, s.acceptErr
	}
	return s.accepted, s.conflict, nil
}

func (s *stubEngine) ResolveConflict(_ context.Context, id uuid.UUID, r conflict.Resolution) (*conflict.Conflict, error) {
	s.gotResolution = r
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	return &conflict.Conflict{ID: id, State: conflict.StateResolved, Resolution: r.Note}, nil
}

func (s *stubEngine) Conflict(_ context.Context, id uuid.UUID) (*conflict.Conflict, []conflict.Event, error) {
	if s.getErr != nil {
		return nil, nil, s.getErr
	}
	return &conflict.Conflict{ID: id, State: conflict.StateEscalated}, s.events, nil
}

func (s *stubEngine) ListConflicts(_ context.Context, state conflict.State, limit int) ([]conflict.Conflict, error) {
	s.gotState, s.gotLimit = state, limit
	return s.list, nil
}

func (s *stubEngine) Reconnect(context.Context) (int, error) {
	return s.reconciled, s.reconErr
}

func newTestRouter(svc Engine) http.Handler {
	return NewRouter(RouterConfig{Service: svc, Logger: zerolog.Nop(), Env: "test", Version: "v0"})
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAvailabilityEndpoint(t *testing.T) {
	svc := &stubEngine{view: engine.View{State: engine.ViewCached, Slots: []availability.Slot{}}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/availability?service_id=gp&clinic_id=c1&date=2026-10-19", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, availability.Key{ServiceID: "gp", ClinicID: "c1", Date: "2026-10-19"}, svc.gotKey)

	var view engine.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, engine.ViewCached, view.State)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAvailabilityEndpointInvalidKey(t *testing.T) {
	h := newTestRouter(&stubEngine{})

	rec := do(t, h, http.MethodGet, "/availability?date=2026-10-19", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_key", decodeError(t, rec).Error)
}

func TestEstimateEndpoint(t *testing.T) {
	svc := &stubEngine{estimate: waittime.Estimate{MinMinutes: 10, MaxMinutes: 25, Confidence: 0.7}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/availability/estimate?service_id=gp&date=2026-10-19", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var est waittime.Estimate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &est))
	assert.Equal(t, 10, est.MinMinutes)
	assert.Equal(t, 25, est.MaxMinutes)
}

func TestCreateBooking(t *testing.T) {
	id := uuid.New()
	c := &conflict.Conflict{ID: uuid.New(), Kind: conflict.KindDoubleBooking, State: conflict.StateEscalated}
	svc := &stubEngine{accepted: conflict.Booking{ID: id, DoctorID: "d1"}, conflict: c}
	h := newTestRouter(svc)

	body := `{"service_id":"gp","clinic_id":"c1","doctor_id":"d1","start_time":"2026-10-19T09:00:00+08:00","end_time":"2026-10-19T09:30:00+08:00","flexible":true}`
	rec := do(t, h, http.MethodPost, "/bookings", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, "d1", svc.gotBooking.DoctorID)
	assert.True(t, svc.gotBooking.Flexible)
	assert.True(t, svc.gotBooking.Start.Equal(time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC)))

	var resp BookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Booking.ID)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, c.ID, resp.Conflicts[0].ID)
}

func TestCreateBookingErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"malformed json", `{"doctor_id":`, nil, http.StatusBadRequest, "invalid_request_body"},
		{"invalid booking", `{}`, fmt.Errorf("%w: doctor_id is required", conflict.ErrInvalidBooking), http.StatusBadRequest, "invalid_booking"},
		{"store failure", `{}`, errors.New("db down"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&stubEngine{acceptErr: tt.err})
			rec := do(t, h, http.MethodPost, "/bookings", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestListConflicts(t *testing.T) {
	svc := &stubEngine{}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/conflicts?state=escalated&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conflict.StateEscalated, svc.gotState)
	assert.Equal(t, 5, svc.gotLimit)
	assert.JSONEq(t, `{"conflicts":[]}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/conflicts?state=BOGUS", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_state", decodeError(t, rec).Error)

	rec = do(t, h, http.MethodGet, "/conflicts?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetConflict(t *testing.T) {
	id := uuid.New()
	svc := &stubEngine{events: []conflict.Event{{ConflictID: id, To: conflict.StateDetected}}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/conflicts/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConflictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Conflict.ID)
	assert.Len(t, resp.Events, 1)

	rec = do(t, h, http.MethodGet, "/conflicts/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.getErr = fmt.Errorf("get conflict: %w", conflict.ErrConflictNotFound)
	rec = do(t, h, http.MethodGet, "/conflicts/"+id.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "conflict_not_found", decodeError(t, rec).Error)
}

func TestResolveConflict(t *testing.T) {
	id := uuid.New()
	bookingID := uuid.New()
	svc := &stubEngine{}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/conflicts/"+id.String()+"/resolve",
		fmt.Sprintf(`{"note":"moved by front desk","cancel_booking_id":%q}`, bookingID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "moved by front desk", svc.gotResolution.Note)
	assert.Equal(t, bookingID, svc.gotResolution.CancelBookingID)

	rec = do(t, h, http.MethodPost, "/conflicts/"+id.String()+"/resolve", "")
	assert.Equal(t, http.StatusOK, rec.Code, "empty body resolves with the default note")
}

func TestResolveConflictErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", conflict.ErrConflictNotFound, http.StatusNotFound, "conflict_not_found"},
		{"not escalated", fmt.Errorf("%w: RESOLVED -> RESOLVED", conflict.ErrInvalidTransition), http.StatusConflict, "invalid_transition"},
		{"raced", conflict.ErrStaleState, http.StatusConflict, "stale_state"},
		{"foreign booking", conflict.ErrBookingNotFound, http.StatusNotFound, "booking_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&stubEngine{resolveErr: tt.err})
			rec := do(t, h, http.MethodPost, "/conflicts/"+uuid.NewString()+"/resolve", `{}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestReconcileEndpoint(t *testing.T) {
	svc := &stubEngine{reconciled: 3}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/admin/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reconciled":3}`, rec.Body.String())

	svc.reconErr = errors.New("reconcile gp:*:*:2026-10-19: upstream down")
	rec = do(t, h, http.MethodPost, "/admin/reconcile", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealth(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	tests := []struct {
		name     string
		postgres Checker
		redis    Checker
		status   int
		want     string
	}{
		{"all up", up, up, http.StatusOK, "ok"},
		{"redis down", up, down, http.StatusOK, "degraded"},
		{"postgres down", down, up, http.StatusServiceUnavailable, "error"},
		{"no postgres configured", nil, up, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{Service: &stubEngine{}, Logger: zerolog.Nop(), Postgres: tt.postgres, Redis: tt.redis})
			rec := do(t, h, http.MethodGet, "/health/ready", "")
			assert.Equal(t, tt.status, rec.Code)

			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Status)
		})
	}

	rec := do(t, newTestRouter(&stubEngine{}), http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveConflict("DOUBLE_BOOKING", "HIGH")

	h := NewRouter(RouterConfig{Service: &stubEngine{}, Logger: zerolog.Nop(), Metrics: reg})
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "DOUBLE_BOOKING")
}

type panicEngine struct{ stubEngine }

func (panicEngine) Reconnect(context.Context) (int, error) { panic("boom") }

func TestRecoveryMiddleware(t *testing.T) {
	h := newTestRouter(&panicEngine{})
	rec := do(t, h, http.MethodPost, "/admin/reconcile", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	h := newTestRouter(&stubEngine{})
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestLoggingIncludesRequestFields(t *testing.T) {
	var buf strings.Builder
	logger := zerolog.New(&buf)
	h := NewRouter(RouterConfig{Service: &stubEngine{}, Logger: logger})

	req := httptest.NewRequest(http.MethodGet, "/availability?service_id=gp&date=bad", nil)
	req.Header.Set("X-Request-ID", "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "req-42", line["request_id"])
	assert.Equal(t, "/availability", line["path"])
	assert.EqualValues(t, http.StatusBadRequest, line["status"])
}
