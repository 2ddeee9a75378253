package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/conflict"
)

const maxBodyBytes = 1 << 20

func keyFromQuery(r *http.Request) availability.Key {
	q := r.URL.Query()
	return availability.Key{
		ServiceID: q.Get("service_id"),
		ClinicID:  q.Get("clinic_id"),
		DoctorID:  q.Get("doctor_id"),
		Date:      q.Get("date"),
	}
}

func availabilityHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Availability(r.Context(), keyFromQuery(r))
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func estimateHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		est, err := svc.Estimate(keyFromQuery(r))
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, est)
	}
}

func createBookingHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conflict.Booking
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		b, c, err := svc.AcceptBooking(r.Context(), req)
		if err != nil {
			handleError(w, err)
			return
		}

		resp := BookingResponse{Booking: b, Conflicts: []conflict.Conflict{}}
		if c != nil {
			resp.Conflicts = append(resp.Conflicts, *c)
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func listConflictsHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := conflict.ParseState(r.URL.Query().Get("state"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
				return
			}
		}

		list, err := svc.ListConflicts(r.Context(), state, limit)
		if err != nil {
			handleError(w, err)
			return
		}
		if list == nil {
			list = []conflict.Conflict{}
		}
		writeJSON(w, http.StatusOK, ConflictListResponse{Conflicts: list})
	}
}

func getConflictHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_conflict_id", "id must be a valid UUID")
			return
		}

		c, events, err := svc.Conflict(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ConflictResponse{Conflict: c, Events: events})
	}
}

func resolveConflictHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_conflict_id", "id must be a valid UUID")
			return
		}

		var req conflict.Resolution
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		c, err := svc.ResolveConflict(r.Context(), id, req)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ConflictResponse{Conflict: c})
	}
}

func reconcileHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.Reconnect(r.Context())
		if err != nil {
			writeJSON(w, http.StatusBadGateway, ReconcileResponse{Reconciled: n, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ReconcileResponse{Reconciled: n})
	}
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, availability.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "invalid_key", err.Error())
	case errors.Is(err, conflict.ErrInvalidBooking):
		writeError(w, http.StatusBadRequest, "invalid_booking", err.Error())
	case errors.Is(err, conflict.ErrConflictNotFound):
		writeError(w, http.StatusNotFound, "conflict_not_found", err.Error())
	case errors.Is(err, conflict.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "booking_not_found", err.Error())
	case errors.Is(err, conflict.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, conflict.ErrStaleState):
		writeError(w, http.StatusConflict, "stale_state", "conflict changed concurrently, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
