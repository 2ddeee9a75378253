package api

import (
	"github.com/hackgods/clinic-availability/internal/conflict"
)

type BookingResponse struct {
	Booking   conflict.Booking    `json:"booking"`
	Conflicts []conflict.Conflict `json:"conflicts"`
}

type ConflictResponse struct {
	Conflict *conflict.Conflict `json:"conflict"`
	Events   []conflict.Event   `json:"events,omitempty"`
}

type ConflictListResponse struct {
	Conflicts []conflict.Conflict `json:"conflicts"`
}

type ReconcileResponse struct {
	Reconciled int    `json:"reconciled"`
	Error      string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
