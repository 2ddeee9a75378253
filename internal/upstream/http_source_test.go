package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-availability/internal/availability"
)

var feedKey = availability.Key{ServiceID: "gp", ClinicID: "c1", DoctorID: "d1", Date: "2026-10-19"}

func TestHTTPSourceFetchSlots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/slots", r.URL.Path)
		assert.Equal(t, "gp", r.URL.Query().Get("service_id"))
		assert.Equal(t, "c1", r.URL.Query().Get("clinic_id"))
		assert.Equal(t, "d1", r.URL.Query().Get("doctor_id"))
		assert.Equal(t, "2026-10-19", r.URL.Query().Get("date"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"slots":[{"start_time":"2026-10-19T01:00:00Z","end_time":"2026-10-19T01:30:00Z","capacity":3,"booked":1,"maintenance_flag":false}]}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", time.Second)
	slots, err := src.FetchSlots(context.Background(), feedKey)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, 3, slots[0].Capacity)
	assert.Equal(t, 1, slots[0].Booked)
	assert.True(t, slots[0].StartTime.Equal(time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC)))
}

func TestHTTPSourceOmitsWildcardFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasClinic := r.URL.Query()["clinic_id"]
		_, hasDoctor := r.URL.Query()["doctor_id"]
		assert.False(t, hasClinic)
		assert.False(t, hasDoctor)
		_, _ = w.Write([]byte(`{"slots":[]}`))
	}))
	defer srv.Close()

	slots, err := NewHTTPSource(srv.URL, time.Second).FetchSlots(context.Background(), availability.Key{ServiceID: "gp", Date: "2026-10-19"})
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestHTTPSourceFailuresAreUnreachable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusServiceUnavailable)
		}},
		{"malformed json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"slots":[{`))
		}},
		{"empty body", func(w http.ResponseWriter, _ *http.Request) {}},
		{"missing slots field", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data":[]}`))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewHTTPSource(srv.URL, 50*time.Millisecond).FetchSlots(context.Background(), feedKey)
			assert.ErrorIs(t, err, availability.ErrUnreachable)
		})
	}
}

func TestHTTPSourceConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPSource(url, time.Second).FetchSlots(context.Background(), feedKey)
	assert.ErrorIs(t, err, availability.ErrUnreachable)
}
