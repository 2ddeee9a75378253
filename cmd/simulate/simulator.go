package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/availability"
)

type SimConfig struct {
	APIBaseURL       string
	Duration         time.Duration
	Workers          int
	ReadRatio        float64
	BookingRatio     float64
	ResolveRatio     float64
	Services         []string
	Clinics          int
	DoctorsPerClinic int
	Days             int
	Seed             uint64
}

func (c *SimConfig) normalize() error {
	switch {
	case c.APIBaseURL == "":
		return errors.New("api base URL is required")
	case c.Workers <= 0:
		return errors.New("workers must be > 0")
	case c.Duration <= 0:
		return errors.New("duration must be > 0")
	case len(c.Services) == 0 || c.Clinics <= 0 || c.DoctorsPerClinic <= 0:
		return errors.New("services, clinics and doctors must be non-empty")
	}
	if c.Days <= 0 {
		c.Days = 1
	}

	total := c.ReadRatio + c.BookingRatio + c.ResolveRatio
	if total <= 0 {
		return errors.New("at least one ratio must be positive")
	}
	c.ReadRatio /= total
	c.BookingRatio /= total
	c.ResolveRatio /= total
	return nil
}

type Metrics struct {
	Availability OperationMetrics
	Estimate     OperationMetrics
	Booking      OperationMetrics
	Resolve      OperationMetrics
}

type Simulator struct {
	config  SimConfig
	client  *http.Client
	logger  zerolog.Logger
	metrics Metrics
	views   viewCounter
	raised  viewCounter // conflicts returned by POST /bookings, by state

	mu        sync.Mutex
	escalated []string
}

func NewSimulator(cfg SimConfig, logger zerolog.Logger) *Simulator {
	return &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (s *Simulator) Run(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, gofakeit.New(s.config.Seed+uint64(workerID)))
		}(i)
	}

	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, f *gofakeit.Faker) {
	for ctx.Err() == nil {
		r := f.Float64()
		switch {
		case r < s.config.ReadRatio:
			if f.Bool() {
				s.doAvailability(ctx, f)
			} else {
				s.doEstimate(ctx, f)
			}
		case r < s.config.ReadRatio+s.config.BookingRatio:
			s.doBooking(ctx, f)
		default:
			s.doResolve(ctx, f)
		}
	}
}

type target struct {
	service, clinic, doctor string
	day                     time.Time
}

func (s *Simulator) pick(f *gofakeit.Faker) target {
	clinic := f.IntN(s.config.Clinics)
	today := time.Now().In(availability.Zone)
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, availability.Zone).
		AddDate(0, 0, f.IntN(s.config.Days))
	return target{
		service: s.config.Services[f.IntN(len(s.config.Services))],
		clinic:  fmt.Sprintf("clinic-%02d", clinic),
		doctor:  fmt.Sprintf("dr-%02d-%02d", clinic, f.IntN(s.config.DoctorsPerClinic)),
		day:     day,
	}
}

func (t target) query(withDoctor bool) string {
	q := url.Values{}
	q.Set("service_id", t.service)
	q.Set("clinic_id", t.clinic)
	if withDoctor {
		q.Set("doctor_id", t.doctor)
	}
	q.Set("date", t.day.Format(availability.DateLayout))
	return q.Encode()
}

func (s *Simulator) doAvailability(ctx context.Context, f *gofakeit.Faker) {
	t := s.pick(f)
	var view struct {
		State string `json:"state"`
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/availability?"+t.query(f.Bool()), nil, &view)
	s.metrics.Availability.Record(time.Since(start), err == nil && status == http.StatusOK, false)
	if err == nil && view.State != "" {
		s.views.Add(view.State)
	}
}

func (s *Simulator) doEstimate(ctx context.Context, f *gofakeit.Faker) {
	t := s.pick(f)
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/availability/estimate?"+t.query(f.Bool()), nil, nil)
	s.metrics.Estimate.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doBooking(ctx context.Context, f *gofakeit.Faker) {
	t := s.pick(f)
	startAt := t.day.Add(time.Duration(9+f.IntN(8))*time.Hour + time.Duration(15*f.IntN(4))*time.Minute)

	priority := "ROUTINE"
	switch p := f.IntN(100); {
	case p < 5:
		priority = "EMERGENCY"
	case p < 20:
		priority = "URGENT"
	}

	body := map[string]any{
		"service_id": t.service,
		"clinic_id":  t.clinic,
		"doctor_id":  t.doctor,
		"start_time": startAt,
		"end_time":   startAt.Add(30 * time.Minute),
		"priority":   priority,
		"flexible":   f.Bool(),
	}

	var resp struct {
		Conflicts []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"conflicts"`
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/bookings", body, &resp)
	latency := time.Since(start)

	ok := err == nil && status == http.StatusCreated
	s.metrics.Booking.Record(latency, ok && len(resp.Conflicts) == 0, ok && len(resp.Conflicts) > 0)
	for _, c := range resp.Conflicts {
		s.raised.Add(c.State)
		if c.State == "ESCALATED" {
			s.pushEscalated(c.ID)
		}
	}
}

func (s *Simulator) doResolve(ctx context.Context, f *gofakeit.Faker) {
	id, ok := s.popEscalated()
	if !ok {
		s.refillEscalated(ctx)
		return
	}

	body := map[string]string{"note": "rebooked by front desk (" + f.FirstName() + ")"}
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/conflicts/"+id+"/resolve", body, nil)
	s.metrics.Resolve.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) refillEscalated(ctx context.Context) {
	var resp struct {
		Conflicts []struct {
			ID string `json:"id"`
		} `json:"conflicts"`
	}
	if _, err := s.call(ctx, http.MethodGet, "/conflicts?state=ESCALATED&limit=20", nil, &resp); err != nil {
		return
	}
	for _, c := range resp.Conflicts {
		s.pushEscalated(c.ID)
	}
	if len(resp.Conflicts) == 0 {
		// nothing to resolve yet; avoid spinning on the list endpoint
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *Simulator) pushEscalated(id string) {
	s.mu.Lock()
	s.escalated = append(s.escalated, id)
	s.mu.Unlock()
}

func (s *Simulator) popEscalated() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.escalated) == 0 {
		return "", false
	}
	id := s.escalated[len(s.escalated)-1]
	s.escalated = s.escalated[:len(s.escalated)-1]
	return id, true
}

// call sends body as JSON when non-nil and decodes a 2xx response into out.
func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, rdr)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (s *Simulator) Report(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "operation\ttotal\tok\tconflict\terror\tavg\tp50\tp95\tp99\tmax")

	rows := []struct {
		name string
		m    *OperationMetrics
	}{
		{"availability", &s.metrics.Availability},
		{"estimate", &s.metrics.Estimate},
		{"booking", &s.metrics.Booking},
		{"resolve", &s.metrics.Resolve},
	}
	for _, r := range rows {
		st := r.m.Stats()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.name, r.m.Total, r.m.Success, r.m.Conflict, r.m.Error,
			st.Avg.Round(time.Microsecond), st.P50.Round(time.Microsecond),
			st.P95.Round(time.Microsecond), st.P99.Round(time.Microsecond), st.Max.Round(time.Microsecond))
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\navailability views: %v\n", s.views.Snapshot())
	fmt.Fprintf(w, "conflicts raised by bookings: %v\n", s.raised.Snapshot())
}
