// Package upstream adapts clinic slot feeds to availability.Source.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hackgods/clinic-availability/internal/availability"
)

const maxBodyBytes = 4 << 20

// HTTPSource reads slots from GET {base}/slots. Every failure (transport,
// timeout, non-2xx, malformed body) wraps availability.ErrUnreachable.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

type slotsResponse struct {
	Slots []availability.RawSlot `json:"slots"`
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) FetchSlots(ctx context.Context, key availability.Key) ([]availability.RawSlot, error) {
	q := url.Values{}
	q.Set("service_id", key.ServiceID)
	q.Set("date", key.Date)
	if key.ClinicID != "" {
		q.Set("clinic_id", key.ClinicID)
	}
	if key.DoctorID != "" {
		q.Set("doctor_id", key.DoctorID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/slots?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", availability.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("%w: status %d", availability.ErrUnreachable, resp.StatusCode)
	}

	var body slotsResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		return nil, fmt.Errorf("%w: decode slots: %w", availability.ErrUnreachable, err)
	}
	if body.Slots == nil {
		return nil, fmt.Errorf("%w: response has no slots field", availability.ErrUnreachable)
	}
	return body.Slots, nil
}
