package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-availability/internal/availability"
)

func TestFakeSourceStableScheduleWithinHours(t *testing.T) {
	src := NewFakeSource(42)
	ctx := context.Background()

	first, err := src.FetchSlots(ctx, feedKey)
	require.NoError(t, err)
	require.Len(t, first, 16, "09:00-17:00 in 30 minute slots")

	open := time.Date(2026, 10, 19, 9, 0, 0, 0, availability.Zone)
	assert.True(t, first[0].StartTime.Equal(open))

	for i := 0; i < 50; i++ {
		again, err := src.FetchSlots(ctx, feedKey)
		require.NoError(t, err)
		require.Len(t, again, len(first))
		for j := range again {
			assert.True(t, again[j].StartTime.Equal(first[j].StartTime))
			assert.Equal(t, first[j].Capacity, again[j].Capacity)
			assert.GreaterOrEqual(t, again[j].Booked, 0)
			assert.LessOrEqual(t, again[j].Booked, again[j].Capacity)
		}
	}
}

func TestFakeSourceSameKeySameDayAcrossInstances(t *testing.T) {
	a, err := NewFakeSource(1).FetchSlots(context.Background(), feedKey)
	require.NoError(t, err)
	b, err := NewFakeSource(2).FetchSlots(context.Background(), feedKey)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFakeSourceOutage(t *testing.T) {
	src := NewFakeSource(1)
	src.SetOutage(true)
	_, err := src.FetchSlots(context.Background(), feedKey)
	assert.ErrorIs(t, err, ErrOutage)

	src.SetOutage(false)
	_, err = src.FetchSlots(context.Background(), feedKey)
	assert.NoError(t, err)
}

func TestFakeSourceLatencyHonoursContext(t *testing.T) {
	src := NewFakeSource(1)
	src.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := src.FetchSlots(ctx, feedKey)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
