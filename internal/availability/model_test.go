package availability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     Key
		wantErr bool
	}{
		{"service and date", Key{ServiceID: "gp", Date: "2026-10-19"}, false},
		{"fully qualified", Key{ServiceID: "gp", ClinicID: "c1", DoctorID: "d1", Date: "2026-10-19"}, false},
		{"missing service", Key{Date: "2026-10-19"}, true},
		{"bad date", Key{ServiceID: "gp", Date: "19/10/2026"}, true},
		{"reserved separator", Key{ServiceID: "gp:x", Date: "2026-10-19"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidKey))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestKeyStringRoundTrip(t *testing.T) {
	keys := []Key{
		{ServiceID: "gp", Date: "2026-10-19"},
		{ServiceID: "dental", ClinicID: "tampines", Date: "2026-10-20"},
		{ServiceID: "physio", ClinicID: "jurong", DoctorID: "dr-tan", Date: "2026-10-21"},
	}
	for _, k := range keys {
		parsed, err := ParseKey(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	assert.Equal(t, "gp:*:*:2026-10-19", keys[0].String())
	_, err := ParseKey("gp:2026-10-19")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSnapshotHelpers(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)
	snap := &Snapshot{
		Key:    Key{ServiceID: "gp", Date: "2026-10-19"},
		Source: SourceLive,
		Slots: []Slot{
			{StartTime: start, EndTime: start.Add(30 * time.Minute), Capacity: 4, Booked: 3},
			{StartTime: start.Add(30 * time.Minute), EndTime: start.Add(time.Hour), Capacity: 4, Booked: 1},
		},
		FetchedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}

	assert.InDelta(t, 0.5, snap.Utilization(), 1e-9)
	assert.False(t, snap.Expired(now.Add(14*time.Minute)))
	assert.True(t, snap.Expired(now.Add(15*time.Minute)))
	assert.Equal(t, 10*time.Minute, snap.Age(now.Add(10*time.Minute)))

	_, ok := snap.Slot(start.Add(30 * time.Minute))
	assert.True(t, ok)

	cached := snap.WithSource(SourceCached)
	assert.Equal(t, SourceCached, cached.Source)
	assert.Equal(t, SourceLive, snap.Source)
	cached.Slots[0].Booked = 0
	assert.Equal(t, 3, snap.Slots[0].Booked)
}
