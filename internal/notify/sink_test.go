package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/conflict"
)

var testKey = availability.Key{ServiceID: "gp", ClinicID: "c1", Date: "2026-10-19"}

func changeEvent() availability.ChangeEvent {
	return availability.ChangeEvent{
		Key: testKey,
		Seq: 4,
		At:  time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC),
		Transitions: []availability.Transition{{
			From: availability.StatusAvailable,
			To:   availability.StatusLimited,
		}},
	}
}

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, ChannelAvailabilityChanged, ChannelConflictEscalated)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, zerolog.Nop())
	sink.AvailabilityChanged(ctx, changeEvent())

	id := uuid.New()
	sink.ConflictEscalated(ctx, conflict.Escalation{ConflictID: id, Severity: conflict.SeverityHigh, Reason: "manual"})

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChannelAvailabilityChanged, msg.Channel)
	var got availability.ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, uint64(4), got.Seq)
	assert.Equal(t, testKey, got.Key)

	msg, err = sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChannelConflictEscalated, msg.Channel)
	var esc conflict.Escalation
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &esc))
	assert.Equal(t, id, esc.ConflictID)
}

func TestRedisSinkSwallowsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	var buf bytes.Buffer
	sink := NewRedisSink(client, zerolog.New(&buf))
	assert.NotPanics(t, func() { sink.AvailabilityChanged(context.Background(), changeEvent()) })
	assert.Contains(t, buf.String(), "publish notification failed")
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	var a, b bytes.Buffer
	fan := Fanout{NewLogSink(zerolog.New(&a)), NewLogSink(zerolog.New(&b))}

	fan.AvailabilityChanged(context.Background(), changeEvent())
	fan.ConflictEscalated(context.Background(), conflict.Escalation{ConflictID: uuid.New(), Kind: conflict.KindDoubleBooking})

	for _, buf := range []*bytes.Buffer{&a, &b} {
		assert.Contains(t, buf.String(), "availability changed")
		assert.Contains(t, buf.String(), "conflict escalated")
		assert.Contains(t, buf.String(), `"key":"gp:c1:*:2026-10-19"`)
	}
}
