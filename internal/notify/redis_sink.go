package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/conflict"
)

const publishTimeout = 2 * time.Second

// RedisSink publishes events as JSON on Redis pub/sub channels.
type RedisSink struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisSink(client *redis.Client, logger zerolog.Logger) *RedisSink {
	return &RedisSink{client: client, logger: logger}
}

func (s *RedisSink) AvailabilityChanged(ctx context.Context, ev availability.ChangeEvent) {
	s.publish(ctx, ChannelAvailabilityChanged, ev)
}

func (s *RedisSink) ConflictEscalated(ctx context.Context, ev conflict.Escalation) {
	s.publish(ctx, ChannelConflictEscalated, ev)
}

func (s *RedisSink) publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("channel", channel).Msg("encode notification")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).Msg("publish notification failed")
	}
}
