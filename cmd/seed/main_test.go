package main

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
)

func TestPeakStatsCoversEveryBucket(t *testing.T) {
	stats := peakStats(gofakeit.New(7), []string{"gp", " dental ", ""})

	assert.Len(t, stats, 2*7*(lastHour-firstHour+1))
	for _, s := range stats {
		assert.Contains(t, []string{"gp", "dental"}, s.ServiceID)
		assert.GreaterOrEqual(t, s.HourBucket, firstHour)
		assert.LessOrEqual(t, s.HourBucket, lastHour)
		assert.Greater(t, s.Multiplier, 0.0)
		assert.GreaterOrEqual(t, s.SampleSize, 5)
		assert.LessOrEqual(t, s.SampleSize, 120)
	}
}

func TestPeakStatsDeterministicPerSeed(t *testing.T) {
	a := peakStats(gofakeit.New(99), []string{"gp"})
	b := peakStats(gofakeit.New(99), []string{"gp"})
	assert.Equal(t, a, b)
}

func TestBaselineShape(t *testing.T) {
	assert.Greater(t, baseline(time.Monday, 9), baseline(time.Monday, 14))
	assert.Less(t, baseline(time.Sunday, 9), baseline(time.Monday, 9))
}
