package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/joho/godotenv"

	"github.com/hackgods/clinic-availability/internal/db"
	"github.com/hackgods/clinic-availability/internal/logging"
	"github.com/hackgods/clinic-availability/internal/waittime"
)

const (
	firstHour = 8
	lastHour  = 20
)

func main() {
	services := flag.String("services", "gp,dental,physio,paediatrics,dermatology", "comma-separated service ids")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	flag.Parse()

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL")).With().Str("service", "seed").Logger()
	logger.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.Connect(ctx, dsn, db.PoolOptions{})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	repo := waittime.NewPgPeakRepository(pool)
	stats := peakStats(gofakeit.New(*seed), strings.Split(*services, ","))
	for i, s := range stats {
		if err := repo.Upsert(ctx, s); err != nil {
			logger.Fatal().Err(err).Int("row", i).Msg("seed peak stats")
		}
	}

	logger.Info().Int("rows", len(stats)).Msg("seed complete")
}

// peakStats builds one row per service, weekday and opening hour. Weekday
// mornings and early evenings are busiest, Sundays the quietest.
func peakStats(f *gofakeit.Faker, services []string) []waittime.PeakStat {
	var out []waittime.PeakStat
	for _, svc := range services {
		svc = strings.TrimSpace(svc)
		if svc == "" {
			continue
		}
		for day := time.Sunday; day <= time.Saturday; day++ {
			for hour := firstHour; hour <= lastHour; hour++ {
				out = append(out, waittime.PeakStat{
					ServiceID:  svc,
					DayOfWeek:  day,
					HourBucket: hour,
					Multiplier: baseline(day, hour) * f.Float64Range(0.85, 1.15),
					SampleSize: f.IntRange(5, 120),
				})
			}
		}
	}
	return out
}

func baseline(day time.Weekday, hour int) float64 {
	m := 1.0
	switch {
	case hour >= 9 && hour < 11:
		m = 1.6
	case hour >= 17 && hour < 19:
		m = 1.4
	case hour == 13:
		m = 0.8
	}
	switch day {
	case time.Sunday:
		m *= 0.6
	case time.Saturday:
		m *= 1.1
	}
	return m
}
