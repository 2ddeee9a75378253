package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-availability/internal/logging"
)

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Load generator for the clinic availability API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := simConfigFromFlags(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL")).With().Str("service", "simulate").Logger()

			sim := NewSimulator(cfg, logger)
			logger.Info().
				Str("api", cfg.APIBaseURL).
				Dur("duration", cfg.Duration).
				Int("workers", cfg.Workers).
				Msg("simulation starting")

			sim.Run(cmd.Context())
			sim.Report(cmd.OutOrStdout())
			return nil
		},
	}

	f := cmd.Flags()
	f.String("api", envOr("SIM_API_BASE_URL", "http://localhost:8080"), "API base URL")
	f.Duration("duration", 30*time.Second, "how long to run")
	f.Int("workers", 10, "concurrent workers")
	f.Float64("read-ratio", 0.6, "share of availability and estimate reads")
	f.Float64("booking-ratio", 0.3, "share of booking submissions")
	f.Float64("resolve-ratio", 0.1, "share of manual conflict resolutions")
	f.StringSlice("services", []string{"gp", "dental", "physio"}, "service ids")
	f.Int("clinics", 5, "number of clinics")
	f.Int("doctors", 4, "doctors per clinic")
	f.Int("days", 3, "days ahead to spread traffic over")
	f.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	return cmd
}

func simConfigFromFlags(cmd *cobra.Command) (SimConfig, error) {
	f := cmd.Flags()
	cfg := SimConfig{}
	cfg.APIBaseURL, _ = f.GetString("api")
	cfg.Duration, _ = f.GetDuration("duration")
	cfg.Workers, _ = f.GetInt("workers")
	cfg.ReadRatio, _ = f.GetFloat64("read-ratio")
	cfg.BookingRatio, _ = f.GetFloat64("booking-ratio")
	cfg.ResolveRatio, _ = f.GetFloat64("resolve-ratio")
	cfg.Services, _ = f.GetStringSlice("services")
	cfg.Clinics, _ = f.GetInt("clinics")
	cfg.DoctorsPerClinic, _ = f.GetInt("doctors")
	cfg.Days, _ = f.GetInt("days")
	cfg.Seed, _ = f.GetUint64("seed")
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	if err := cfg.normalize(); err != nil {
		return SimConfig{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
