package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/engine"
)

var key = availability.Key{ServiceID: "gp", ClinicID: "c1", DoctorID: "d1", Date: "2026-10-19"}

func loadConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	t.Setenv("APP_ENV", "dev")
	t.Setenv("UPSTREAM_MODE", "fake")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_URL", "")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestBuildWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t, map[string]string{
		"REDIS_ADDR":    mr.Addr(),
		"CACHE_BACKEND": "redis",
	})

	rt, err := Build(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Pool)
	assert.Nil(t, rt.PostgresCheck())
	require.NotNil(t, rt.RedisCheck())
	assert.NoError(t, rt.RedisCheck()(context.Background()))

	v, err := rt.Service.Availability(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, engine.ViewLive, v.State)
	assert.Len(t, v.Slots, 16)
	assert.True(t, mr.Exists("availability:snapshot:"+key.String()))
}

func TestBuildRedisBackendRequiresRedis(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"REDIS_ADDR":    "127.0.0.1:1",
		"CACHE_BACKEND": "redis",
	})

	_, err := Build(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestBuildSQLiteWithoutRedis(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"REDIS_ADDR":        "127.0.0.1:1",
		"CACHE_BACKEND":     "sqlite",
		"CACHE_SQLITE_PATH": filepath.Join(t.TempDir(), "cache.db"),
	})

	rt, err := Build(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Redis)
	assert.Nil(t, rt.RedisCheck())

	v, err := rt.Service.Availability(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, engine.ViewLive, v.State)
}

func TestBuildOutsideDevNeedsPostgres(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"APP_ENV": "prod", "CACHE_BACKEND": "memory"})

	_, err := Build(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	assert.ErrorContains(t, err, "POSTGRES_DSN")
}
