package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Empty(t, cfg.DatabaseURL)
	require.Empty(t, cfg.RedisAddr)
	require.Equal(t, 5*time.Minute, cfg.FlagCacheTTL)
	require.Equal(t, time.Minute, cfg.EvalCacheTTL)
	require.Equal(t, "fnv32a", cfg.BucketStrategy)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/experiments")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("FLAG_CACHE_TTL", "30s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9090", cfg.ListenAddr())
	require.Equal(t, "postgres://localhost/experiments", cfg.DatabaseURL)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 30*time.Second, cfg.FlagCacheTTL)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-port")

	_, err := Load()
	require.Error(t, err)
}
