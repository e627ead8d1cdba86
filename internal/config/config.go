// Package config loads engine configuration from the environment.
//
// A .env file in the working directory is applied first when present, so
// local development does not need exported shell variables. Every field
// has a default; the zero configuration runs fully in memory.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the engine process.
type Config struct {
	Server struct {
		Host string `env:"SERVER_HOST,default=0.0.0.0"`
		Port int    `env:"SERVER_PORT,default=8080"`
	}

	// DatabaseURL selects the PostgreSQL store. Empty runs the engine on
	// the in-memory store, which does not survive restarts.
	DatabaseURL string `env:"DATABASE_URL,default="`

	// RedisAddr selects the shared evaluation cache. Empty falls back to
	// an in-process TTL cache.
	RedisAddr     string `env:"REDIS_ADDR,default="`
	RedisPassword string `env:"REDIS_PASSWORD,default="`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	Log struct {
		Level  string `env:"LOG_LEVEL,default=info"`
		Format string `env:"LOG_FORMAT,default=json"`
		Output string `env:"LOG_OUTPUT,default=stdout"`
	}

	// FlagCacheTTL bounds how stale a cached flag configuration may be.
	FlagCacheTTL time.Duration `env:"FLAG_CACHE_TTL,default=5m"`
	// EvalCacheTTL bounds how stale a cached per-user evaluation may be.
	EvalCacheTTL time.Duration `env:"EVAL_CACHE_TTL,default=1m"`

	// BucketStrategy names the hash used for deterministic assignment.
	// Changing it reshuffles every user; keep it stable per deployment.
	BucketStrategy string `env:"BUCKET_STRATEGY,default=fnv32a"`
}

// Load reads configuration from .env (if present) and the process
// environment.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
