// Package config loads server configuration from the environment and
// jurisdiction evidence-handling profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseDriver is "postgres" or "sqlite"; DatabaseURL is the DSN.
	DatabaseDriver string
	DatabaseURL    string

	// Content store selection is handled by content.NewStoreFromEnv; the
	// knobs the services need directly live here.
	ChunkBudget int

	SessionTTL    time.Duration
	SweepInterval time.Duration

	QueueBound    int
	MaxAttempts   int
	ReapInterval  time.Duration
	Workers       int
	LeaseDuration time.Duration

	JWTSecret string

	RateLimitRPM   int
	RateLimitBurst int
	RedisAddr      string

	ProfilesDir string
	Profile     string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DatabaseDriver: envOr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    envOr("DATABASE_URL", "file:ecl.db?_pragma=busy_timeout(5000)"),
		ChunkBudget:    envInt("OPEN_CHUNK_BUDGET", 4096),
		SessionTTL:     envDuration("SESSION_TTL", 24*time.Hour),
		SweepInterval:  envDuration("SWEEP_INTERVAL", 5*time.Minute),
		QueueBound:     envInt("QUEUE_BOUND", 10000),
		MaxAttempts:    envInt("JOB_MAX_ATTEMPTS", 3),
		ReapInterval:   envDuration("REAP_INTERVAL", 15*time.Second),
		Workers:        envInt("PIPELINE_WORKERS", 4),
		LeaseDuration:  envDuration("LEASE_DURATION", 30*time.Second),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		RateLimitRPM:   envInt("RATE_LIMIT_RPM", 600),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 60),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		ProfilesDir:    envOr("PROFILES_DIR", "profiles"),
		Profile:        os.Getenv("EVIDENCE_PROFILE"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
