// Package config loads engine settings from the environment, with an
// optional .env file for local development. Every setting has a working
// default so the engine boots with no configuration at all (in-memory
// store, static oracle).
package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings for the engine.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// DatabaseURL selects the PostgreSQL store when set. Takes precedence
	// over SqlitePath.
	DatabaseURL string

	// SqlitePath selects the embedded SQLite store when set and
	// DatabaseURL is empty.
	SqlitePath string

	// RedisURL enables the read-through position cache when set.
	RedisURL string

	// OracleURL points at the price service. Empty means the static
	// in-memory oracle, for development only.
	OracleURL string

	// OracleTimeout bounds each price service request.
	OracleTimeout time.Duration

	// ReconcileInterval is the gap between position repricing sweeps.
	// Zero or negative disables the reconciler.
	ReconcileInterval time.Duration
}

// Load reads the configuration. A missing .env file is not an error;
// real environment variables always win over file values.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using environment only")
	}

	return Config{
		Port:              envOr("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SqlitePath:        os.Getenv("SQLITE_PATH"),
		RedisURL:          os.Getenv("REDIS_URL"),
		OracleURL:         os.Getenv("ORACLE_URL"),
		OracleTimeout:     durationOr("ORACLE_TIMEOUT", 10*time.Second),
		ReconcileInterval: durationOr("RECONCILE_INTERVAL", 5*time.Minute),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}
