// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything cmd/api needs to wire the service.
type Config struct {
	Addr            string
	PostgresDSN     string
	NotifierBuffer  int
	MaxBodyBytes    int64
	RateLimitPerSec float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
	TokenTTL        time.Duration

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:            getEnv("WALLETCORE_ADDR", ":8080"),
		PostgresDSN:     getEnv("WALLETCORE_PG_DSN", ""),
		NotifierBuffer:  getEnvAsInt("WALLETCORE_NOTIFIER_BUFFER", 256),
		MaxBodyBytes:    int64(getEnvAsInt("WALLETCORE_MAX_BODY_BYTES", 1<<20)),
		RateLimitPerSec: getEnvAsFloat("WALLETCORE_RATE_LIMIT_RPS", 50),
		RateLimitBurst:  getEnvAsInt("WALLETCORE_RATE_LIMIT_BURST", 100),
		ShutdownTimeout: getEnvAsDuration("WALLETCORE_SHUTDOWN_TIMEOUT", 10*time.Second),
		TokenTTL:        getEnvAsDuration("WALLETCORE_TOKEN_TTL", time.Hour),

		DBMaxOpenConns:    getEnvAsInt("WALLETCORE_DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    getEnvAsInt("WALLETCORE_DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: getEnvAsDuration("WALLETCORE_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// getEnv returns the value of the environment variable or a default value if not set.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
