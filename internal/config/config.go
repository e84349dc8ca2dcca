package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the service reads from the environment. It is
// loaded once in main and injected, never consulted as ambient state.
type Config struct {
	HTTPAddr        string
	DatabaseDSN     string
	RedisAddr       string
	MLServiceURL    string
	MLTimeout       time.Duration
	MaxUploadBytes  int64
	JWTSecret       string
	JWTAudience     string
	ShutdownTimeout time.Duration
	HistoryCacheTTL time.Duration
}

// Load reads the environment, applying the same defaults the compose setup
// uses.
func Load() Config {
	return Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:     getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=realcheck port=5432 sslmode=disable"),
		RedisAddr:       getEnv("REDIS_ADDR", "redis:6379"),
		MLServiceURL:    getEnv("ML_SERVICE_URL", "http://ml-service:8000"),
		MLTimeout:       getDuration("ML_TIMEOUT", 30*time.Second),
		MaxUploadBytes:  getInt64("MAX_UPLOAD_BYTES", 5<<20),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		HistoryCacheTTL: getDuration("HISTORY_CACHE_TTL", time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
