package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const defaultMaxUploadBytes = 50 * 1024 * 1024

type Config struct {
	AppEnv   string
	LogLevel string
	HTTPAddr string

	// inference service
	InferenceBaseURL string
	InferenceTimeout time.Duration

	// auth
	JWTSecret   string
	JWTAudience string

	// storage
	DatabaseDSN string
	RedisAddr   string
	CacheTTL    time.Duration

	// grpc health
	GRPCHealthAddr      string
	HealthProbeInterval time.Duration

	// sessions
	MaxUploadBytes   int64
	SessionTTL       time.Duration
	AnalyzePerSecond float64
	AnalyzeBurst     int
	ShutdownTimeout  time.Duration
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load(envFiles ...string) *Config {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	return &Config{
		AppEnv:              getEnv("APP_ENV", "prod"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		InferenceBaseURL:    getEnv("INFERENCE_BASE_URL", "http://localhost:8000"),
		InferenceTimeout:    getDuration("INFERENCE_TIMEOUT", 60*time.Second),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:         os.Getenv("JWT_AUDIENCE"),
		DatabaseDSN:         getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=miniminds port=5432 sslmode=disable"),
		RedisAddr:           getEnv("REDIS_ADDR", "redis:6379"),
		CacheTTL:            getDuration("CACHE_TTL", 30*time.Minute),
		GRPCHealthAddr:      getEnv("GRPC_HEALTH_ADDR", ":9090"),
		HealthProbeInterval: getDuration("HEALTH_PROBE_INTERVAL", 15*time.Second),
		MaxUploadBytes:      getInt64("MAX_UPLOAD_BYTES", defaultMaxUploadBytes),
		SessionTTL:          getDuration("SESSION_TTL", 30*time.Minute),
		AnalyzePerSecond:    getFloat("ANALYZE_RATE_PER_SECOND", 0.5),
		AnalyzeBurst:        int(getInt64("ANALYZE_RATE_BURST", 3)),
		ShutdownTimeout:     getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}
