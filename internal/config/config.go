package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the workspace server configuration, loaded from the
// environment.
type Config struct {
	Port           string
	WorkspacesRoot string

	// Postgres connection string for workspace records.
	DatabaseURL string

	// Redis backs the lifecycle pub/sub bus and connection rate limiting.
	RedisAddr     string
	RedisPassword string

	// External habemus services.
	HAccountURI   string
	HAccountToken string
	HProjectURI   string
	HProjectToken string

	// Auth handshake window for freshly connected sockets.
	AuthTimeout time.Duration

	// Optional S3-compatible source for project version archives.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	// Websocket connections allowed per client IP per minute. Zero
	// disables rate limiting.
	ConnRateLimit int

	LogLevel string
}

// Load reads configuration from the environment. Fields without
// fallbacks are required.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "5001"),
		WorkspacesRoot: getEnv("WORKSPACES_ROOT", "/var/lib/habemus/workspaces"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		HAccountURI:    os.Getenv("H_ACCOUNT_URI"),
		HAccountToken:  os.Getenv("H_ACCOUNT_TOKEN"),
		HProjectURI:    os.Getenv("H_PROJECT_URI"),
		HProjectToken:  os.Getenv("H_PROJECT_TOKEN"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:       os.Getenv("S3_USE_SSL") == "true",
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	timeout := getEnv("AUTH_TIMEOUT", "10s")
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_TIMEOUT %q: %w", timeout, err)
	}
	cfg.AuthTimeout = d

	limit := getEnv("CONN_RATE_LIMIT", "120")
	n, err := strconv.Atoi(limit)
	if err != nil {
		return nil, fmt.Errorf("invalid CONN_RATE_LIMIT %q: %w", limit, err)
	}
	cfg.ConnRateLimit = n

	for name, value := range map[string]string{
		"DATABASE_URL":    cfg.DatabaseURL,
		"H_ACCOUNT_URI":   cfg.HAccountURI,
		"H_ACCOUNT_TOKEN": cfg.HAccountToken,
		"H_PROJECT_URI":   cfg.HProjectURI,
		"H_PROJECT_TOKEN": cfg.HProjectToken,
	} {
		if value == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
