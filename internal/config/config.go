// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // shared rate-limit buckets (optional, in-process if not set)

	// Secrets
	SessionSecret       string // HS256 key for user session tokens
	ImpersonationSecret string // HMAC key for impersonation tokens
	StripeWebhookSecret string // enables POST /webhooks/stripe when set

	// Admin surface
	AdminRateLimit  int
	AdminRateWindow time.Duration
	CORSOrigins     []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultAdminRateLimit  = 20
	DefaultAdminRateWindow = 60 * time.Second

	// MinSecretLength is the minimum accepted length of signing secrets.
	MinSecretLength = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		SessionSecret:       os.Getenv("SESSION_SECRET"),
		ImpersonationSecret: os.Getenv("IMPERSONATION_SECRET"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdminRateLimit:      int(getEnvInt64("ADMIN_RATE_LIMIT", DefaultAdminRateLimit)),
		AdminRateWindow:     getEnvDuration("ADMIN_RATE_WINDOW", DefaultAdminRateWindow),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if len(c.SessionSecret) < MinSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters", MinSecretLength)
	}
	if c.ImpersonationSecret == "" {
		return fmt.Errorf("IMPERSONATION_SECRET is required")
	}
	if len(c.ImpersonationSecret) < MinSecretLength {
		return fmt.Errorf("IMPERSONATION_SECRET must be at least %d characters", MinSecretLength)
	}
	if c.ImpersonationSecret == c.SessionSecret {
		return fmt.Errorf("IMPERSONATION_SECRET must differ from SESSION_SECRET")
	}
	if c.AdminRateLimit <= 0 {
		return fmt.Errorf("ADMIN_RATE_LIMIT must be positive")
	}
	if c.AdminRateWindow <= 0 {
		return fmt.Errorf("ADMIN_RATE_WINDOW must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
