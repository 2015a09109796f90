// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payments
	Currency         string // ISO currency code for all ledger amounts
	PlatformFeeBps   int    // platform fee in basis points (1000 = 10%)
	GatewayTimeout   time.Duration
	FrontendBaseURL  string // browser return pages after provider checkout
	StripeSecretKey  string // enables the card gateway when set
	WebhookSharedKey string // optional shared secret providers echo back

	// Reconciliation
	SweepInterval  time.Duration // how often the polling sweep runs
	StaleThreshold time.Duration // re-check transactions not checked within this window
	SweepBatchSize int

	// Tracing
	OTLPEndpoint string
}

// Defaults.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCurrency       = "RWF"
	DefaultPlatformFeeBps = 1000
	DefaultSweepBatch     = 100
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:         getEnv("CURRENCY", DefaultCurrency),
		PlatformFeeBps:   int(getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps)),
		GatewayTimeout:   getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second),
		FrontendBaseURL:  getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
		StripeSecretKey:  os.Getenv("STRIPE_SECRET_KEY"),
		WebhookSharedKey: os.Getenv("WEBHOOK_SHARED_KEY"),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		StaleThreshold:   getEnvDuration("STALE_THRESHOLD", 24*time.Hour),
		SweepBatchSize:   int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatch)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps >= 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000), got %d", c.PlatformFeeBps)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
