// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Paystack
	PaystackSecretKey   string // also the webhook HMAC secret
	PaystackBaseURL     string
	PaystackCallbackURL string // hosted checkout redirect target

	// Escrow policy
	Currency           string // ISO code, single supported currency
	MinOrderKobo       int64  // orders below this principal are rejected
	ExpireAfterMinutes int64  // unpaid orders older than this are swept
	SweepSchedule      string // robfig/cron spec for the in-process sweep

	// Notifications
	NotifyEnabled bool // outbound webhook fan-out for settlement events

	// Security
	CronSecret   string // shared secret for the external expiry trigger
	AuthTokens   string // static token table ("tok=user:email:role,..."), dev only
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultPaystackBaseURL = "https://api.paystack.co"
	DefaultCurrency        = "NGN"
	DefaultMinOrderKobo    = 50000 // ₦500, escrow is for higher-value trades
	DefaultExpireMinutes   = 1440  // 24h unpaid → expired
	DefaultSweepSchedule   = "@every 5m"
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables.
// A .env file, if present, is loaded first (local development).
func Load() (*Config, error) {
	loadDotenv()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		PaystackSecretKey:   os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:     getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		PaystackCallbackURL: os.Getenv("PAYSTACK_CALLBACK_URL"),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		MinOrderKobo:        getEnvInt64("ESCROW_MIN_AMOUNT_KOBO", DefaultMinOrderKobo),
		ExpireAfterMinutes:  getEnvInt64("ESCROW_EXPIRE_AFTER_MINUTES", DefaultExpireMinutes),
		SweepSchedule:       getEnv("ESCROW_SWEEP_SCHEDULE", DefaultSweepSchedule),
		NotifyEnabled:       getEnvBool("NOTIFY_ENABLED", true),
		CronSecret:          os.Getenv("CRON_SECRET"),
		AuthTokens:          os.Getenv("AUTH_TOKENS"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.PaystackSecretKey == "" {
		return fmt.Errorf("PAYSTACK_SECRET_KEY is required")
	}
	if c.MinOrderKobo <= 0 {
		return fmt.Errorf("ESCROW_MIN_AMOUNT_KOBO must be positive")
	}
	if c.ExpireAfterMinutes <= 0 {
		return fmt.Errorf("ESCROW_EXPIRE_AFTER_MINUTES must be positive")
	}
	if c.IsProduction() && c.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required in production")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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
