// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. It is built once at startup
// and treated as immutable afterwards; every tunable threshold the engines
// use lives here as a named, typed field with a documented default.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Developer escalation alerts
	DeveloperWebhookURL string // Outbound case-alert endpoint (optional)
	WebhookSecret       string // HMAC secret for signing case-alert payloads

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if empty)

	// Analysis thresholds
	MinSampleSize      int           // Completed bets required before a verdict is reliable
	SessionIdleTimeout time.Duration // Gap after which a new bet starts a new session
	AlertCooldown      time.Duration // Minimum interval between alerts per (user, operator)

	// Retention
	AuditRetention     int // Max audit/violation records kept per store
	CaseEvidenceSample int // Violations embedded in a case evidence snapshot
}

// Defaults for all tunable settings.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultMinSampleSize      = 100
	DefaultSessionIdleTimeout = 5 * time.Minute
	DefaultAlertCooldown      = 5 * time.Minute
	DefaultAuditRetention     = 10000
	DefaultCaseEvidenceSample = 10
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DeveloperWebhookURL: os.Getenv("DEVELOPER_WEBHOOK_URL"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MinSampleSize:       getEnvInt("MIN_SAMPLE_SIZE", DefaultMinSampleSize),
		SessionIdleTimeout:  getEnvDuration("SESSION_IDLE_TIMEOUT", DefaultSessionIdleTimeout),
		AlertCooldown:       getEnvDuration("ALERT_COOLDOWN", DefaultAlertCooldown),
		AuditRetention:      getEnvInt("AUDIT_RETENTION", DefaultAuditRetention),
		CaseEvidenceSample:  getEnvInt("CASE_EVIDENCE_SAMPLE", DefaultCaseEvidenceSample),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.MinSampleSize <= 0 {
		return fmt.Errorf("MIN_SAMPLE_SIZE must be positive, got %d", c.MinSampleSize)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive, got %s", c.SessionIdleTimeout)
	}
	if c.AlertCooldown < 0 {
		return fmt.Errorf("ALERT_COOLDOWN must not be negative, got %s", c.AlertCooldown)
	}
	if c.AuditRetention <= 0 {
		return fmt.Errorf("AUDIT_RETENTION must be positive, got %d", c.AuditRetention)
	}
	if c.CaseEvidenceSample <= 0 {
		return fmt.Errorf("CASE_EVIDENCE_SAMPLE must be positive, got %d", c.CaseEvidenceSample)
	}
	if c.DeveloperWebhookURL != "" && c.WebhookSecret == "" && c.Env == "production" {
		return fmt.Errorf("WEBHOOK_SECRET is required when DEVELOPER_WEBHOOK_URL is set in production")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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
