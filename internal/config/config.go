// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port          string `envconfig:"PORT" default:"8080"`
	Env           string `envconfig:"ENV" default:"development"` // "development", "staging", "production"
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"json"`
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`

	// Storage. Without DATABASE_URL everything lives in memory.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`
	RedisURL    string `envconfig:"REDIS_URL"`

	// Security
	AdminSecret             string        `envconfig:"ADMIN_SECRET"`
	CORSOrigins             []string      `envconfig:"CORS_ORIGINS"`
	RateLimitRPM            int           `envconfig:"RATE_LIMIT_RPM" default:"600"`
	WalletRateLimitPerMin   int           `envconfig:"WALLET_RATE_LIMIT_PER_MINUTE" default:"0"`
	BlockPrivateUpstreams   bool          `envconfig:"GATEWAY_BLOCK_PRIVATE_UPSTREAMS" default:"false"`
	ReregisterPolicy        string        `envconfig:"GATEWAY_REREGISTER_POLICY" default:"overwrite"`
	SettlementMode          string        `envconfig:"GATEWAY_SETTLEMENT_MODE" default:"reserve"`
	UpstreamTimeout         time.Duration `envconfig:"GATEWAY_UPSTREAM_TIMEOUT" default:"30s"`
	MaxRequestBytes         int64         `envconfig:"GATEWAY_MAX_REQUEST_BYTES" default:"5242880"`
	MaxResponseBytes        int64         `envconfig:"GATEWAY_MAX_RESPONSE_BYTES" default:"5242880"`
	CircuitBreakerThreshold int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
	CircuitBreakerOpen      time.Duration `envconfig:"CIRCUIT_BREAKER_OPEN_DURATION" default:"30s"`

	// Background work
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	SeedFile          string        `envconfig:"SEED_FILE"`

	// Tracing. Empty disables export.
	OTLPEndpoint     string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRatio float64 `envconfig:"OTEL_TRACES_SAMPLE_RATIO" default:"1"`
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	switch strings.ToLower(c.SettlementMode) {
	case "reserve", "post":
	default:
		return fmt.Errorf("GATEWAY_SETTLEMENT_MODE must be reserve or post, got %q", c.SettlementMode)
	}

	switch strings.ToLower(c.ReregisterPolicy) {
	case "overwrite", "reject", "owner":
	default:
		return fmt.Errorf("GATEWAY_REREGISTER_POLICY must be overwrite, reject or owner, got %q", c.ReregisterPolicy)
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("GATEWAY_UPSTREAM_TIMEOUT must be positive")
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("GATEWAY_MAX_REQUEST_BYTES must be positive")
	}
	if c.MaxResponseBytes <= 0 {
		return fmt.Errorf("GATEWAY_MAX_RESPONSE_BYTES must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.CircuitBreakerThreshold < 0 || c.RateLimitRPM < 0 || c.WalletRateLimitPerMin < 0 {
		return fmt.Errorf("rate limits and circuit breaker threshold must not be negative")
	}

	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL")
		}
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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
