package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "reserve", cfg.SettlementMode)
	assert.Equal(t, "overwrite", cfg.ReregisterPolicy)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, int64(5<<20), cfg.MaxResponseBytes)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.True(t, cfg.AutoMigrate)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GATEWAY_SETTLEMENT_MODE", "post")
	t.Setenv("GATEWAY_UPSTREAM_TIMEOUT", "5s")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("WALLET_RATE_LIMIT_PER_MINUTE", "120")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "post", cfg.SettlementMode)
	assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 120, cfg.WalletRateLimitPerMin)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("GATEWAY_UPSTREAM_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func validConfig() Config {
	return Config{
		Port:             "8080",
		Env:              "development",
		PublicBaseURL:    "http://localhost:8080",
		SettlementMode:   "reserve",
		ReregisterPolicy: "overwrite",
		UpstreamTimeout:  time.Second,
		MaxRequestBytes:  1024,
		MaxResponseBytes: 1024,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing port", func(c *Config) { c.Port = "" }, "PORT is required"},
		{"bad mode", func(c *Config) { c.SettlementMode = "eventually" }, "GATEWAY_SETTLEMENT_MODE"},
		{"bad policy", func(c *Config) { c.ReregisterPolicy = "merge" }, "GATEWAY_REREGISTER_POLICY"},
		{"zero timeout", func(c *Config) { c.UpstreamTimeout = 0 }, "GATEWAY_UPSTREAM_TIMEOUT"},
		{"zero request cap", func(c *Config) { c.MaxRequestBytes = 0 }, "GATEWAY_MAX_REQUEST_BYTES"},
		{"zero body cap", func(c *Config) { c.MaxResponseBytes = 0 }, "GATEWAY_MAX_RESPONSE_BYTES"},
		{"negative limit", func(c *Config) { c.RateLimitRPM = -1 }, "must not be negative"},
		{"relative base url", func(c *Config) { c.PublicBaseURL = "/gw" }, "PUBLIC_BASE_URL"},
		{"production needs secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET"},
		{"production with secret", func(c *Config) { c.Env = "production"; c.AdminSecret = "s" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}
