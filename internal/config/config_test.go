package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 4, cfg.Orchestrator.DefaultConcurrency)
	assert.Equal(t, 300*time.Second, cfg.Orchestrator.StepTimeout)
	assert.Equal(t, "linear", cfg.Orchestrator.RetryBackoff)
	assert.Equal(t, []string{"*"}, cfg.API.CORS)
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DAGRUN_HTTP_PORT", "9999")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("ORCH_PAUSE_ON_ERROR", "true")
	t.Setenv("ORCH_RETRY_BACKOFF", "exponential")
	t.Setenv("API_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.GetHTTPAddr())
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.True(t, cfg.Orchestrator.PauseOnError)
	assert.Equal(t, "exponential", cfg.Orchestrator.RetryBackoff)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.CORS)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.HTTPPort = 0 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }},
		{"postgres without url", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"zero concurrency", func(c *Config) { c.Orchestrator.DefaultConcurrency = 0 }},
		{"bad backoff", func(c *Config) { c.Orchestrator.RetryBackoff = "random" }},
		{"zero pool", func(c *Config) { c.Workers.PoolSize = 0 }},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true; c.Archive.Bucket = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
