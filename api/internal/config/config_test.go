package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithRequiredKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 20, cfg.MaxRequests)
	assert.Equal(t, 5, cfg.BlacklistThreshold)
	assert.Equal(t, "memory", cfg.RateLimitBackend)
	assert.Equal(t, time.Duration(0), cfg.RetentionHorizon)
}

func TestLoad_MissingProviderKey(t *testing.T) {
	t.Setenv("CLASSIFIER_PROVIDER", "groq")
	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GROQ_API_KEY")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_requests_per_minute: 7
blacklist_threshold: 3
retention_horizon: 24h
gemini_api_key: from-file
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("BLACKLIST_THRESHOLD", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxRequests)
	assert.Equal(t, 9, cfg.BlacklistThreshold)
	assert.Equal(t, 24*time.Hour, cfg.RetentionHorizon)
	assert.Equal(t, "from-file", cfg.GeminiAPIKey)
}

func TestLoad_DurationAcceptsSeconds(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("RATE_LIMIT_WINDOW", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
}

func TestValidate_RedisBackendNeedsAddr(t *testing.T) {
	cfg := Defaults()
	cfg.GeminiAPIKey = "k"
	cfg.RateLimitBackend = "redis"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestSafeDSNSummary_HidesPassword(t *testing.T) {
	s := SafeDSNSummary("postgres://gate:secret@db:5432/gate?sslmode=disable")
	assert.Equal(t, "host=db port=5432 db=gate user=gate", s)
	assert.NotContains(t, s, "secret")
}
