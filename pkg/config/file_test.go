package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odellh/burnish/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "burnish.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadServiceConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadServiceConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIBind, cfg.API.Bind)
	assert.Equal(t, DefaultGenerationTimeout, cfg.Generation.Timeout)
	assert.Equal(t, DefaultTemplateCacheSize, cfg.Templates.CacheSize)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadServiceConfig_ParsesAndFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
api:
  enabled: true
  bind: "0.0.0.0:9000"
bus:
  enabled: true
  url: "nats://localhost:4222"
generation:
  timeout: 5s
  rate_limit: 2
agents:
  helper-bot:
    max_length: 1200
    style: professional
`)

	cfg, err := LoadServiceConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Bind)
	assert.Equal(t, "nats://localhost:4222", cfg.Bus.URL)
	assert.Equal(t, 5*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, 2.0, cfg.Generation.RateLimit)
	// Unset values keep their defaults.
	assert.Equal(t, DefaultGenerationBurst, cfg.Generation.Burst)
	assert.Equal(t, DefaultTemplateCacheTTL, cfg.Templates.CacheTTL)

	agent, ok := cfg.Agents["helper-bot"]
	require.True(t, ok)
	assert.Equal(t, 1200, agent.MaxLength)
	assert.Equal(t, StyleProfessional, agent.Style)
}

func TestLoadServiceConfig_RejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "generation:\n  rate_limit: -1\n")
	_, err := LoadServiceConfig(path)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))
}

func TestLoadServiceConfig_RejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "api: [not a map\n")
	_, err := LoadServiceConfig(path)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigParse))
}

func TestServiceConfig_ValidateLogLevel(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.Logging.MinLevel = "verbose"
	assert.Error(t, cfg.Validate())
	cfg.Logging.MinLevel = "debug"
	assert.NoError(t, cfg.Validate())
}
