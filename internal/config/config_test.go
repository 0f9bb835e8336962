package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distboard/distboard/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, types.DefaultRateLimit(), cfg.RateLimit)
}

func TestLoadReadsFileAndAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listenAddr: ":7070"
storage:
  backend: local
  dataDir: /tmp/distboard
rateLimit:
  maxRequestsPerMinute: 20
  maxConcurrent: 3
  minDelayMs: 100
  maxDelayMs: 5000
  backoffMultiplier: 1.5
`), 0o600))

	t.Setenv(EnvListenAddr, ":6060")
	t.Setenv(EnvRateLimitRPM, "45")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment wins over the file.
	assert.Equal(t, ":6060", cfg.Server.ListenAddr)
	assert.Equal(t, 45, cfg.RateLimit.MaxRequestsPerMinute)
	// File wins over defaults.
	assert.Equal(t, "/tmp/distboard", cfg.Storage.DataDir)
	assert.Equal(t, 3, cfg.RateLimit.MaxConcurrent)
	// Untouched defaults survive.
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv(EnvStorageBackend, "floppy")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRateLimit(t *testing.T) {
	assert.NoError(t, ValidateRateLimit(types.DefaultRateLimit()))

	bad := types.DefaultRateLimit()
	bad.MaxRequestsPerMinute = 0
	assert.Error(t, ValidateRateLimit(bad))

	bad = types.DefaultRateLimit()
	bad.MaxConcurrent = 100
	assert.Error(t, ValidateRateLimit(bad))

	bad = types.DefaultRateLimit()
	bad.MinDelayMs = 5000
	bad.MaxDelayMs = 1000
	assert.Error(t, ValidateRateLimit(bad))

	bad = types.DefaultRateLimit()
	bad.BackoffMultiplier = 0.5
	assert.Error(t, ValidateRateLimit(bad))
}
