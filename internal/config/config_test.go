package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "SERVER_HOST", "SERVER_PORT",
		"DERIBIT_ENV", "DERIBIT_CLIENT_ID", "DERIBIT_CLIENT_SECRET",
		"DERIBIT_HTTP_TIMEOUT", "DERIBIT_MAX_RPS",
		"DERIBIT_CACHE_TTL_FAST", "DERIBIT_CACHE_TTL_SLOW",
		"DERIBIT_DRY_RUN", "DERIBIT_ENABLE_PRIVATE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, TestBaseURL, cfg.BaseURL())
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 8.0, cfg.MaxRPS)
	assert.True(t, cfg.DryRun)
	assert.False(t, cfg.EnablePrivate)
	assert.False(t, cfg.HasCredentials())
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DERIBIT_ENV", "prod")
	t.Setenv("DERIBIT_CLIENT_ID", "cid")
	t.Setenv("DERIBIT_CLIENT_SECRET", "secret")
	t.Setenv("DERIBIT_HTTP_TIMEOUT", "30")
	t.Setenv("DERIBIT_CACHE_TTL_FAST", "500ms")
	t.Setenv("DERIBIT_DRY_RUN", "false")
	t.Setenv("DERIBIT_ENABLE_PRIVATE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, ProdBaseURL, cfg.BaseURL())
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout, "bare numbers parse as seconds")
	assert.Equal(t, 500*time.Millisecond, cfg.CacheTTLFast)
	assert.False(t, cfg.DryRun)
	assert.True(t, cfg.EnablePrivate)
	assert.True(t, cfg.HasCredentials())
}

func TestLoadYAMLFileThenEnvWins(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7070\nhost: 127.0.0.1\nmax_rps: 4\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "7171")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7171, cfg.Port, "environment overrides the file")
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 4.0, cfg.MaxRPS)
}

func TestLoadRejectsBadEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DERIBIT_ENV", "staging")

	_, err := Load()
	assert.ErrorContains(t, err, "DERIBIT_ENV")
}

func TestLoadRejectsPrivateWithoutCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("DERIBIT_ENABLE_PRIVATE", "true")

	_, err := Load()
	assert.ErrorContains(t, err, "private tools enabled")
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "***", Mask("short"))
	assert.Equal(t, "abc...yz", Mask("abcdefghixyz"))
}

func TestSummaryMasksSecrets(t *testing.T) {
	cfg := Config{ClientID: "verysecretclientid", ClientSecret: "hushhushhush", Environment: "test"}

	summary := cfg.Summary()
	assert.Equal(t, "ver...id", summary["client_id"])
	assert.NotContains(t, summary, "client_secret")
}
