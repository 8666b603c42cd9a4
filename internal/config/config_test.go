package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.Refresh.MaxConcurrentPerDataset)
	assert.Equal(t, 60, cfg.Refresh.ManualCooldownSeconds)
	assert.Equal(t, 2, cfg.Refresh.DefaultRetryCount)
	assert.Equal(t, 120, cfg.Refresh.DefaultRetryBackoffSeconds)
	assert.Equal(t, 60, cfg.Refresh.PollIntervalSeconds)
	assert.Equal(t, 4, cfg.Refresh.SyncWorkers)
	assert.Equal(t, "https://api.powerbi.com", cfg.PowerBI.APIURL)
	assert.False(t, cfg.PowerBIConfigured())
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
refresh:
  manual_cooldown_seconds: 5
  poll_interval_seconds: 30
powerbi:
  tenant_id: tenant
  client_id: client
smtp:
  host: smtp.example.com
`), 0o644))

	t.Setenv("REFRESHFLOW_REFRESH_POLL_INTERVAL_SECONDS", "15")
	t.Setenv("REFRESHFLOW_POWERBI_CLIENT_SECRET", "s3cret")
	t.Setenv("REFRESHFLOW_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Refresh.ManualCooldownSeconds)
	assert.Equal(t, 15, cfg.Refresh.PollIntervalSeconds, "env wins over file")
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.True(t, cfg.PowerBIConfigured())
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("REFRESHFLOW_REFRESH_MAX_CONCURRENT_PER_DATASET", "0")
	t.Setenv("REFRESHFLOW_LOG_LEVEL", "loud")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_per_dataset")
	assert.Contains(t, err.Error(), "log_level")
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
