package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reddwarf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
logger:
  level: debug
store:
  backend: sqlite
  path: /var/lib/reddwarf/objects.db
transaction:
  lock_wait_timeout: 2s
  max_retries: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 2*time.Second, cfg.Transaction.LockWaitTimeout)
	assert.Equal(t, 3, cfg.Transaction.MaxRetries)
	assert.Equal(t, Default().Transaction.RetryBurst, cfg.Transaction.RetryBurst)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "store:\n  backend: memory\n")
	t.Setenv("REDDWARF_STORE_BACKEND", "bolt")
	t.Setenv("REDDWARF_STORE_PATH", "/tmp/objects.bolt")
	t.Setenv("REDDWARF_TXN_MAX_RETRIES", "7")
	t.Setenv("REDDWARF_TXN_LOCK_WAIT_TIMEOUT", "150ms")
	t.Setenv("REDDWARF_LOG_LEVEL", "warn")
	t.Setenv("REDDWARF_TELEMETRY_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendBolt, cfg.Store.Backend)
	assert.Equal(t, "/tmp/objects.bolt", cfg.Store.Path)
	assert.Equal(t, 7, cfg.Transaction.MaxRetries)
	assert.Equal(t, 150*time.Millisecond, cfg.Transaction.LockWaitTimeout)
	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	_, err = Load(writeFile(t, "store: [not a map"))
	require.ErrorContains(t, err, "parse config")

	t.Setenv("REDDWARF_TXN_MAX_RETRIES", "many")
	_, err = Load("")
	require.ErrorContains(t, err, "parse env")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Store.Backend = BackendPostgres
	require.ErrorContains(t, cfg.Validate(), "store.dsn")

	cfg.Store.Backend = BackendBolt
	require.ErrorContains(t, cfg.Validate(), "store.path")

	cfg.Store.Backend = "etcd"
	cfg.Transaction.MaxRetries = -1
	err := cfg.Validate()
	require.ErrorContains(t, err, "unknown store backend")
	require.ErrorContains(t, err, "max_retries")
}
