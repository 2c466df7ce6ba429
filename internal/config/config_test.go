package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.OpTimeout)
	assert.EqualValues(t, 5, cfg.MaxRetries)
	assert.Equal(t, "@hourly", cfg.AuditSchedule)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FINANCE_PORT", "9090")
	t.Setenv("FINANCE_STORE", "memory")
	t.Setenv("FINANCE_OP_TIMEOUT", "250ms")
	t.Setenv("FINANCE_MAX_RETRIES", "2")
	t.Setenv("FINANCE_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.OpTimeout)
	assert.EqualValues(t, 2, cfg.MaxRetries)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FINANCE_LOG_LEVEL=debug\nFINANCE_SQLITE_PATH=/tmp/x.db\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("FINANCE_LOG_LEVEL")
		os.Unsetenv("FINANCE_SQLITE_PATH")
	})

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/x.db", cfg.SQLitePath)

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{Port: 8080, Store: StoreSQLite, OpTimeout: time.Second}
	require.NoError(t, base.Validate())

	pg := base
	pg.Store = StorePostgres
	assert.Error(t, pg.Validate())
	pg.PostgresDSN = "postgres://localhost/finance"
	assert.NoError(t, pg.Validate())

	bad := base
	bad.Store = "mongo"
	assert.Error(t, bad.Validate())

	bad = base
	bad.OpTimeout = 0
	assert.Error(t, bad.Validate())
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it changes
// the working directory for the duration of the test and restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
