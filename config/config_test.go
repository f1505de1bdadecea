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
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, 5*time.Minute, cfg.Funding.SweepEvery)
	assert.Equal(t, 4, cfg.Funding.SweepConcurrency)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
funding:
  sweep_every: 30s
notify:
  batch_size: 25
`), 0o600))

	t.Setenv("CREDITGATE_NOTIFY_BATCH_SIZE", "50")
	t.Setenv("DATABASE_URL", "postgres://from-env/db")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.Funding.SweepEvery)
	assert.Equal(t, 50, cfg.Notify.BatchSize, "env overrides file")
	assert.Equal(t, "postgres://from-env/db", cfg.Database.URL)
}

func TestLoad_PrefixedDatabaseURLWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://plain/db")
	t.Setenv("CREDITGATE_DATABASE_URL", "postgres://prefixed/db")
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://prefixed/db", cfg.Database.URL)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CREDITGATE_LOG_FORMAT", "xml")
	_, err := Load(New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
}
