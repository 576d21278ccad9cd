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
	t.Setenv("IRONPASS_STORE", "")
	os.Unsetenv("IRONPASS_STORE")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, StoreBBolt, cfg.Store)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 12*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, filepath.Join("./data", "ironpass.db"), cfg.StorePath())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("IRONPASS_STORE", StoreSQLite)
	t.Setenv("IRONPASS_DATA_DIR", "/tmp/ip")
	t.Setenv("IRONPASS_PAGE_SIZE", "7")
	t.Setenv("IRONPASS_DEV_LOG", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PageSize)
	assert.True(t, cfg.DevLog)
	assert.Equal(t, filepath.Join("/tmp/ip", "ironpass.sqlite"), cfg.StorePath())
}

func TestLoad_DotEnv(t *testing.T) {
	os.Unsetenv("IRONPASS_LOG_LEVEL")
	t.Cleanup(func() { os.Unsetenv("IRONPASS_LOG_LEVEL") })
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("IRONPASS_LOG_LEVEL=debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Store: StorePostgres, PageSize: 1}
	assert.Error(t, cfg.Validate())
	cfg.PostgresDSN = "postgres://localhost/ironpass"
	assert.NoError(t, cfg.Validate())

	cfg = &Config{Store: "redis", PageSize: 1}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Store: StoreMemory}
	assert.Error(t, cfg.Validate())
}
