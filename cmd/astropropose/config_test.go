package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASTRO_HOME", dir)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(dir, "astropropose.db"), cfg.DBPath)
	assert.True(t, cfg.Scheduler)
	assert.Equal(t, time.Minute, cfg.schedulerInterval())
	assert.Equal(t, slog.LevelInfo, cfg.slogLevel())
	assert.Equal(t, "file:"+cfg.DBPath, cfg.dsn())
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASTRO_HOME", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"listen_addr": ":9000", "log_level": "debug", "scheduler": false, "vault_passphrase": "ignored"}`), 0o600))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, slog.LevelDebug, cfg.slogLevel())
	assert.False(t, cfg.Scheduler)
	assert.Empty(t, cfg.VaultPassphrase, "passphrase is never read from disk")

	t.Setenv("ASTRO_LISTEN_ADDR", ":9100")
	t.Setenv("ASTRO_SCHEDULER", "1")
	t.Setenv("ASTRO_SCHEDULER_INTERVAL", "5")
	t.Setenv("ASTRO_DB_PATH", "libsql://db.example.org")
	t.Setenv("ASTRO_VAULT_PASSPHRASE", "s3cret")

	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.True(t, cfg.Scheduler)
	assert.Equal(t, 5*time.Second, cfg.schedulerInterval())
	assert.Equal(t, "libsql://db.example.org", cfg.dsn())
	assert.Equal(t, "s3cret", cfg.VaultPassphrase)
}

func TestLoadConfigBadSettings(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASTRO_HOME", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{`), 0o600))

	_, err := loadConfig()
	require.Error(t, err)
}

func TestVaultSaltIsStable(t *testing.T) {
	t.Setenv("ASTRO_HOME", t.TempDir())

	first, err := vaultSalt()
	require.NoError(t, err)
	require.Len(t, first, 16)

	second, err := vaultSalt()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(saltPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
