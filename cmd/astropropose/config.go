package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all astropropose server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	Scheduler         bool   `json:"scheduler"`
	SchedulerInterval int    `json:"scheduler_interval_seconds"`
	ToolTimeout       int    `json:"tool_timeout_seconds"`
	MetricsNamespace  string `json:"metrics_namespace,omitempty"`

	// VaultPassphrase is read from the environment only and never persisted.
	VaultPassphrase string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(astroDir(), "astropropose.db"),
		LogLevel:          "info",
		Scheduler:         true,
		SchedulerInterval: 60,
		ToolTimeout:       60,
	}
}

func astroDir() string {
	if v := os.Getenv("ASTRO_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".astropropose"
	}
	return filepath.Join(home, ".astropropose")
}

func settingsPath() string {
	return filepath.Join(astroDir(), "settings.json")
}

func saltPath() string {
	return filepath.Join(astroDir(), "vault.salt")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ASTRO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ASTRO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ASTRO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ASTRO_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("ASTRO_SCHEDULER_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerInterval = n
		}
	}
	if v := os.Getenv("ASTRO_TOOL_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ToolTimeout = n
		}
	}
	cfg.VaultPassphrase = os.Getenv("ASTRO_VAULT_PASSPHRASE")

	return cfg, nil
}

func (c Config) isURL() bool {
	return strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://")
}

func (c Config) dsn() string {
	if c.isURL() {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

func (c Config) schedulerInterval() time.Duration {
	return time.Duration(c.SchedulerInterval) * time.Second
}

func (c Config) toolTimeout() time.Duration {
	return time.Duration(c.ToolTimeout) * time.Second
}

func (c Config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// vaultSalt returns the PBKDF2 salt, creating it on first use.
func vaultSalt() ([]byte, error) {
	path := saltPath()
	if data, err := os.ReadFile(path); err == nil && len(data) >= 16 {
		return data, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return salt, nil
}
