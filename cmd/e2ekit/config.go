package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/scheduler"
	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/internal/store"
)

// Store backends.
const (
	backendFile   = "file"
	backendLibSQL = "libsql"
)

// envSecretsKey holds the passphrase for the sealed credentials file.
// It is read from the environment only and never written to settings.
const envSecretsKey = secrets.EnvSealedKey

// Config holds the e2ekit CLI configuration.
// Priority: env vars > .e2ekit/settings.json > defaults.
type Config struct {
	ProjectRoot   string `json:"-"`
	StoreBackend  string `json:"store_backend"`
	StorePath     string `json:"store_path"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	RetrySchedule string `json:"retry_schedule"`
	SecretsFile   string `json:"secrets_file"`
	// Cleanup supplies handler discovery and retry tuning for cleanup retries.
	// The provider comes from each persisted record.
	Cleanup cleanup.Config `json:"cleanup"`
}

func defaultConfig(root string) Config {
	return Config{
		ProjectRoot:   root,
		StoreBackend:  backendFile,
		StorePath:     filepath.Join(root, store.DefaultDir),
		LogLevel:      "info",
		LogFormat:     "text",
		RetrySchedule: scheduler.DefaultSchedule,
		SecretsFile:   filepath.Join(root, ".e2ekit", "secrets.sealed"),
	}
}

func settingsPath(root string) string {
	return filepath.Join(root, ".e2ekit", "settings.json")
}

// loadConfig layers defaults, the project's settings.json and E2EKIT_* env
// vars. getenv is os.Getenv outside tests.
func loadConfig(root string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("E2EKIT_PROJECT_ROOT"); v != "" {
		root = v
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve project root: %w", err)
		}
		root = wd
	}
	cfg := defaultConfig(root)

	// Layer 2: settings.json (ignore if missing).
	data, err := os.ReadFile(settingsPath(root))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read settings: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", settingsPath(root), err)
		}
	}

	// Layer 3: env vars override.
	if v := getenv("E2EKIT_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := getenv("E2EKIT_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := getenv("E2EKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("E2EKIT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("E2EKIT_RETRY_SCHEDULE"); v != "" {
		cfg.RetrySchedule = v
	}
	if v := getenv("E2EKIT_SECRETS_FILE"); v != "" {
		cfg.SecretsFile = v
	}
	if v := getenv("E2EKIT_CLEANUP_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cleanup.Retries = &n
		}
	}
	if v := getenv("E2EKIT_CLEANUP_PARALLEL"); v != "" {
		cfg.Cleanup.Parallel = v == "true" || v == "1"
	}

	cfg.StorePath = resolvePath(root, cfg.StorePath)
	cfg.SecretsFile = resolvePath(root, cfg.SecretsFile)

	switch cfg.StoreBackend {
	case backendFile, backendLibSQL:
	default:
		return Config{}, fmt.Errorf("unknown store backend %q (want %s or %s)", cfg.StoreBackend, backendFile, backendLibSQL)
	}
	return cfg, nil
}

// resolvePath anchors relative paths at the project root. libSQL URLs pass through.
func resolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) || hasScheme(p) {
		return p
	}
	return filepath.Join(root, p)
}

func hasScheme(p string) bool {
	for _, prefix := range []string{"file:", "libsql://", "http://", "https://"} {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
