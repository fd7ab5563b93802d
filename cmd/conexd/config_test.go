package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/pkg/schema"
)

var testKey = strings.Repeat("ab", 32)

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"),
		envOf(map[string]string{"CONNECTIONS_ENCRYPTION_KEY": testKey}))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, testKey, cfg.EncryptionKey)
	assert.Equal(t, 10, cfg.MaxConcurrency)
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.RunTimeout))
	assert.Equal(t, 30*time.Second, time.Duration(cfg.HTTPTimeout))
	assert.True(t, strings.HasSuffix(cfg.DBPath, "conex.db"))
}

func TestLoadConfig_SettingsThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db_path": ":memory:",
		"log_level": "debug",
		"run_timeout": "90s",
		"max_concurrency": 4,
		"friendly_not_found_hosts": ["crm.example.com"]
	}`), 0o600))

	cfg, err := loadConfig(path, envOf(map[string]string{
		"CONEX_ENCRYPTION_KEY":           testKey,
		"CONNECTIONS_ENCRYPTION_KEY":     "ignored",
		"CONEX_LOG_LEVEL":                "warn",
		"CONEX_HTTP_TIMEOUT":             "5s",
		"CONEX_FRIENDLY_NOT_FOUND_HOSTS": "a.example.com, b.example.com,",
	}))
	require.NoError(t, err)

	assert.Equal(t, memoryDB, cfg.DBPath)
	assert.Equal(t, "warn", cfg.LogLevel, "env wins over settings.json")
	assert.Equal(t, testKey, cfg.EncryptionKey, "CONEX_ENCRYPTION_KEY wins over CONNECTIONS_ENCRYPTION_KEY")
	assert.Equal(t, 90*time.Second, time.Duration(cfg.RunTimeout))
	assert.Equal(t, 5*time.Second, time.Duration(cfg.HTTPTimeout))
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.FriendlyNotFoundHosts)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"run_timeout": 30}`), 0o600))
	missing := filepath.Join(dir, "missing.json")

	tests := []struct {
		name string
		path string
		env  map[string]string
	}{
		{"no key", missing, nil},
		{"passphrase without salt", missing, map[string]string{"CONEX_VAULT_PASSPHRASE": "hunter2"}},
		{"malformed settings", bad, map[string]string{"CONNECTIONS_ENCRYPTION_KEY": testKey}},
		{"bad duration", missing, map[string]string{"CONNECTIONS_ENCRYPTION_KEY": testKey, "CONEX_RUN_TIMEOUT": "soon"}},
		{"bad concurrency", missing, map[string]string{"CONNECTIONS_ENCRYPTION_KEY": testKey, "CONEX_MAX_CONCURRENCY": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.path, envOf(tt.env))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeConfig), "got %v", err)
		})
	}
}

func TestLoadConfig_PassphraseVault(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"), envOf(map[string]string{
		"CONEX_VAULT_PASSPHRASE": "correct horse",
		"CONEX_VAULT_SALT":       "conex-salt",
	}))
	require.NoError(t, err)
	assert.Empty(t, cfg.EncryptionKey)
	assert.Equal(t, "correct horse", cfg.VaultPassphrase)
}

func TestWriteSettings_OmitsPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	cfg := defaultConfig()
	cfg.VaultPassphrase = "do-not-persist"
	cfg.RunTimeout = Duration(2 * time.Minute)
	require.NoError(t, writeSettings(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "do-not-persist")
	assert.Contains(t, string(data), `"run_timeout": "2m0s"`)

	loaded, err := loadConfig(path, envOf(map[string]string{"CONNECTIONS_ENCRYPTION_KEY": testKey}))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, time.Duration(loaded.RunTimeout))
}
