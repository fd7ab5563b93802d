package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/conex/internal/engine"
	"github.com/rendis/conex/pkg/schema"
)

// memoryDB selects the in-process store instead of libSQL.
const memoryDB = ":memory:"

// Config holds all conexd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	// EncryptionKey is the 64-hex-char connection key. When empty the
	// vault derives its key from VaultPassphrase and VaultSalt.
	EncryptionKey   string `json:"encryption_key,omitempty"`
	VaultPassphrase string `json:"-"`
	VaultSalt       string `json:"vault_salt,omitempty"`

	RunTimeout     Duration `json:"run_timeout"`
	MaxConcurrency int      `json:"max_concurrency"`
	HTTPTimeout    Duration `json:"http_timeout"`
	SchedulerTick  Duration `json:"scheduler_tick"`

	FriendlyNotFoundHosts []string `json:"friendly_not_found_hosts,omitempty"`

	VoiceBaseURL   string `json:"voice_base_url,omitempty"`
	VoiceAPIKey    string `json:"voice_api_key,omitempty"`
	VoiceID        string `json:"voice_id,omitempty"`
	WebhookBaseURL string `json:"webhook_base_url,omitempty"`

	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// Duration is a time.Duration that reads and writes as "30s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(conexDir(), "conex.db"),
		LogLevel:       "info",
		RunTimeout:     Duration(engine.DefaultRunTimeout),
		MaxConcurrency: engine.DefaultPoolSize,
		HTTPTimeout:    Duration(30 * time.Second),
		SchedulerTick:  Duration(time.Minute),
	}
}

func conexDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conex"
	}
	return filepath.Join(home, ".conex")
}

func settingsPath() string {
	return filepath.Join(conexDir(), "settings.json")
}

// loadConfig layers settings.json at path and the environment over the
// defaults. A missing settings file is not an error; a malformed one is.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeConfig, "parse %s: %s", path, err.Error()).WithCause(err)
		}
	}

	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&cfg.DBPath, "CONEX_DB_PATH")
	str(&cfg.LogLevel, "CONEX_LOG_LEVEL")
	str(&cfg.EncryptionKey, "CONEX_ENCRYPTION_KEY", "CONNECTIONS_ENCRYPTION_KEY")
	str(&cfg.VaultPassphrase, "CONEX_VAULT_PASSPHRASE")
	str(&cfg.VaultSalt, "CONEX_VAULT_SALT")
	str(&cfg.VoiceBaseURL, "CONEX_VOICE_BASE_URL")
	str(&cfg.VoiceAPIKey, "CONEX_VOICE_API_KEY")
	str(&cfg.VoiceID, "CONEX_VOICE_ID")
	str(&cfg.WebhookBaseURL, "CONEX_WEBHOOK_BASE_URL")
	str(&cfg.MetricsAddr, "CONEX_METRICS_ADDR")

	if v := getenv("CONEX_FRIENDLY_NOT_FOUND_HOSTS"); v != "" {
		cfg.FriendlyNotFoundHosts = splitList(v)
	}
	if v := getenv("CONEX_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeConfig, "CONEX_MAX_CONCURRENCY: %s", err.Error())
		}
		cfg.MaxConcurrency = n
	}
	for key, dst := range map[string]*Duration{
		"CONEX_RUN_TIMEOUT":    &cfg.RunTimeout,
		"CONEX_HTTP_TIMEOUT":   &cfg.HTTPTimeout,
		"CONEX_SCHEDULER_TICK": &cfg.SchedulerTick,
	} {
		v := getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeConfig, "%s: %s", key, err.Error())
		}
		*dst = Duration(d)
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.EncryptionKey == "" && c.VaultPassphrase == "" {
		return schema.NewError(schema.ErrCodeConfig,
			"connection encryption key is not configured: set CONNECTIONS_ENCRYPTION_KEY or CONEX_VAULT_PASSPHRASE")
	}
	if c.EncryptionKey == "" && c.VaultSalt == "" {
		return schema.NewError(schema.ErrCodeConfig, "CONEX_VAULT_SALT is required with a vault passphrase")
	}
	if c.MaxConcurrency <= 0 {
		return schema.NewErrorf(schema.ErrCodeConfig, "max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.RunTimeout <= 0 {
		return schema.NewError(schema.ErrCodeConfig, "run_timeout must be positive")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
