package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// runInstall writes settings.json under ~/.conex. The vault passphrase is
// never written; pass it through CONEX_VAULT_PASSPHRASE at serve time.
func runInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	dbPath := fs.String("db-path", "", "database path (default: ~/.conex/conex.db, \":memory:\" for no persistence)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	maxConcurrency := fs.Int("max-concurrency", 10, "concurrent async runs")
	runTimeout := fs.Duration("run-timeout", 5*time.Minute, "default whole-run timeout")
	metricsAddr := fs.String("metrics-addr", "", "listen address for /metrics and /healthz (disabled if empty)")
	webhookBaseURL := fs.String("webhook-base-url", "", "public base URL for voice call webhooks")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := conexDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	cfg := defaultConfig()
	cfg.LogLevel = *logLevel
	cfg.MaxConcurrency = *maxConcurrency
	cfg.RunTimeout = Duration(*runTimeout)
	cfg.MetricsAddr = *metricsAddr
	cfg.WebhookBaseURL = *webhookBaseURL
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "conex.db")
	}

	return writeSettings(settingsPath(), cfg)
}

func writeSettings(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}
