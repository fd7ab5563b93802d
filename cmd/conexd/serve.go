package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/conex/internal/engine"
	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/internal/logging"
	"github.com/rendis/conex/internal/nodes"
	"github.com/rendis/conex/internal/scheduler"
	"github.com/rendis/conex/internal/secrets"
	"github.com/rendis/conex/internal/store"
	"github.com/rendis/conex/internal/streaming"
	"github.com/rendis/conex/internal/validation"
	"github.com/rendis/conex/internal/voice"
	"github.com/rendis/conex/pkg/mcp"
)

const (
	hubBuffer       = 256
	shutdownTimeout = 10 * time.Second
)

// daemon is the wired process: one store, one engine, one scheduler and
// the MCP server in front of them.
type daemon struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	engine    engine.Engine
	scheduler *scheduler.Scheduler
	server    *mcp.ConexServer
	metrics   *prometheus.Registry
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", settingsPath(), "path to settings.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, os.Getenv)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, os.Stderr)

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()
	return d.serve(ctx)
}

// newLogger builds the JSON logger on w. Execution, flow and node ids on
// the context become attributes of every record.
func newLogger(level string, w io.Writer) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logging.ParseLevel(level)})
	return slog.New(logging.NewCorrelationHandler(h))
}

func newDaemon(ctx context.Context, cfg Config, logger *slog.Logger) (*daemon, error) {
	vault, err := secrets.NewAESVault(secrets.VaultConfig{
		HexKey:     cfg.EncryptionKey,
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	})
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	hub := streaming.NewMemoryHub(hubBuffer)

	// Without an API key conversationalAICall nodes fail with CONFIG_ERROR.
	var caller voice.Caller
	if cfg.VoiceAPIKey != "" {
		client, err := voice.NewClient(voice.Config{
			BaseURL:        cfg.VoiceBaseURL,
			APIKey:         cfg.VoiceAPIKey,
			DefaultVoiceID: cfg.VoiceID,
			WebhookBaseURL: cfg.WebhookBaseURL,
			Timeout:        time.Duration(cfg.HTTPTimeout),
			Logger:         logger,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("voice client: %w", err)
		}
		caller = client
	} else {
		logger.Warn("voice provider not configured; conversationalAICall nodes will fail")
	}

	reg := nodes.NewRegistry()
	if err := nodes.RegisterBuiltins(reg, nodes.Deps{
		HTTP: nodes.HTTPConfig{
			DefaultTimeout:        time.Duration(cfg.HTTPTimeout),
			FriendlyNotFoundHosts: cfg.FriendlyNotFoundHosts,
		},
		Voice:  caller,
		Hub:    hub,
		Logger: logger,
	}); err != nil {
		_ = st.Close()
		return nil, err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	validator, err := validation.NewGraphValidator(reg, cel)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := engine.NewMetrics(promReg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Registry:       reg,
		Vault:          vault,
		Store:          st,
		Events:         st,
		Hub:            hub,
		CEL:            cel,
		Validator:      validator,
		Logger:         logger,
		Metrics:        metrics,
		DefaultTimeout: time.Duration(cfg.RunTimeout),
		PoolSize:       cfg.MaxConcurrency,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sched := scheduler.NewScheduler(st, eng, scheduler.Options{
		Interval: time.Duration(cfg.SchedulerTick),
		Logger:   logger,
	})

	srv := mcp.NewConexServer(mcp.ServerDeps{
		Engine:     eng,
		Executions: st,
		Events:     st,
		Schedules:  st,
		Scheduler:  sched,
		Validator:  validator,
		Vault:      vault,
		Hub:        hub,
		Version:    version,
		Logger:     logger,
	})

	return &daemon{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		engine:    eng,
		scheduler: sched,
		server:    srv,
		metrics:   promReg,
	}, nil
}

// openStore opens the libSQL database at path, or a memory store for
// ":memory:", and applies migrations.
func openStore(ctx context.Context, path string) (store.Store, error) {
	var st store.Store
	if path == memoryDB {
		st = store.NewMemoryStore()
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		lst, err := store.NewLibSQLStore("file:" + path)
		if err != nil {
			return nil, err
		}
		st = lst
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// serve blocks until ctx is cancelled or the MCP client disconnects.
func (d *daemon) serve(ctx context.Context) error {
	if err := d.scheduler.RecoverMissed(ctx); err != nil {
		d.logger.Warn("recover missed schedules", slog.String("error", err.Error()))
	}
	if err := d.scheduler.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if d.cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              d.cfg.MetricsAddr,
			Handler:           newMetricsMux(d.metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics listener stopped", slog.String("error", err.Error()))
			}
		}()
		d.logger.Info("metrics listening", slog.String("addr", d.cfg.MetricsAddr))
	}

	d.logger.Info("conexd started",
		slog.String("version", version),
		slog.String("db", d.cfg.DBPath),
		slog.Int("max_concurrency", d.cfg.MaxConcurrency),
	)
	err := d.server.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	return err
}

// close stops the scheduler before the engine so no new run is submitted
// while in-flight runs drain.
func (d *daemon) close() {
	if err := d.scheduler.Stop(); err != nil {
		d.logger.Warn("scheduler stop", slog.String("error", err.Error()))
	}
	d.engine.Shutdown()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close", slog.String("error", err.Error()))
	}
	d.logger.Info("conexd stopped")
}
