package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/njoerd114/pimsync/internal/auth"
	"github.com/njoerd114/pimsync/internal/config"
	"github.com/njoerd114/pimsync/internal/control"
	"github.com/njoerd114/pimsync/internal/dav"
	"github.com/njoerd114/pimsync/internal/devstore"
	"github.com/njoerd114/pimsync/internal/state"
	syncp "github.com/njoerd114/pimsync/internal/sync"
	"github.com/njoerd114/pimsync/internal/telemetry"
)

// app holds everything one invocation wires together.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	cache  *state.Store
	device *devstore.Store

	guard   *syncp.SyncGuard
	orch    *syncp.Orchestrator
	sched   *syncp.Scheduler
	metrics *control.Metrics

	closers []func() error
}

// newLogger builds the text logger on stderr, optionally teed into a
// rotating log file.
func newLogger(lc config.LogConfig) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if lc.File != "" {
		lj := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			Compress:   true,
		}
		out, closer = io.MultiWriter(os.Stderr, lj), lj
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer
}

// loadConfig reads the configuration and installs the logger it asks for.
func loadConfig() (*config.Config, *slog.Logger, io.Closer, error) {
	logger, _ := newLogger(config.LogConfig{})
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger, closer := newLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

// openApp loads the configuration and wires the sync stack. withTelemetry
// starts the OTLP exporters when the config asks for them.
func openApp(ctx context.Context, withTelemetry bool) (*app, error) {
	cfg, logger, logCloser, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger, closers: []func() error{logCloser.Close}}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	logger.Info("config loaded", "path", cfgPath, "accounts", len(cfg.Accounts))

	if withTelemetry && cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() error {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return shutdownTel(flushCtx)
			})
		}
	}

	if err := a.openStores(); err != nil {
		return nil, err
	}

	provider := auth.NewProvider(cfg.Credentials())
	a.guard = &syncp.SyncGuard{}
	rec := syncp.NewReconciler(a.cache, a.device, a.guard, logger)

	engines := make([]*syncp.Engine, 0, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		ts, err := provider.TokenSource(ac.ID)
		if err != nil {
			return nil, fmt.Errorf("credentials for account %q: %w", ac.ID, err)
		}
		client, err := dav.New(dav.Options{
			BaseURL:           ac.BaseURL,
			TokenSource:       ts,
			RequestsPerSecond: ac.RequestsPerSecond,
			Logger:            logger.With("account", ac.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("DAV client for account %q: %w", ac.ID, err)
		}
		engines = append(engines, syncp.NewEngine(ac.Model(), client, a.cache, rec, logger.With("account", ac.ID)))
	}

	a.metrics = control.NewMetrics()
	a.orch = syncp.NewOrchestrator(engines, a.cache, syncp.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
	}, a.metrics, logger)
	a.sched = syncp.NewScheduler(a.orch, logger)

	ok = true
	return a, nil
}

func (a *app) openStores() error {
	cachePath, err := a.cfg.StateDBPath()
	if err != nil {
		return fmt.Errorf("resolving cache DB path: %w", err)
	}
	a.cache, err = state.Open(cachePath)
	if err != nil {
		return fmt.Errorf("opening cache DB at %q: %w", cachePath, err)
	}
	a.closers = append(a.closers, a.cache.Close)
	a.log.Info("cache DB opened", "path", cachePath)

	devicePath, err := a.cfg.DeviceDBPath()
	if err != nil {
		return fmt.Errorf("resolving device store path: %w", err)
	}
	a.device, err = devstore.Open(devicePath)
	if err != nil {
		return fmt.Errorf("opening device store at %q: %w", devicePath, err)
	}
	a.closers = append(a.closers, a.device.Close)
	a.log.Info("device store opened", "path", devicePath)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error("shutdown", "error", err)
	}
}

// logReport writes one line per report row.
func logReport(logger *slog.Logger, rep syncp.Report) {
	for _, row := range rep.Rows {
		attrs := []any{
			"account", row.AccountID,
			"resource", row.Resource,
			"outcome", row.Outcome,
			"collections", row.Collections,
			"collected", row.Collected,
			"downloaded", row.Downloaded,
			"uploaded", row.Uploaded,
			"deleted", row.Deleted,
			"conflicts", row.Conflicts,
			"failed", row.Failed,
			"attempts", row.Attempts,
			"elapsed", row.Elapsed,
		}
		if row.Outcome == syncp.OutcomeFailed {
			logger.Error("sync failed", append(attrs, "kind", row.Kind, "error", row.Err)...)
			continue
		}
		logger.Info("sync complete", attrs...)
	}
}
