package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/firelinehq/fireline/internal/config"
	"github.com/firelinehq/fireline/internal/device"
	"github.com/firelinehq/fireline/internal/device/cbw"
	"github.com/firelinehq/fireline/internal/enact"
	"github.com/firelinehq/fireline/internal/engine"
	"github.com/firelinehq/fireline/internal/runner"
	"github.com/firelinehq/fireline/internal/server"
	"github.com/firelinehq/fireline/internal/storage"
	"github.com/firelinehq/fireline/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("FIRELINE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// store is what the process needs from its persistence layer: run records
// plus the idempotency cache, from one backend.
type store interface {
	storage.RunStore
	storage.IdempotencyStore
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("fireline starting",
		"version", version, "port", cfg.Port,
		"store", cfg.StoreBackend, "driver", cfg.Driver)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Select the run store.
	var st store
	switch cfg.StoreBackend {
	case "sqlite":
		sq, err := storage.OpenSQLite(ctx, cfg.SQLitePath, storage.WallClock)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer func() { _ = sq.Close() }()
		st = sq
	default:
		st = storage.NewMemoryStore(storage.WallClock)
	}

	// Select the device driver.
	var driver device.Driver
	switch cfg.Driver {
	case "controlbyweb":
		var resolver cbw.Resolver
		if cfg.BindingsPath != "" {
			resolver, err = cbw.LoadResolver(cfg.BindingsPath)
			if err != nil {
				return fmt.Errorf("device bindings: %w", err)
			}
		} else {
			resolver = cbw.NewStaticResolver(nil, 0, "")
		}
		datBase := cfg.CBWDATBaseURL
		if datBase == "" {
			datBase = cfg.CBWBaseURL
		}
		driver, err = cbw.NewDriver(cbw.Config{
			BaseURL:        cfg.CBWBaseURL,
			DATBaseURL:     datBase,
			Username:       cfg.CBWUsername,
			Password:       cfg.CBWPassword,
			ConnectTimeout: cfg.CBWConnectTimeout,
			RequestTimeout: cfg.CBWRequestTimeout,
		}, resolver, cbw.NewPlanner(cfg.RelayUniverse), logger)
		if err != nil {
			return fmt.Errorf("device driver: %w", err)
		}
	default:
		driver = &device.NoopDriver{Logger: logger}
	}

	// Run orchestration.
	orch, err := runner.New(ctx, st, enact.NewSimpleEnactor(driver, logger), storage.WallClock, logger)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	srv := server.New(server.ServerConfig{
		Orchestrator: orch,
		Engine:       engine.New(),
		Driver:       driver,
		Idempotency:  st,
		Clock:        storage.WallClock,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
		DriverName:   cfg.Driver,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting requests, then let in-flight runs
	// reach their next step boundary and persist a terminal status.
	slog.Info("fireline shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	orch.Wait()
	slog.Info("fireline stopped")
	return nil
}
