package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/sensorlog/internal/app"
	"github.com/JonMunkholm/sensorlog/internal/config"
	"github.com/JonMunkholm/sensorlog/internal/logging"
	"github.com/JonMunkholm/sensorlog/internal/web"
)

func main() {
	if loaded, err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	} else if loaded {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	if err := os.MkdirAll(cfg.Ingest.UploadDir, 0o750); err != nil {
		slog.Error("failed to create upload dir", "dir", cfg.Ingest.UploadDir, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	checks := []web.HealthCheck{{Name: "postgres", Check: a.Postgres.Ping}}
	if ping := a.RedisPing(); ping != nil {
		checks = append(checks, web.HealthCheck{Name: "redis", Check: ping})
	}
	server := web.NewServer(a.Service, cfg, checks...)

	go a.Service.StartCleanup(ctx, cfg.Ingest.CleanupInterval, cfg.Ingest.JobRetention)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr())
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
		return
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	status := a.Service.LimiterStatus()
	if status.Active > 0 {
		slog.Info("stopping running jobs", "active", status.Active)
	}
	if err := a.Service.Shutdown(shutdownCtx); err != nil {
		slog.Warn("jobs did not stop in time", "error", err)
	}
}
