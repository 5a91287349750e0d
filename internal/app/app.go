// Package app assembles the ingestion service from configuration. Both the
// HTTP server and the operator CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/sensorlog/internal/config"
	"github.com/JonMunkholm/sensorlog/internal/core"
	"github.com/JonMunkholm/sensorlog/internal/store"
)

// App owns the service and the connections behind it.
type App struct {
	Config   *config.Config
	Service  *core.Service
	Postgres *store.Postgres
	Redis    *redis.Client // nil when job state is kept in memory
}

// New connects to Postgres (and Redis when configured) and builds the
// service. Close releases everything New opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	pg, err := store.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to database", "name", store.DatabaseName(cfg.Database.URL))

	a := &App{Config: cfg, Postgres: pg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	if cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx, a.Postgres.DB); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		slog.Info("database schema ensured")
	}

	layouts, err := config.LoadLayouts(cfg.Ingest.LayoutsFile)
	if err != nil {
		return err
	}
	if layouts.Len() > 0 {
		slog.Info("layouts loaded", "file", cfg.Ingest.LayoutsFile, "count", layouts.Len())
	}

	deps := core.Dependencies{
		Registry: core.DefaultRegistry(),
		Writer: store.NewPostgresWriter(a.Postgres.DB, store.WriterConfig{
			MaxRetries: uint64(cfg.Writer.MaxRetries),
			RetryBase:  cfg.Writer.RetryBase,
		}),
		Catalog: store.NewPostgresCatalog(a.Postgres.DB),
		Layouts: layouts,
	}

	if cfg.Fallback.Enabled() {
		deps.Converter = core.NewExecConverter(cfg.Fallback.Bin, cfg.Fallback.Script, cfg.Fallback.Timeout)
		slog.Info("legacy converter enabled", "bin", cfg.Fallback.Bin, "timeout", cfg.Fallback.Timeout)
	}

	if cfg.Redis.URL != "" {
		client, err := store.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		a.Redis = client
		deps.Tracker = store.NewRedisTracker(client, cfg.Redis.ProgressTTL)
		deps.JobStore = store.NewRedisJobStore(client)
		if cfg.Ingest.SerializeCollections {
			deps.Locker = store.NewRedisLocker(client, store.LockConfig{})
		}
		slog.Info("connected to redis")
	} else {
		if cfg.Ingest.SerializeCollections {
			slog.Warn("INGEST_SERIALIZE_COLLECTIONS needs REDIS_URL; same-collection jobs will run in parallel")
		}
		slog.Info("no REDIS_URL configured, keeping job state in memory")
	}

	svc, err := core.NewService(deps, core.Options{
		MaxConcurrentJobs:    cfg.Ingest.MaxConcurrentJobs,
		MaxWaitTime:          cfg.Ingest.MaxWaitTime,
		ChunkSize:            cfg.Ingest.ChunkSize,
		FileWorkers:          cfg.Ingest.FileWorkers,
		MaxReportedErrors:    cfg.Ingest.MaxReportedErrors,
		MaxHeaderSearchRows:  cfg.Ingest.MaxHeaderSearchRows,
		SerializeCollections: cfg.Ingest.SerializeCollections && a.Redis != nil,
		RunningTTL:           cfg.Redis.RunningTTL,
		FinalTTL:             cfg.Redis.FinalTTL,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	a.Service = svc
	return nil
}

// Close stops running jobs and closes connections.
func (a *App) Close() {
	if a.Service != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		if err := a.Service.Shutdown(ctx); err != nil {
			slog.Warn("jobs did not stop in time", "error", err)
		}
		cancel()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}

// RedisPing is nil when Redis is not in use.
func (a *App) RedisPing() func(context.Context) error {
	if a.Redis == nil {
		return nil
	}
	return func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
}
