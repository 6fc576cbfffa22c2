package server

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/charts"
	"github.com/nicktill/tinystats/pkg/charts/lines"
	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/server/monitor"
	"github.com/nicktill/tinystats/pkg/source"
	"github.com/nicktill/tinystats/pkg/sqldb"
	"github.com/nicktill/tinystats/pkg/storage"
	"github.com/nicktill/tinystats/pkg/storage/badger"
	"github.com/nicktill/tinystats/pkg/storage/memory"
	"github.com/nicktill/tinystats/pkg/storage/sqlstore"
)

// statsCacheDuration bounds how stale /v1/status storage numbers can be.
const statsCacheDuration = 10 * time.Second

// App is a wired tinystats instance.
type App struct {
	Config   *config.Config
	Logger   *zerolog.Logger
	Store    storage.Store
	Source   *sqlx.DB
	Registry *charts.Registry
	Updater  *Updater
	Monitor  *monitor.UpdateMonitor
	Storage  *monitor.StorageMonitor
	Metrics  *monitor.Metrics
	Hub      *Hub
	Prom     *prometheus.Registry
}

// Options tune NewApp.
type Options struct {
	// Offline skips connecting to the source database. Charts can be read but
	// updates fail as source-unavailable.
	Offline bool
}

// NewApp opens the store and the source and registers every chart.
func NewApp(ctx context.Context, cfg *config.Config, lg *zerolog.Logger, opts Options) (*App, error) {
	ctx = log.Set(ctx, lg)
	app := &App{
		Config: cfg,
		Logger: lg,
		Hub:    NewHub(),
		Prom:   prometheus.NewRegistry(),
	}
	app.Prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = monitor.NewMetrics(app.Prom)

	schedule, err := cfg.ParsedSchedule()
	if err != nil {
		return nil, err
	}
	app.Monitor = monitor.NewUpdateMonitor(staleAfter(schedule, cfg))

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Store = store
	app.Storage = monitor.NewStorageMonitor(store, statsCacheDuration)

	db, err := OpenSource(ctx, cfg, opts.Offline)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Source = db

	windows, err := cfg.BatchWindows()
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Registry = charts.NewRegistry(store,
		charts.WithWorkers(cfg.Workers),
		charts.WithWindows(windows),
		charts.WithObserver(app.Monitor),
		charts.WithObserver(app.Metrics),
		charts.WithObserver(app.Hub),
	)

	dialect, err := cfg.SourceDialect()
	if err != nil {
		app.Close()
		return nil, err
	}
	if err := lines.Register(app.Registry, db, dialect, source.WithTimeout(cfg.Source.Timeout)); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to register charts: %w", err)
	}
	for _, c := range app.Registry.Charts() {
		app.Monitor.Track(c.Name())
	}
	// Catch dependency mistakes at startup instead of on the first cycle
	if _, err := app.Registry.Levels(); err != nil {
		app.Close()
		return nil, err
	}

	app.Updater = NewUpdater(app.Registry, cfg.UpdateTimeout, cfg.Retry.MaxElapsed)
	app.Updater.AfterCycle(app.Storage.Invalidate)

	lg.Info().
		Str("store", cfg.Store.Backend).
		Str("source", cfg.Source.Backend).
		Int("charts", len(app.Registry.Charts())).
		Msg("tinystats initialized")
	return app, nil
}

// OpenStore opens the configured chart store.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendBadger:
		if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := badger.New(badger.Config{
			Path:        cfg.Store.Path,
			MaxMemoryMB: cfg.Store.MaxMemoryMB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		log.Get(ctx).Info().Str("path", cfg.Store.Path).Int64("max_memory_mb", cfg.Store.MaxMemoryMB).Msg("badger store opened")
		return store, nil
	}

	d, err := sqldb.ParseDialect(cfg.Store.Backend)
	if err != nil {
		return nil, fmt.Errorf("store.backend: %w", err)
	}
	store, err := sqlstore.Open(ctx, d, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", d, err)
	}
	log.Get(ctx).Info().Str("dialect", string(d)).Msg("sql store opened")
	return store, nil
}

// OpenSource opens the ledger database. Offline returns an unconnected pool;
// database/sql only dials on first use.
func OpenSource(ctx context.Context, cfg *config.Config, offline bool) (*sqlx.DB, error) {
	d, err := cfg.SourceDialect()
	if err != nil {
		return nil, fmt.Errorf("source.backend: %w", err)
	}
	if offline {
		db, err := sqlx.Open(d.DriverName(), cfg.Source.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s source: %w", d, err)
		}
		return db, nil
	}
	return sqldb.Open(ctx, d, cfg.Source.DSN)
}

// staleAfter is how long a chart may go without a successful update before it
// is reported unhealthy: three scheduled runs, and never less than one run
// with all its retries.
func staleAfter(schedule cron.Schedule, cfg *config.Config) time.Duration {
	next := schedule.Next(time.Now())
	interval := schedule.Next(next).Sub(next)
	return max(3*interval, cfg.UpdateTimeout+cfg.Retry.MaxElapsed)
}

// Close releases the store and the source connection.
func (a *App) Close() {
	if a.Source != nil {
		if err := a.Source.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close source database")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close store")
		}
	}
}
