package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/execution"
	"github.com/jkaninda/scriptbox/internal/observability"
	"github.com/jkaninda/scriptbox/internal/sandbox"
	"github.com/jkaninda/scriptbox/internal/security"
	"github.com/jkaninda/scriptbox/internal/storage"
	"github.com/jkaninda/scriptbox/internal/storage/memory"
	pgstore "github.com/jkaninda/scriptbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/scriptbox/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every long-running mode needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store
	Obs    *observability.Observability

	Validator execution.Validator
	Engine    sandbox.Engine
	Metrics   *execution.Metrics
	Runner    *execution.Runner

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file. A missing file at the default location
// falls back to defaults plus environment overrides.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("SCRIPTBOX_CONFIG", configPath)
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return cfg, err
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
}

// initShared builds storage, observability, the validator, the engine and
// the runner. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)

	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if cfg.Observability == nil || cfg.Observability.Health == nil || cfg.Observability.Health.IncludeDB {
		obs.Health.AddCheck("db", store.Ping)
	}

	validator, err := security.NewValidator(security.PolicyFromConfig(&cfg.Security))
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("building validator: %w", err)
	}
	sc.Validator = observability.NewInstrumentedValidator(validator, obs.MetricsOrNil())

	sc.Engine = observability.NewInstrumentedEngine(
		sandbox.NewGojaEngine(sandbox.ConfigFrom(cfg.Sandbox), logger),
		obs.MetricsOrNil(), obs.TracerOrNil(),
	)
	sc.Metrics = execution.NewMetrics(obs.MetricsOrNil().RegistryOrNil())
	sc.Runner = execution.NewRunner(
		store.Scripts(), store.Executions(), sc.Validator, sc.Engine,
		cfg.Sandbox.Timeout(), sc.Metrics, logger,
	)

	logger.Debug("shared components initialized", slog.String("storage", store.Driver()))
	return sc, nil
}

// initStore opens the configured storage backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		var pc *config.PostgresStorageConfig
		if cfg.Storage != nil {
			pc = cfg.Storage.Postgres
		}
		pgDB, err := pgstore.Open(pgstore.ConfigFrom(pc), logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(pgDB), nil
	case storage.DriverSQLite:
		var lc *config.SQLiteStorageConfig
		if cfg.Storage != nil {
			lc = cfg.Storage.SQLite
		}
		return sqlitestore.Open(sqlitestore.ConfigFrom(lc, cfg.DatabasePath()), logger)
	case storage.DriverMemory:
		logger.Warn("using in-memory storage; data is lost on exit")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
