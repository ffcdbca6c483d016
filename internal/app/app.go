// Package app assembles the runtime graph shared by the API server and the
// CLI: warehouse, artifact store, tools, executor and run store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/autoplan/autoplan/internal/config"
	"github.com/autoplan/autoplan/internal/executor"
	"github.com/autoplan/autoplan/internal/observability"
	"github.com/autoplan/autoplan/internal/query"
	duckdbengine "github.com/autoplan/autoplan/internal/query/duckdb"
	mysqlengine "github.com/autoplan/autoplan/internal/query/mysql"
	"github.com/autoplan/autoplan/internal/repair"
	"github.com/autoplan/autoplan/internal/runs"
	"github.com/autoplan/autoplan/internal/runstore"
	localruns "github.com/autoplan/autoplan/internal/runstore/local"
	postgresruns "github.com/autoplan/autoplan/internal/runstore/postgres"
	"github.com/autoplan/autoplan/internal/storage"
	localstore "github.com/autoplan/autoplan/internal/storage/local"
	s3store "github.com/autoplan/autoplan/internal/storage/s3"
	"github.com/autoplan/autoplan/internal/tools"
)

// Options lets callers supply prebuilt components. Nil fields are built from
// the configuration.
type Options struct {
	Warehouse   query.Warehouse
	ObjectStore storage.ObjectStore
	RunStore    runstore.Store
	Repair      repair.Func
}

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Warehouse query.Warehouse
	Store     storage.ObjectStore
	Registry  *tools.Registry
	Executor  *executor.Executor
	Runs      *runs.Service

	checks  []func(ctx context.Context) error
	closers []func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	a.Warehouse = opts.Warehouse
	if a.Warehouse == nil {
		db, err := mysqlengine.Open(ctx, cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open warehouse: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Warehouse = mysqlengine.NewEngine(db)
	}
	a.checks = append(a.checks, a.Warehouse.Ping)

	a.Store = opts.ObjectStore
	if a.Store == nil {
		store, err := openObjectStore(ctx, cfg)
		if err != nil {
			return err
		}
		a.Store = store
	}

	registry, err := tools.NewDefaultRegistry(tools.Dependencies{
		Warehouse:     a.Warehouse,
		DatasetEngine: duckdbengine.NewEngine(a.Store),
		Store:         a.Store,
		Query:         cfg.Query,
	})
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}
	a.Registry = registry

	repairFn := opts.Repair
	if repairFn == nil {
		repairFn, err = repairFunc(cfg.AI)
		if err != nil {
			return err
		}
	}
	a.Executor = executor.New(registry, repairFn, a.Warehouse, cfg.Executor, a.Logger)

	runStore := opts.RunStore
	if runStore == nil {
		runStore, err = a.openRunStore(ctx)
		if err != nil {
			return err
		}
	}
	a.Runs = runs.NewService(runStore, a.Executor, a.Logger)
	return nil
}

func openObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	switch cfg.ObjectStore.Backend {
	case config.BackendS3:
		store, err := s3store.Open(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, fmt.Errorf("open s3 artifact store: %w", err)
		}
		return store, nil
	default:
		store, err := localstore.New(cfg.Runs.Dir)
		if err != nil {
			return nil, fmt.Errorf("open local artifact store: %w", err)
		}
		return store, nil
	}
}

func repairFunc(cfg config.AIConfig) (repair.Func, error) {
	if !cfg.RepairEnabled {
		return repair.Disabled, nil
	}
	repairer, err := repair.NewOpenAIRepairer(cfg)
	if err != nil {
		return nil, fmt.Errorf("init repair client: %w", err)
	}
	return repairer.Repair, nil
}

func (a *App) openRunStore(ctx context.Context) (runstore.Store, error) {
	cfg := a.Config.Runs
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return runstore.NewMemory(), nil
	case config.BackendPostgres:
		db, err := postgresruns.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		store := postgresruns.NewStore(db)
		a.checks = append(a.checks, store.HealthCheck)
		return store, nil
	default:
		store, err := localruns.New(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open local run store: %w", err)
		}
		return store, nil
	}
}

// Ready runs every dependency check in registration order.
func (a *App) Ready(ctx context.Context) error {
	for _, check := range a.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
