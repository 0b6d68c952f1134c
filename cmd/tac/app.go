package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/pipeline"
	"github.com/animus-labs/tac-pipeline/internal/platform/env"
	"github.com/animus-labs/tac-pipeline/internal/platform/httpserver"
	"github.com/animus-labs/tac-pipeline/internal/platform/objectstore"
	"github.com/animus-labs/tac-pipeline/internal/platform/postgres"
	"github.com/animus-labs/tac-pipeline/internal/repo"
	pgstore "github.com/animus-labs/tac-pipeline/internal/repo/postgres"
	"github.com/animus-labs/tac-pipeline/internal/resolver"
	"github.com/animus-labs/tac-pipeline/internal/runtimeexec"
	"github.com/animus-labs/tac-pipeline/internal/scheduler"
	"github.com/animus-labs/tac-pipeline/internal/service/runs"
	"github.com/animus-labs/tac-pipeline/internal/target"
)

type appOptions struct {
	// memoryStore resolves against an empty in-process store; no S3 access.
	memoryStore bool
	// noRunner builds a plan-only service with an in-memory ledger.
	noRunner bool
}

type app struct {
	runs   *runs.Service
	checks []httpserver.ReadinessCheck
	db     *sql.DB
}

func newApp(ctx context.Context, cfg appConfig, logger *slog.Logger, opts appOptions) (*app, error) {
	def, err := pipeline.LoadDefinition(cfg.PipelineFile)
	if err != nil {
		return nil, err
	}

	a := &app{}
	store, root, err := a.openStore(cfg, logger, opts)
	if err != nil {
		return nil, err
	}

	registry, err := pipeline.NewTACRegistry(def, root)
	if err != nil {
		return nil, err
	}
	res, err := resolver.New(store, logger)
	if err != nil {
		return nil, err
	}

	var (
		runStore  repo.RunRepository
		execStore repo.TaskExecutionRepository
	)
	if opts.noRunner {
		ledger := repo.NewMemoryLedger()
		runStore, execStore = ledger, ledger
	} else {
		runStore, execStore, err = a.openLedger(ctx, logger)
		if err != nil {
			return nil, err
		}
	}

	deps := runs.Deps{
		Pipeline:    def.Name,
		Registry:    registry,
		Resolver:    res,
		Runs:        runStore,
		Executions:  execStore,
		Logger:      logger,
		BaseContext: ctx,
	}
	if !opts.noRunner {
		runnerCfg, err := runtimeexec.ConfigFromEnv()
		if err != nil {
			a.Close()
			return nil, err
		}
		runner, err := runtimeexec.New(runnerCfg, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		sched, err := scheduler.New(res, runner, scheduler.Config{
			Parallelism: cfg.Parallelism,
			JobAttempts: cfg.JobAttempts,
		}, scheduler.WithLedger(execStore), scheduler.WithLogger(logger))
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Scheduler = sched
		deps.Executor = runner.Kind()
	}

	svc, err := runs.New(deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runs = svc
	logger.Info("pipeline loaded", "pipeline", def.Name, "root", root, "executor", deps.Executor, "kinds", strings.Join(registry.Names(), ","))
	return a, nil
}

func (a *app) openStore(cfg appConfig, logger *slog.Logger, opts appOptions) (target.Store, string, error) {
	if opts.memoryStore {
		bucket := strings.TrimSpace(env.String("TAC_S3_BUCKET", "tac"))
		return target.NewMemoryStore(), "s3://" + bucket, nil
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, "", err
	}
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, "", fmt.Errorf("%w: object store client: %v", domain.ErrConfiguration, err)
	}
	minioStore, err := target.NewMinioStore(client)
	if err != nil {
		return nil, "", err
	}
	retryCfg := target.DefaultRetryConfig()
	retryCfg.Attempts = cfg.StoreRetryAttempts
	a.checks = append(a.checks, httpserver.ReadinessCheck{
		Name: "objectstore",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return objectstore.CheckBucket(checkCtx, client, storeCfg)
		},
	})
	return target.NewRetryingStore(minioStore, retryCfg, logger), storeCfg.Root(), nil
}

// openLedger uses PostgreSQL when DATABASE_URL is set and an in-memory ledger
// otherwise.
func (a *app) openLedger(ctx context.Context, logger *slog.Logger) (repo.RunRepository, repo.TaskExecutionRepository, error) {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if !dbCfg.Enabled() {
		logger.Info("DATABASE_URL not set, run ledger kept in memory")
		ledger := repo.NewMemoryLedger()
		return ledger, ledger, nil
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database unavailable: %w", err)
	}
	if err := pgstore.ApplySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	a.db = db
	a.checks = append(a.checks, httpserver.ReadinessCheck{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			return postgres.Ping(ctx, db, 750*time.Millisecond)
		},
	})
	return pgstore.NewRunStore(db), pgstore.NewTaskExecutionStore(db), nil
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

func serveCommand(ctx context.Context, cfg appConfig, logger *slog.Logger) error {
	serverCfg, err := httpserver.ConfigFromEnv("tac")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("tac"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("tac", a.checks...))
	newRunsAPI(logger, a.runs).register(mux)

	err = httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, mux))
	// Background runs share ctx: they cancel their jobs and record the outcome.
	a.runs.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
