package runs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/graph"
	"github.com/animus-labs/tac-pipeline/internal/pipeline"
	"github.com/animus-labs/tac-pipeline/internal/repo"
	"github.com/animus-labs/tac-pipeline/internal/resolver"
	"github.com/animus-labs/tac-pipeline/internal/scheduler"
)

var ErrPlanOnly = errors.New("no job runner configured")

type Request struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params"`
}

// Deps wires a Service. A nil Scheduler leaves the service plan-only.
type Deps struct {
	Pipeline   string
	Executor   string
	Registry   *pipeline.Registry
	Resolver   *resolver.Resolver
	Scheduler  *scheduler.Scheduler
	Runs       repo.RunRepository
	Executions repo.TaskExecutionRepository
	Logger     *slog.Logger
	// BaseContext bounds background runs; cancelling it cancels their jobs.
	BaseContext context.Context
}

type Service struct {
	pipeline   string
	executor   string
	registry   *pipeline.Registry
	builder    *graph.Builder
	resolver   *resolver.Resolver
	scheduler  *scheduler.Scheduler
	runs       repo.RunRepository
	executions repo.TaskExecutionRepository
	logger     *slog.Logger
	baseCtx    context.Context

	wg sync.WaitGroup
}

func New(deps Deps) (*Service, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Runs == nil:
		return nil, errors.New("run repository is required")
	case deps.Executions == nil:
		return nil, errors.New("execution repository is required")
	}
	builder, err := graph.NewBuilder(deps.Registry)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Service{
		pipeline:   deps.Pipeline,
		executor:   deps.Executor,
		registry:   deps.Registry,
		builder:    builder,
		resolver:   deps.Resolver,
		scheduler:  deps.Scheduler,
		runs:       deps.Runs,
		executions: deps.Executions,
		logger:     logger,
		baseCtx:    baseCtx,
	}, nil
}

// Build validates req and expands it into a graph.
func (s *Service) Build(ctx context.Context, req Request) (*graph.Graph, error) {
	desc, err := s.registry.Descriptor(strings.TrimSpace(req.Kind), req.Params)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(ctx, desc)
}

// Execute runs req to completion on the calling goroutine.
func (s *Service) Execute(ctx context.Context, req Request) (repo.PipelineRunRecord, scheduler.RunResult, error) {
	if s.scheduler == nil {
		return repo.PipelineRunRecord{}, scheduler.RunResult{}, ErrPlanOnly
	}
	g, err := s.Build(ctx, req)
	if err != nil {
		return repo.PipelineRunRecord{}, scheduler.RunResult{}, err
	}
	run, err := s.create(ctx, g)
	if err != nil {
		return repo.PipelineRunRecord{}, scheduler.RunResult{}, err
	}
	res, runErr := s.execute(ctx, run, g)
	updated, err := s.runs.Get(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		updated = run
	}
	return updated, res, runErr
}

// Submit records a queued run and executes it in the background. The
// returned record is the queued state.
func (s *Service) Submit(ctx context.Context, req Request) (repo.PipelineRunRecord, error) {
	if s.scheduler == nil {
		return repo.PipelineRunRecord{}, ErrPlanOnly
	}
	g, err := s.Build(ctx, req)
	if err != nil {
		return repo.PipelineRunRecord{}, err
	}
	run, err := s.create(ctx, g)
	if err != nil {
		return repo.PipelineRunRecord{}, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.execute(s.baseCtx, run, g)
	}()
	return run, nil
}

// Wait blocks until every background run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

type RunView struct {
	Run        repo.PipelineRunRecord
	Executions []repo.TaskExecutionRecord
}

func (s *Service) Get(ctx context.Context, runID string) (RunView, error) {
	run, err := s.runs.Get(ctx, strings.TrimSpace(runID))
	if err != nil {
		return RunView{}, err
	}
	executions, err := s.executions.ListByRun(ctx, run.ID)
	if err != nil {
		return RunView{}, err
	}
	return RunView{Run: run, Executions: executions}, nil
}

func (s *Service) List(ctx context.Context, filter repo.RunFilter) ([]repo.PipelineRunRecord, error) {
	return s.runs.List(ctx, filter)
}

func (s *Service) create(ctx context.Context, g *graph.Graph) (repo.PipelineRunRecord, error) {
	return s.runs.Create(ctx, repo.PipelineRunRecord{
		ID:        uuid.NewString(),
		Pipeline:  s.pipeline,
		Kind:      g.Root.Descriptor.Kind,
		Params:    g.Root.Descriptor.Params.Map(),
		RootKey:   g.Root.Key(),
		Executor:  s.executor,
		Status:    repo.RunQueued,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Service) execute(ctx context.Context, run repo.PipelineRunRecord, g *graph.Graph) (scheduler.RunResult, error) {
	logger := s.logger.With("run_id", run.ID, "task", run.RootKey)
	// Ledger writes outlive cancellation so an aborted run still ends up failed.
	ledgerCtx := context.WithoutCancel(ctx)

	if err := s.runs.MarkStarted(ledgerCtx, run.ID, time.Now().UTC()); err != nil {
		logger.Warn("mark run started failed", "error", err)
	}
	res, runErr := s.scheduler.RunAs(ctx, run.ID, g)

	finish := repo.RunFinish{
		Status:     repo.RunSucceeded,
		Submitted:  len(res.Submitted),
		Skipped:    res.Skipped,
		FinishedAt: time.Now().UTC(),
	}
	if runErr != nil {
		finish.Status = repo.RunFailed
		finish.Error = runErr.Error()
	}
	if err := s.runs.Finish(ledgerCtx, run.ID, finish); err != nil {
		logger.Warn("record run outcome failed", "error", err)
	}
	return res, runErr
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrInvalidParams) ||
		errors.Is(err, domain.ErrUnknownKind) ||
		errors.Is(err, domain.ErrCyclicDependency)
}
