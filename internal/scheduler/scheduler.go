// Package scheduler executes the incomplete part of a task graph, leaf first,
// through a runtimeexec.Runner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/graph"
	"github.com/animus-labs/tac-pipeline/internal/repo"
	"github.com/animus-labs/tac-pipeline/internal/resolver"
	"github.com/animus-labs/tac-pipeline/internal/runtimeexec"
)

const cancelTimeout = 30 * time.Second

type Config struct {
	// Parallelism bounds the number of jobs in flight. Independent branches
	// of the graph only overlap when it is above 1.
	Parallelism int
	// JobAttempts is how many times a job whose outcome was a failure is
	// submitted before the run aborts. Submission errors and contract
	// violations are never retried.
	JobAttempts int
}

func (c Config) normalized() Config {
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.JobAttempts < 1 {
		c.JobAttempts = 1
	}
	return c
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type RunResult struct {
	RunID  string
	Status Status
	// Submitted lists one entry per job submission, in submission order.
	Submitted []domain.TaskDescriptor
	// Skipped counts nodes the run did not execute: complete ones and
	// everything below them.
	Skipped  int
	Duration time.Duration
}

type Option func(*Scheduler)

// WithLedger records every job attempt. Ledger failures are logged and never
// fail the run.
func WithLedger(ledger repo.TaskExecutionRepository) Option {
	return func(s *Scheduler) { s.ledger = ledger }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type Scheduler struct {
	resolver *resolver.Resolver
	runner   runtimeexec.Runner
	ledger   repo.TaskExecutionRepository
	cfg      Config
	logger   *slog.Logger
}

func New(res *resolver.Resolver, runner runtimeexec.Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	if res == nil {
		return nil, errors.New("resolver is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	s := &Scheduler{
		resolver: res,
		runner:   runner,
		cfg:      cfg.normalized(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes g under a fresh run id.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph) (RunResult, error) {
	return s.RunAs(ctx, uuid.NewString(), g)
}

// RunAs resolves completeness for every node of g, then submits the
// incomplete nodes reachable from the root without crossing a complete one. A
// node is submitted only once all of its requirements are
// complete. The first failure cancels the run: nothing new is submitted and
// jobs still in flight are cancelled.
func (s *Scheduler) RunAs(ctx context.Context, runID string, g *graph.Graph) (RunResult, error) {
	started := time.Now()
	result := RunResult{RunID: runID, Status: StatusFailed}
	if g == nil || g.Root == nil {
		return result, errors.New("graph is required")
	}
	logger := s.logger.With("run_id", runID, "root", g.Root.Key())

	ann, err := s.resolver.Annotate(ctx, g)
	if err != nil {
		result.Duration = time.Since(started)
		return result, err
	}
	pending := g.Pending()
	result.Skipped = len(g.Nodes) - len(pending)
	logger.Info("run started",
		"runner", s.runner.Kind(),
		"nodes", len(g.Nodes),
		"complete", len(ann.Complete),
		"incomplete", len(ann.Incomplete),
		"pending", len(pending),
		"parallelism", s.cfg.Parallelism,
	)

	x := &execution{s: s, runID: runID, logger: logger}
	err = x.walk(ctx, pending)
	result.Submitted = x.submittedList()
	result.Duration = time.Since(started)
	if err == nil && !g.Root.Complete() {
		err = &domain.TaskError{Op: "run", Task: g.Root.Descriptor, Path: g.Root.Output.URI, Err: errors.New("root task did not complete")}
	}
	if err != nil {
		logger.Error("run failed", "submitted", len(result.Submitted), "duration", result.Duration, "error", err)
		return result, err
	}
	result.Status = StatusSucceeded
	logger.Info("run succeeded", "submitted", len(result.Submitted), "skipped", result.Skipped, "duration", result.Duration)
	return result, nil
}

type execution struct {
	s      *Scheduler
	runID  string
	logger *slog.Logger

	mu        sync.Mutex
	submitted []domain.TaskDescriptor
}

// walk dispatches ready nodes from a single loop so that the errgroup limit
// is the only place jobs queue for a slot. Workers report completion over a
// channel large enough to never block.
func (x *execution) walk(ctx context.Context, nodes []*graph.Node) error {
	inRun := make(map[*graph.Node]bool, len(nodes))
	for _, node := range nodes {
		inRun[node] = true
	}
	pending := map[*graph.Node]int{}
	dependents := map[*graph.Node][]*graph.Node{}
	var ready []*graph.Node
	remaining := len(nodes)
	for _, node := range nodes {
		seen := map[*graph.Node]bool{}
		for _, dep := range node.Requires {
			if !inRun[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			pending[node]++
			dependents[dep] = append(dependents[dep], node)
		}
		if pending[node] == 0 {
			ready = append(ready, node)
		}
	}
	if remaining == 0 {
		return nil
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(x.s.cfg.Parallelism)
	finished := make(chan *graph.Node, remaining)
	inflight := 0

loop:
	for remaining > 0 {
		for len(ready) > 0 && gctx.Err() == nil {
			node := ready[0]
			ready = ready[1:]
			inflight++
			grp.Go(func() error {
				if err := x.runNode(gctx, node); err != nil {
					return err
				}
				finished <- node
				return nil
			})
		}
		if inflight == 0 {
			break
		}
		select {
		case node := <-finished:
			inflight--
			remaining--
			for _, dep := range dependents[node] {
				pending[dep]--
				if pending[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		case <-gctx.Done():
			break loop
		}
	}

	if err := grp.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if remaining > 0 {
		return fmt.Errorf("%d tasks could not be scheduled", remaining)
	}
	return nil
}

func (x *execution) runNode(ctx context.Context, node *graph.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !node.HasOutput() {
		// Wrappers run nothing; all requirements are complete by now.
		node.MarkComplete()
		return nil
	}

	spec, err := node.JobSpec()
	if err != nil {
		return err
	}
	logger := x.logger.With("task", node.Key(), "kind", node.Descriptor.Kind, "path", node.Output.URI)

	var execID string
	for attempt := 1; ; attempt++ {
		outcome, id, err := x.attempt(ctx, logger, node, spec, attempt)
		if err != nil {
			return err
		}
		execID = id
		if outcome.Succeeded() {
			break
		}
		failure := &domain.JobFailure{Job: runtimeexec.JobName(spec.Container, node.Key(), x.runID, attempt), Reason: outcome.Reason}
		if attempt >= x.s.cfg.JobAttempts {
			return &domain.TaskError{Op: "run", Task: node.Descriptor, Path: node.Output.URI, Err: failure}
		}
		logger.Warn("job failed, resubmitting", "attempt", attempt, "reason", outcome.Reason)
	}

	ok, err := x.s.resolver.Refresh(ctx, node)
	if err != nil {
		return err
	}
	if !ok {
		x.finishAttempt(ctx, logger, execID, repo.ExecutionContractViolation, "output missing after reported success")
		return &domain.TaskError{
			Op:   "verify",
			Task: node.Descriptor,
			Path: node.Output.URI,
			Err:  fmt.Errorf("%w: job reported success without producing its output", domain.ErrContractViolation),
		}
	}
	logger.Info("task complete")
	return nil
}

// attempt submits one job and waits for its terminal outcome. A non-nil
// error aborts the run.
func (x *execution) attempt(ctx context.Context, logger *slog.Logger, node *graph.Node, spec domain.JobSpec, attempt int) (runtimeexec.Outcome, string, error) {
	spec.Name = runtimeexec.JobName(spec.Container, node.Key(), x.runID, attempt)
	labels := make(map[string]string, len(spec.Labels)+3)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[runtimeexec.LabelRunID] = x.runID
	labels[runtimeexec.LabelTaskKey] = node.Key()
	labels[runtimeexec.LabelAttempt] = strconv.Itoa(attempt)
	spec.Labels = labels

	if err := ctx.Err(); err != nil {
		return runtimeexec.Outcome{}, "", err
	}
	handle, err := x.s.runner.Submit(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return runtimeexec.Outcome{}, "", ctx.Err()
		}
		if !errors.Is(err, domain.ErrJobSubmission) {
			err = fmt.Errorf("%w: %v", domain.ErrJobSubmission, err)
		}
		return runtimeexec.Outcome{}, "", &domain.TaskError{Op: "submit", Task: node.Descriptor, Path: node.Output.URI, Err: err}
	}
	x.recordSubmitted(node.Descriptor)
	logger = logger.With("job", handle.Name, "attempt", attempt)
	logger.Info("job submitted")
	execID := x.insertAttempt(ctx, logger, node, handle, attempt)

	outcome, err := x.s.runner.Await(ctx, handle)
	if err != nil {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
		defer cancel()
		if cancelErr := x.s.runner.Cancel(cancelCtx, handle); cancelErr != nil {
			logger.Warn("cancel job failed", "error", cancelErr)
		}
		x.finishAttempt(cancelCtx, logger, execID, repo.ExecutionCancelled, err.Error())
		return runtimeexec.Outcome{}, execID, err
	}

	status := repo.ExecutionSucceeded
	if !outcome.Succeeded() {
		status = repo.ExecutionFailed
		logger.Warn("job failed", "reason", outcome.Reason)
	}
	x.finishAttempt(ctx, logger, execID, status, outcome.Reason)
	return outcome, execID, nil
}

func (x *execution) recordSubmitted(desc domain.TaskDescriptor) {
	x.mu.Lock()
	x.submitted = append(x.submitted, desc)
	x.mu.Unlock()
}

func (x *execution) submittedList() []domain.TaskDescriptor {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]domain.TaskDescriptor(nil), x.submitted...)
}

func (x *execution) insertAttempt(ctx context.Context, logger *slog.Logger, node *graph.Node, handle runtimeexec.JobHandle, attempt int) string {
	if x.s.ledger == nil {
		return ""
	}
	rec, _, err := x.s.ledger.InsertAttempt(ctx, repo.TaskExecutionRecord{
		RunID:     x.runID,
		TaskKey:   node.Key(),
		Kind:      node.Descriptor.Kind,
		Attempt:   attempt,
		JobName:   handle.Name,
		OutputURI: node.Output.URI,
		Status:    repo.ExecutionSubmitted,
		StartedAt: handle.SubmittedAt,
	})
	if err != nil {
		logger.Warn("record attempt failed", "error", err)
		return ""
	}
	return rec.ID
}

func (x *execution) finishAttempt(ctx context.Context, logger *slog.Logger, execID string, status repo.ExecutionStatus, reason string) {
	if x.s.ledger == nil || execID == "" {
		return
	}
	if err := x.s.ledger.FinishAttempt(ctx, execID, status, reason, time.Now().UTC()); err != nil {
		logger.Warn("record attempt outcome failed", "error", err)
	}
}
