// Package repo defines the run ledger: what was requested, which jobs were
// submitted for it and how they ended. Artifacts, not the ledger, decide
// whether a task is complete.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

type ExecutionStatus string

const (
	ExecutionSubmitted         ExecutionStatus = "submitted"
	ExecutionSucceeded         ExecutionStatus = "succeeded"
	ExecutionFailed            ExecutionStatus = "failed"
	ExecutionContractViolation ExecutionStatus = "contract_violation"
	ExecutionCancelled         ExecutionStatus = "cancelled"
)

type PipelineRunRecord struct {
	ID         string
	Pipeline   string
	Kind       string
	Params     map[string]string
	RootKey    string
	Executor   string
	Status     RunStatus
	Submitted  int
	Skipped    int
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type TaskExecutionRecord struct {
	ID         string
	RunID      string
	TaskKey    string
	Kind       string
	Attempt    int
	JobName    string
	OutputURI  string
	Status     ExecutionStatus
	Reason     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Validate checks the fields that make up an attempt's identity.
func (r TaskExecutionRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.RunID) == "":
		return errors.New("run id is required")
	case strings.TrimSpace(r.TaskKey) == "":
		return errors.New("task key is required")
	case r.Attempt < 1:
		return errors.New("attempt must be >= 1")
	case r.Status == "":
		return errors.New("status is required")
	}
	return nil
}

// RunFinish carries the terminal state of a run.
type RunFinish struct {
	Status     RunStatus
	Submitted  int
	Skipped    int
	Error      string
	FinishedAt time.Time
}

type RunFilter struct {
	Status RunStatus
	Limit  int
}

// RunRepository manages pipeline runs. Identity and request fields are
// immutable after Create.
type RunRepository interface {
	Create(ctx context.Context, run PipelineRunRecord) (PipelineRunRecord, error)
	Get(ctx context.Context, id string) (PipelineRunRecord, error)
	List(ctx context.Context, filter RunFilter) ([]PipelineRunRecord, error)
	MarkStarted(ctx context.Context, id string, startedAt time.Time) error
	Finish(ctx context.Context, id string, finish RunFinish) error
}

// TaskExecutionRepository records job attempts. InsertAttempt is idempotent
// on (run, task, attempt) and reports whether a new row was written.
type TaskExecutionRepository interface {
	InsertAttempt(ctx context.Context, record TaskExecutionRecord) (TaskExecutionRecord, bool, error)
	FinishAttempt(ctx context.Context, id string, status ExecutionStatus, reason string, finishedAt time.Time) error
	ListByRun(ctx context.Context, runID string) ([]TaskExecutionRecord, error)
}
