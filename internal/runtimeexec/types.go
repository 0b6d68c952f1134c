// Package runtimeexec submits task jobs to an external execution backend and
// waits for them to reach a terminal state.
package runtimeexec

import (
	"context"
	"time"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

// Runner is the execution surface the scheduler drives. Submit fails with an
// error wrapping domain.ErrJobSubmission when the backend refuses the job.
// Await blocks for the job's lifetime and only returns an error when ctx ends;
// every job-level failure, timeouts included, is reported as a failed Outcome.
// Retrying is the caller's decision.
type Runner interface {
	Kind() string
	Submit(ctx context.Context, spec domain.JobSpec) (JobHandle, error)
	Await(ctx context.Context, handle JobHandle) (Outcome, error)
	Cancel(ctx context.Context, handle JobHandle) error
}

// JobHandle identifies a submitted job within its backend.
type JobHandle struct {
	Runner      string
	Name        string
	Namespace   string
	SubmittedAt time.Time
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type Outcome struct {
	Status  Status
	Reason  string
	Details map[string]any
}

func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// Observation is a single status probe. Status is one of pending, running,
// succeeded or failed.
type Observation struct {
	Status  string
	Message string
	Details map[string]any
}

func (o Observation) terminal() bool {
	return o.Status == string(StatusSucceeded) || o.Status == string(StatusFailed)
}
