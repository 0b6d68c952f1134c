package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrInvalidParams     = errors.New("invalid task parameters")
	ErrUnknownKind       = errors.New("unknown task kind")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrNotFound          = errors.New("artifact not found")
	ErrJobSubmission     = errors.New("job submission failed")
	ErrJobExecution      = errors.New("job execution failed")
	ErrContractViolation = errors.New("contract violation")
)

// TaskError attaches enough context to a failure to reproduce it.
type TaskError struct {
	Op   string
	Task TaskDescriptor
	Path string
	Err  error
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString(e.Task.Key())
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TaskError) Unwrap() error { return e.Err }

// CycleError lists the expansion path that led back to a task in progress.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if e == nil || len(e.Path) == 0 {
		return ErrCyclicDependency.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCyclicDependency.Error(), strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// JobFailure is the reason an external job reported for a failed run.
type JobFailure struct {
	Job    string
	Reason string
}

func (e *JobFailure) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "no reason reported"
	}
	if e.Job == "" {
		return fmt.Sprintf("%s: %s", ErrJobExecution.Error(), reason)
	}
	return fmt.Sprintf("%s: job %s: %s", ErrJobExecution.Error(), e.Job, reason)
}

func (e *JobFailure) Unwrap() error { return ErrJobExecution }
