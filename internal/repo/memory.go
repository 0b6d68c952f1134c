package repo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger keeps runs and executions in process. It backs local runs when
// no database is configured.
type MemoryLedger struct {
	mu         sync.RWMutex
	runs       map[string]PipelineRunRecord
	executions map[string]TaskExecutionRecord
	attempts   map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		runs:       map[string]PipelineRunRecord{},
		executions: map[string]TaskExecutionRecord{},
		attempts:   map[string]string{},
	}
}

func (m *MemoryLedger) Create(_ context.Context, run PipelineRunRecord) (PipelineRunRecord, error) {
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return PipelineRunRecord{}, fmt.Errorf("run %s already exists", run.ID)
	}
	run.Params = copyParams(run.Params)
	m.runs[run.ID] = run
	return run, nil
}

func (m *MemoryLedger) Get(_ context.Context, id string) (PipelineRunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return PipelineRunRecord{}, ErrNotFound
	}
	run.Params = copyParams(run.Params)
	return run, nil
}

func (m *MemoryLedger) List(_ context.Context, filter RunFilter) ([]PipelineRunRecord, error) {
	m.mu.RLock()
	out := make([]PipelineRunRecord, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		run.Params = copyParams(run.Params)
		out = append(out, run)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryLedger) MarkStarted(_ context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	t := startedAt.UTC()
	run.Status = RunRunning
	run.StartedAt = &t
	m.runs[id] = run
	return nil
}

func (m *MemoryLedger) Finish(_ context.Context, id string, finish RunFinish) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	t := finish.FinishedAt.UTC()
	run.Status = finish.Status
	run.Submitted = finish.Submitted
	run.Skipped = finish.Skipped
	run.Error = finish.Error
	run.FinishedAt = &t
	m.runs[id] = run
	return nil
}

func (m *MemoryLedger) InsertAttempt(_ context.Context, record TaskExecutionRecord) (TaskExecutionRecord, bool, error) {
	if err := record.Validate(); err != nil {
		return TaskExecutionRecord{}, false, err
	}
	key := record.RunID + "\x00" + record.TaskKey + "\x00" + strconv.Itoa(record.Attempt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.attempts[key]; ok {
		return m.executions[id], false, nil
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	m.executions[record.ID] = record
	m.attempts[key] = record.ID
	return record, true, nil
}

func (m *MemoryLedger) FinishAttempt(_ context.Context, id string, status ExecutionStatus, reason string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	t := finishedAt.UTC()
	record.Status = status
	record.Reason = reason
	record.FinishedAt = &t
	m.executions[id] = record
	return nil
}

func (m *MemoryLedger) ListByRun(_ context.Context, runID string) ([]TaskExecutionRecord, error) {
	m.mu.RLock()
	out := make([]TaskExecutionRecord, 0)
	for _, record := range m.executions {
		if record.RunID == runID {
			out = append(out, record)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		if out[i].TaskKey != out[j].TaskKey {
			return out[i].TaskKey < out[j].TaskKey
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
