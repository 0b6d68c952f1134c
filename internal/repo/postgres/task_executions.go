package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/tac-pipeline/internal/repo"
)

type TaskExecutionStore struct {
	db DB
}

const (
	executionColumns = `execution_id, run_id, task_key, kind, attempt, job_name, output_uri, status, reason, started_at, finished_at`

	insertTaskExecutionQuery = `INSERT INTO task_executions (` + executionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (run_id, task_key, attempt) DO NOTHING
	RETURNING ` + executionColumns

	selectTaskExecutionQuery = `SELECT ` + executionColumns + `
	 FROM task_executions
	 WHERE run_id = $1 AND task_key = $2 AND attempt = $3`

	finishTaskExecutionQuery = `UPDATE task_executions
	 SET status = $2, reason = $3, finished_at = $4
	 WHERE execution_id = $1`

	listTaskExecutionsByRunQuery = `SELECT ` + executionColumns + `
	 FROM task_executions
	 WHERE run_id = $1
	 ORDER BY started_at ASC, task_key ASC, attempt ASC`
)

func NewTaskExecutionStore(db DB) *TaskExecutionStore {
	if db == nil {
		return nil
	}
	return &TaskExecutionStore{db: db}
}

func (s *TaskExecutionStore) InsertAttempt(ctx context.Context, record repo.TaskExecutionRecord) (repo.TaskExecutionRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.TaskExecutionRecord{}, false, fmt.Errorf("task execution store not initialized")
	}
	if err := record.Validate(); err != nil {
		return repo.TaskExecutionRecord{}, false, err
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	inserted, err := scanTaskExecution(s.db.QueryRowContext(ctx, insertTaskExecutionQuery,
		id,
		strings.TrimSpace(record.RunID),
		record.TaskKey,
		record.Kind,
		record.Attempt,
		nullIfEmpty(record.JobName),
		nullIfEmpty(record.OutputURI),
		string(record.Status),
		nullIfEmpty(record.Reason),
		startedAt.UTC(),
		nullTime(record.FinishedAt),
	))
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return repo.TaskExecutionRecord{}, false, fmt.Errorf("insert task execution: %w", err)
		}
		existing, err := scanTaskExecution(s.db.QueryRowContext(ctx, selectTaskExecutionQuery,
			strings.TrimSpace(record.RunID), record.TaskKey, record.Attempt))
		if err != nil {
			return repo.TaskExecutionRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *TaskExecutionStore) FinishAttempt(ctx context.Context, id string, status repo.ExecutionStatus, reason string, finishedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task execution store not initialized")
	}
	res, err := s.db.ExecContext(ctx, finishTaskExecutionQuery, id, string(status), nullIfEmpty(reason), finishedAt.UTC())
	if err != nil {
		return fmt.Errorf("finish task execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *TaskExecutionStore) ListByRun(ctx context.Context, runID string) ([]repo.TaskExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task execution store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listTaskExecutionsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}
	defer rows.Close()

	records := make([]repo.TaskExecutionRecord, 0)
	for rows.Next() {
		record, err := scanTaskExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}
	return records, nil
}

func scanTaskExecution(row scanner) (repo.TaskExecutionRecord, error) {
	var record repo.TaskExecutionRecord
	var jobName, outputURI, reason sql.NullString
	var status string
	var finishedAt sql.NullTime
	if err := row.Scan(
		&record.ID,
		&record.RunID,
		&record.TaskKey,
		&record.Kind,
		&record.Attempt,
		&jobName,
		&outputURI,
		&status,
		&reason,
		&record.StartedAt,
		&finishedAt,
	); err != nil {
		return repo.TaskExecutionRecord{}, handleNotFound(err)
	}
	record.JobName = jobName.String
	record.OutputURI = outputURI.String
	record.Status = repo.ExecutionStatus(status)
	record.Reason = strings.TrimSpace(reason.String)
	record.StartedAt = record.StartedAt.UTC()
	record.FinishedAt = timePtr(finishedAt)
	return record, nil
}
