package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/tac-pipeline/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	runColumns = `run_id, pipeline, kind, params, root_key, executor, status, submitted, skipped, error, created_at, started_at, finished_at`

	insertRunQuery = `INSERT INTO pipeline_runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM pipeline_runs WHERE run_id = $1`

	listRunsQuery = `SELECT ` + runColumns + ` FROM pipeline_runs
	 WHERE ($1 = '' OR status = $1)
	 ORDER BY created_at DESC
	 LIMIT $2`

	markRunStartedQuery = `UPDATE pipeline_runs SET status = $2, started_at = $3
	 WHERE run_id = $1 AND status NOT IN ('succeeded', 'failed')`

	finishRunQuery = `UPDATE pipeline_runs
	 SET status = $2, submitted = $3, skipped = $4, error = $5, finished_at = $6
	 WHERE run_id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) Create(ctx context.Context, run repo.PipelineRunRecord) (repo.PipelineRunRecord, error) {
	if s == nil || s.db == nil {
		return repo.PipelineRunRecord{}, fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(run.Kind) == "" {
		return repo.PipelineRunRecord{}, fmt.Errorf("kind is required")
	}
	if strings.TrimSpace(run.RootKey) == "" {
		return repo.PipelineRunRecord{}, fmt.Errorf("root key is required")
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = repo.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	params, err := encodeParams(run.Params)
	if err != nil {
		return repo.PipelineRunRecord{}, fmt.Errorf("encode params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertRunQuery,
		run.ID,
		strings.TrimSpace(run.Pipeline),
		strings.TrimSpace(run.Kind),
		params,
		run.RootKey,
		run.Executor,
		string(run.Status),
		run.Submitted,
		run.Skipped,
		nullIfEmpty(run.Error),
		run.CreatedAt.UTC(),
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return repo.PipelineRunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *RunStore) Get(ctx context.Context, id string) (repo.PipelineRunRecord, error) {
	if s == nil || s.db == nil {
		return repo.PipelineRunRecord{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return repo.PipelineRunRecord{}, repo.ErrNotFound
	}
	return scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
}

func (s *RunStore) List(ctx context.Context, filter repo.RunFilter) ([]repo.PipelineRunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]repo.PipelineRunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *RunStore) MarkStarted(ctx context.Context, id string, startedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, markRunStartedQuery, id, string(repo.RunRunning), startedAt.UTC()); err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	return nil
}

func (s *RunStore) Finish(ctx context.Context, id string, finish repo.RunFinish) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if !finish.Status.Terminal() {
		return fmt.Errorf("finish status %q is not terminal", finish.Status)
	}
	res, err := s.db.ExecContext(ctx, finishRunQuery,
		id,
		string(finish.Status),
		finish.Submitted,
		finish.Skipped,
		nullIfEmpty(finish.Error),
		finish.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanRun(row scanner) (repo.PipelineRunRecord, error) {
	var run repo.PipelineRunRecord
	var params []byte
	var status string
	var runErr sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&run.ID,
		&run.Pipeline,
		&run.Kind,
		&params,
		&run.RootKey,
		&run.Executor,
		&status,
		&run.Submitted,
		&run.Skipped,
		&runErr,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return repo.PipelineRunRecord{}, handleNotFound(err)
	}
	decoded, err := decodeParams(params)
	if err != nil {
		return repo.PipelineRunRecord{}, fmt.Errorf("decode params: %w", err)
	}
	run.Params = decoded
	run.Status = repo.RunStatus(status)
	run.Error = strings.TrimSpace(runErr.String)
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	return run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
