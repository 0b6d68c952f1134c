package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id      UUID PRIMARY KEY,
	pipeline    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	params      JSONB NOT NULL DEFAULT '{}'::jsonb,
	root_key    TEXT NOT NULL,
	executor    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	submitted   INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS pipeline_runs_created_at_idx ON pipeline_runs (created_at DESC);

CREATE TABLE IF NOT EXISTS task_executions (
	execution_id UUID PRIMARY KEY,
	run_id       UUID NOT NULL REFERENCES pipeline_runs (run_id) ON DELETE CASCADE,
	task_key     TEXT NOT NULL,
	kind         TEXT NOT NULL,
	attempt      INTEGER NOT NULL CHECK (attempt >= 1),
	job_name     TEXT,
	output_uri   TEXT,
	status       TEXT NOT NULL,
	reason       TEXT,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ,
	UNIQUE (run_id, task_key, attempt)
);
`

// ApplySchema creates the ledger tables when they are missing.
func ApplySchema(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
