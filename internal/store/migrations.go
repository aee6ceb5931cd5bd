package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS submissions (
		id                  TEXT PRIMARY KEY,
		task_name           TEXT NOT NULL,
		timestamp           TEXT NOT NULL,
		source_digest       TEXT NOT NULL DEFAULT '',
		tokened             INTEGER NOT NULL DEFAULT 0,
		compilation_outcome TEXT NOT NULL DEFAULT '',
		compilation_tries   INTEGER NOT NULL DEFAULT 0,
		evaluation_outcome  TEXT NOT NULL DEFAULT '',
		evaluation_tries    INTEGER NOT NULL DEFAULT 0,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_submissions_task_name ON submissions(task_name)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_timestamp ON submissions(timestamp)`,
	// Startup requeue scans for submissions still moving through the
	// pipeline.
	`CREATE INDEX IF NOT EXISTS idx_submissions_outcomes
		ON submissions(compilation_outcome, evaluation_outcome)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
