package postgres

import (
	"context"
	"fmt"
)

// schema is applied at startup; every statement is idempotent so concurrent
// binaries racing the bootstrap are harmless.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		credential_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY REFERENCES users(id),
		credits INT NOT NULL CHECK (credits >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		amount INT NOT NULL,
		description TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions (user_id, id)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		assigned_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 2,
		error TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL,
		estimated_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs (worker_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id)`,
	`CREATE TABLE IF NOT EXISTS job_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		assigned_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 2,
		error TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL,
		estimated_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_history_user ON job_history (user_id, archived_at)`,
	`CREATE TABLE IF NOT EXISTS system_stats (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
}

// EnsureSchema applies the schema statements in order.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
