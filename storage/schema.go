package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the full DDL for the durable tables. Statements are idempotent
// so Migrate can run on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS durarun_sessions (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	agent_kind TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_durarun_sessions_user
	ON durarun_sessions (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS durarun_runs (
	id UUID PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES durarun_sessions(id) ON DELETE CASCADE,
	run_number INTEGER NOT NULL,
	agent_kind TEXT NOT NULL,
	task TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	config JSONB NOT NULL DEFAULT '{}',
	result JSONB,
	parent_run_id UUID REFERENCES durarun_runs(id) ON DELETE SET NULL,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	cancel_reason TEXT,
	claimed_by_instance_id TEXT,
	claimed_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (session_id, run_number)
);

CREATE INDEX IF NOT EXISTS idx_durarun_runs_status
	ON durarun_runs (status, created_at);

CREATE TABLE IF NOT EXISTS durarun_journal_entries (
	id UUID PRIMARY KEY,
	run_id UUID NOT NULL REFERENCES durarun_runs(id) ON DELETE CASCADE,
	sequence BIGINT NOT NULL,
	entry_type TEXT NOT NULL,
	step_number INTEGER,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (run_id, sequence)
);

CREATE TABLE IF NOT EXISTS durarun_tool_approvals (
	id UUID PRIMARY KEY,
	run_id UUID NOT NULL REFERENCES durarun_runs(id) ON DELETE CASCADE,
	tool_call_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	args JSONB NOT NULL DEFAULT '{}',
	step_number INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	rejection_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	resolved_at TIMESTAMPTZ,
	UNIQUE (run_id, tool_call_id)
);

-- At most one pending approval per run, enforced by the database.
CREATE UNIQUE INDEX IF NOT EXISTS idx_durarun_one_pending_approval
	ON durarun_tool_approvals (run_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS durarun_instances (
	id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	version TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS durarun_leader (
	name TEXT PRIMARY KEY,
	leader_id TEXT NOT NULL,
	elected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL
);

-- Fan appended entries out to every listening instance so subscribers
-- connected elsewhere see them without polling.
CREATE OR REPLACE FUNCTION durarun_notify_journal_appended() RETURNS TRIGGER AS $$
BEGIN
	PERFORM pg_notify('durarun_journal_appended', NEW.run_id::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_durarun_journal_appended ON durarun_journal_entries;
CREATE TRIGGER trg_durarun_journal_appended
	AFTER INSERT ON durarun_journal_entries
	FOR EACH ROW EXECUTE FUNCTION durarun_notify_journal_appended();
`

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
