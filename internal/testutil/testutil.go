// Package testutil provides test utilities for durarun
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/durarun/durarun/runstate"
	"github.com/durarun/durarun/storage"
)

// TestDB wraps a PostgreSQL connection pool for testing
type TestDB struct {
	Pool *pgxpool.Pool
}

// NewTestDB creates a test database connection from DATABASE_URL env var.
// Skips the test if DATABASE_URL is not set.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := storage.Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("Failed to apply schema: %v", err)
	}

	return &TestDB{Pool: pool}
}

// Close closes the database connection
func (db *TestDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// CleanTables truncates all tables for test isolation
func (db *TestDB) CleanTables(ctx context.Context) error {
	tables := []string{
		"durarun_tool_approvals",
		"durarun_journal_entries",
		"durarun_runs",
		"durarun_sessions",
		"durarun_instances",
		"durarun_leader",
	}

	for _, table := range tables {
		_, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}

	return nil
}

// SetupTestSession creates a test session and returns its ID
func (db *TestDB) SetupTestSession(ctx context.Context, t *testing.T) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO durarun_sessions (id, user_id, agent_kind, title, status, created_at, updated_at)
		VALUES ($1, 'test-user', 'assistant', 'test session', 'active', NOW(), NOW())
	`, id)
	if err != nil {
		t.Fatalf("Failed to create test session: %v", err)
	}
	return id
}

// SetupTestRun creates a pending test run in the given session and returns its ID
func (db *TestDB) SetupTestRun(ctx context.Context, t *testing.T, sessionID uuid.UUID) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO durarun_runs (id, session_id, run_number, agent_kind, task, status, config, created_at)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(run_number), 0) + 1 FROM durarun_runs WHERE session_id = $2),
			'assistant', 'test task', $3, '{}', NOW())
	`, id, sessionID, runstate.StatusPending)
	if err != nil {
		t.Fatalf("Failed to create test run: %v", err)
	}
	return id
}
