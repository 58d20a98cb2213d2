package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/runstate"
)

// txContextKey is the context key for storing pgx.Tx
type txContextKey struct{}

// WithTx returns a new context carrying the given transaction. Store
// methods called with this context join the transaction instead of using
// the pool.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the transaction from context, or nil if not present.
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier is a common interface for pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL with pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// getQuerier returns the transaction from context if present, otherwise the pool.
func (s *PostgresStore) getQuerier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// inTx runs fn inside a transaction, joining one already in context.
func (s *PostgresStore) inTx(ctx context.Context, fn func(ctx context.Context, tx querier) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(WithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

const sessionColumns = `id, user_id, agent_kind, title, status, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.AgentKind,
		&sess.Title,
		&sess.Status,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession creates a new session.
func (s *PostgresStore) CreateSession(ctx context.Context, params *CreateSessionParams) (*Session, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if params.AgentKind == "" {
		return nil, fmt.Errorf("agent_kind is required")
	}

	query := `
		INSERT INTO durarun_sessions (id, user_id, agent_kind, title, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING ` + sessionColumns

	row := s.getQuerier(ctx).QueryRow(ctx, query,
		uuid.New(), params.UserID, params.AgentKind, params.Title, runstate.SessionActive)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM durarun_sessions WHERE id = $1`

	sess, err := scanSession(s.getQuerier(ctx).QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions retrieves sessions, optionally filtered by user.
func (s *PostgresStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM durarun_sessions`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.getQuerier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// ArchiveSession marks a session archived. Archived sessions reject new runs.
func (s *PostgresStore) ArchiveSession(ctx context.Context, sessionID uuid.UUID) error {
	query := `
		UPDATE durarun_sessions
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.getQuerier(ctx).Exec(ctx, query, sessionID, runstate.SessionArchived)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession deletes a session; runs, journal entries, and approvals
// cascade at the database level.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := s.getQuerier(ctx).Exec(ctx, `DELETE FROM durarun_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// =============================================================================
// Runs
// =============================================================================

const runColumns = `id, session_id, run_number, agent_kind, task, status, config, result,
	parent_run_id, cancel_requested, cancel_reason, claimed_by_instance_id, claimed_at,
	started_at, completed_at, created_at`

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var configJSON []byte
	var resultJSON []byte

	err := row.Scan(
		&run.ID,
		&run.SessionID,
		&run.RunNumber,
		&run.AgentKind,
		&run.Task,
		&run.Status,
		&configJSON,
		&resultJSON,
		&run.ParentRunID,
		&run.CancelRequested,
		&run.CancelReason,
		&run.ClaimedByInstanceID,
		&run.ClaimedAt,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &run.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		run.Result = &RunResult{}
		if err := json.Unmarshal(resultJSON, run.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run result: %w", err)
		}
	}
	return &run, nil
}

// CreateRun creates a new run in pending status. The run number is
// allocated under the session row lock so it is monotonic per session.
func (s *PostgresStore) CreateRun(ctx context.Context, params *CreateRunParams) (*Run, error) {
	if params.Task == "" {
		return nil, fmt.Errorf("task is required")
	}

	var run *Run
	err := s.inTx(ctx, func(ctx context.Context, tx querier) error {
		// Lock the session row to serialize run_number allocation.
		var status runstate.SessionStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM durarun_sessions WHERE id = $1 FOR UPDATE`,
			params.SessionID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock session: %w", err)
		}
		if status == runstate.SessionArchived {
			return ErrSessionArchived
		}

		configJSON, err := json.Marshal(params.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal run config: %w", err)
		}

		query := `
			INSERT INTO durarun_runs (id, session_id, run_number, agent_kind, task, status, config, parent_run_id, created_at)
			VALUES ($1, $2,
				(SELECT COALESCE(MAX(run_number), 0) + 1 FROM durarun_runs WHERE session_id = $2),
				$3, $4, $5, $6, $7, NOW())
			RETURNING ` + runColumns

		run, err = scanRun(tx.QueryRow(ctx, query,
			uuid.New(), params.SessionID, params.AgentKind, params.Task,
			runstate.StatusPending, configJSON, params.ParentRunID))
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE durarun_sessions SET updated_at = NOW() WHERE id = $1`, params.SessionID)
		if err != nil {
			return fmt.Errorf("failed to touch session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM durarun_runs WHERE id = $1`

	run, err := scanRun(s.getQuerier(ctx).QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListSessionRuns retrieves all runs of a session in run-number order.
func (s *PostgresStore) ListSessionRuns(ctx context.Context, sessionID uuid.UUID) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM durarun_runs WHERE session_id = $1 ORDER BY run_number ASC`

	rows, err := s.getQuerier(ctx).Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ClaimRun atomically takes the run's lease for an engine worker.
func (s *PostgresStore) ClaimRun(ctx context.Context, runID uuid.UUID, instanceID string) (*Run, error) {
	query := `
		UPDATE durarun_runs
		SET status = $3,
		    claimed_by_instance_id = $2,
		    claimed_at = NOW(),
		    started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING ` + runColumns

	run, err := scanRun(s.getQuerier(ctx).QueryRow(ctx, query,
		runID, instanceID, runstate.StatusRunning,
		runstate.StatusPending, runstate.StatusSuspended))
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish missing from unclaimable.
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrRunNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	return run, nil
}

// ReclaimRun takes over an orphaned running run for a new instance.
func (s *PostgresStore) ReclaimRun(ctx context.Context, runID uuid.UUID, instanceID string) (*Run, error) {
	query := `
		UPDATE durarun_runs
		SET claimed_by_instance_id = $2, claimed_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + runColumns

	run, err := scanRun(s.getQuerier(ctx).QueryRow(ctx, query, runID, instanceID, runstate.StatusRunning))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrRunNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim run: %w", err)
	}
	return run, nil
}

// RequestCancel marks a run for cooperative cancellation.
func (s *PostgresStore) RequestCancel(ctx context.Context, runID uuid.UUID, reason string) (*Run, error) {
	query := `
		UPDATE durarun_runs
		SET cancel_requested = TRUE, cancel_reason = $2
		WHERE id = $1 AND status NOT IN ($3, $4, $5)
		RETURNING ` + runColumns

	run, err := scanRun(s.getQuerier(ctx).QueryRow(ctx, query, runID, reason,
		runstate.StatusCompleted, runstate.StatusCancelled, runstate.StatusFailed))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrRunFinalized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to request cancel: %w", err)
	}
	return run, nil
}

// =============================================================================
// Journal
// =============================================================================

const entryColumns = `id, run_id, sequence, entry_type, step_number, payload, created_at`

func scanEntry(row pgx.Row) (*journal.Entry, error) {
	var e journal.Entry
	err := row.Scan(
		&e.ID,
		&e.RunID,
		&e.Sequence,
		&e.Kind,
		&e.Step,
		&e.Payload,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// appendEntryLocked allocates the next sequence and inserts the entry. The
// caller must hold the run row lock so MAX(sequence)+1 cannot race.
func appendEntryLocked(ctx context.Context, tx querier, runID uuid.UUID, step *int, payload journal.Payload) (*journal.Entry, error) {
	// Refuse to append past a terminal entry.
	var lastKind journal.Kind
	err := tx.QueryRow(ctx, `
		SELECT entry_type FROM durarun_journal_entries
		WHERE run_id = $1 ORDER BY sequence DESC LIMIT 1
	`, runID).Scan(&lastKind)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last entry: %w", err)
	}
	if err == nil && lastKind.IsTerminal() {
		return nil, ErrTerminalEntry
	}

	raw, err := journal.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO durarun_journal_entries (id, run_id, sequence, entry_type, step_number, payload, created_at)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM durarun_journal_entries WHERE run_id = $2),
			$3, $4, $5, NOW())
		RETURNING ` + entryColumns

	entry, err := scanEntry(tx.QueryRow(ctx, query, uuid.New(), runID, payload.EntryKind(), step, raw))
	if err != nil {
		return nil, fmt.Errorf("failed to append journal entry: %w", err)
	}
	return entry, nil
}

// lockRun takes the run row lock and returns the current status.
func lockRun(ctx context.Context, tx querier, runID uuid.UUID) (runstate.Status, error) {
	var status runstate.Status
	err := tx.QueryRow(ctx, `SELECT status FROM durarun_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock run: %w", err)
	}
	return status, nil
}

// AppendEntry durably appends a journal entry with the next dense sequence
// number for the run.
func (s *PostgresStore) AppendEntry(ctx context.Context, runID uuid.UUID, step *int, payload journal.Payload) (*journal.Entry, error) {
	var entry *journal.Entry
	err := s.inTx(ctx, func(ctx context.Context, tx querier) error {
		if _, err := lockRun(ctx, tx, runID); err != nil {
			return err
		}
		var err error
		entry, err = appendEntryLocked(ctx, tx, runID, step, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListEntries returns all entries with sequence > afterSeq in ascending order.
func (s *PostgresStore) ListEntries(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]journal.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM durarun_journal_entries
		WHERE run_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}
	return entries, nil
}

// =============================================================================
// Semantic transactions
// =============================================================================

const approvalColumns = `id, run_id, tool_call_id, tool_name, args, step_number, status,
	rejection_reason, created_at, resolved_at`

func scanApproval(row pgx.Row) (*Approval, error) {
	var a Approval
	err := row.Scan(
		&a.ID,
		&a.RunID,
		&a.ToolCallID,
		&a.ToolName,
		&a.Args,
		&a.StepNumber,
		&a.Status,
		&a.RejectionReason,
		&a.CreatedAt,
		&a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SuspendForApproval records a gated tool call and parks the run. The
// approval insert, both journal appends, and the status transition commit
// together; a crash retry reuses the existing approval and entries.
func (s *PostgresStore) SuspendForApproval(ctx context.Context, params *SuspendForApprovalParams) (*SuspendForApprovalResult, error) {
	res := &SuspendForApprovalResult{}
	err := s.inTx(ctx, func(ctx context.Context, tx querier) error {
		status, err := lockRun(ctx, tx, params.RunID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return ErrRunFinalized
		}

		// Idempotent on (run_id, tool_call_id): a retry after a partial
		// crash returns the existing record unchanged.
		_, err = tx.Exec(ctx, `
			INSERT INTO durarun_tool_approvals (id, run_id, tool_call_id, tool_name, args, step_number, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (run_id, tool_call_id) DO NOTHING
		`, uuid.New(), params.RunID, params.ToolCallID, params.ToolName,
			ensureJSON(params.Args), params.Step, ApprovalPending)
		if err != nil {
			return fmt.Errorf("failed to create approval: %w", err)
		}

		res.Approval, err = scanApproval(tx.QueryRow(ctx, `
			SELECT `+approvalColumns+`
			FROM durarun_tool_approvals
			WHERE run_id = $1 AND tool_call_id = $2
		`, params.RunID, params.ToolCallID))
		if err != nil {
			return fmt.Errorf("failed to read approval: %w", err)
		}

		res.Proposed, err = findEntryForCall(ctx, tx, params.RunID, journal.KindToolProposed, params.ToolCallID)
		if err != nil {
			return err
		}
		if res.Proposed == nil {
			res.Proposed, err = appendEntryLocked(ctx, tx, params.RunID, &params.Step, &journal.ToolProposed{
				ToolCallID: params.ToolCallID,
				ToolName:   params.ToolName,
				Args:       ensureJSON(params.Args),
			})
			if err != nil {
				return err
			}

			res.Suspended, err = appendEntryLocked(ctx, tx, params.RunID, &params.Step, &journal.RunSuspended{
				Reason:     params.Reason,
				ApprovalID: res.Approval.ID,
			})
			if err != nil {
				return err
			}
		}

		if status != runstate.StatusSuspended {
			_, err = tx.Exec(ctx, `
				UPDATE durarun_runs
				SET status = $2, claimed_by_instance_id = NULL, claimed_at = NULL
				WHERE id = $1
			`, params.RunID, runstate.StatusSuspended)
			if err != nil {
				return fmt.Errorf("failed to suspend run: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// findEntryForCall looks for an existing entry of the given kind whose
// payload references the tool call ID. Used for crash-retry idempotency.
func findEntryForCall(ctx context.Context, tx querier, runID uuid.UUID, kind journal.Kind, toolCallID string) (*journal.Entry, error) {
	entry, err := scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM durarun_journal_entries
		WHERE run_id = $1 AND entry_type = $2 AND payload->>'tool_call_id' = $3
		ORDER BY sequence DESC LIMIT 1
	`, runID, kind, toolCallID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s entry: %w", kind, err)
	}
	return entry, nil
}

// ResumeRun resolves the pending approval and journals the decision. The
// conditional update makes a second concurrent resume observe
// ErrNoPendingApproval instead of appending a duplicate run_resumed.
func (s *PostgresStore) ResumeRun(ctx context.Context, runID uuid.UUID, decision Decision, feedback string) (*ResumeRunResult, error) {
	if !decision.IsValid() {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}

	res := &ResumeRunResult{}
	err := s.inTx(ctx, func(ctx context.Context, tx querier) error {
		status, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return ErrRunFinalized
		}

		var reason *string
		if decision == DecisionRejected {
			r := feedback
			if r == "" {
				r = "rejected"
			}
			reason = &r
		}

		res.Approval, err = scanApproval(tx.QueryRow(ctx, `
			UPDATE durarun_tool_approvals
			SET status = $2, rejection_reason = $3, resolved_at = NOW()
			WHERE run_id = $1 AND status = $4
			RETURNING `+approvalColumns,
			runID, ApprovalStatus(decision), reason, ApprovalPending))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoPendingApproval
		}
		if err != nil {
			return fmt.Errorf("failed to resolve approval: %w", err)
		}

		res.Resumed, err = appendEntryLocked(ctx, tx, runID, &res.Approval.StepNumber, &journal.RunResumed{
			Decision: string(decision),
			Feedback: feedback,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FinalizeRun appends the terminal entry and moves the run to its terminal
// status in one transaction.
func (s *PostgresStore) FinalizeRun(ctx context.Context, runID uuid.UUID, status runstate.Status, result *RunResult, payload journal.Payload) (*journal.Entry, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("status %q is not terminal", status)
	}
	if !payload.EntryKind().IsTerminal() {
		return nil, fmt.Errorf("entry kind %q is not terminal", payload.EntryKind())
	}

	var entry *journal.Entry
	err := s.inTx(ctx, func(ctx context.Context, tx querier) error {
		current, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return ErrRunFinalized
		}

		entry, err = appendEntryLocked(ctx, tx, runID, nil, payload)
		if err != nil {
			return err
		}

		var resultJSON []byte
		if result != nil {
			resultJSON, err = json.Marshal(result)
			if err != nil {
				return fmt.Errorf("failed to marshal run result: %w", err)
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE durarun_runs
			SET status = $2, result = $3, completed_at = NOW(),
			    claimed_by_instance_id = NULL, claimed_at = NULL
			WHERE id = $1
		`, runID, status, resultJSON)
		if err != nil {
			return fmt.Errorf("failed to finalize run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// =============================================================================
// Approvals
// =============================================================================

// GetPendingApproval returns the single pending approval for a run, or nil.
func (s *PostgresStore) GetPendingApproval(ctx context.Context, runID uuid.UUID) (*Approval, error) {
	approval, err := scanApproval(s.getQuerier(ctx).QueryRow(ctx, `
		SELECT `+approvalColumns+`
		FROM durarun_tool_approvals
		WHERE run_id = $1 AND status = $2
	`, runID, ApprovalPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending approval: %w", err)
	}
	return approval, nil
}

// GetApproval returns the approval for a specific tool call.
func (s *PostgresStore) GetApproval(ctx context.Context, runID uuid.UUID, toolCallID string) (*Approval, error) {
	approval, err := scanApproval(s.getQuerier(ctx).QueryRow(ctx, `
		SELECT `+approvalColumns+`
		FROM durarun_tool_approvals
		WHERE run_id = $1 AND tool_call_id = $2
	`, runID, toolCallID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return approval, nil
}

// approvalTimeoutFeedback is the rejection feedback recorded when a
// pending approval times out.
const approvalTimeoutFeedback = "timed out"

// ExpireApprovals times out stale pending approvals. Each approval's
// status flip commits together with the rejecting run_resumed entry,
// mirroring ResumeRun, so a crash mid-sweep can never leave the run
// suspended without a journaled decision. Suspended runs whose approval a
// previous sweep expired without handing them back are returned again
// with Resumed nil.
func (s *PostgresStore) ExpireApprovals(ctx context.Context, cutoff time.Time) ([]*ExpiredApproval, error) {
	rows, err := s.getQuerier(ctx).Query(ctx, `
		SELECT a.id
		FROM durarun_tool_approvals a
		JOIN durarun_runs r ON r.id = a.run_id
		WHERE (a.status = $1 AND a.created_at < $2)
		   OR (a.status = $3 AND r.status = $4 AND NOT EXISTS (
				SELECT 1 FROM durarun_tool_approvals p
				WHERE p.run_id = a.run_id AND p.status = $1))
		ORDER BY a.created_at
	`, ApprovalPending, cutoff, ApprovalExpired, runstate.StatusSuspended)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale approvals: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan approval id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	var expired []*ExpiredApproval
	for _, id := range ids {
		ea, err := s.expireApproval(ctx, id, cutoff)
		if err != nil {
			return nil, err
		}
		if ea != nil {
			expired = append(expired, ea)
		}
	}
	return expired, nil
}

// expireApproval expires one approval atomically with its run_resumed
// append. Returns nil when the run finished or a human resolved the
// approval between the candidate query and the row lock.
func (s *PostgresStore) expireApproval(ctx context.Context, approvalID uuid.UUID, cutoff time.Time) (*ExpiredApproval, error) {
	ea := &ExpiredApproval{}
	err := s.inTx(ctx, func(ctx context.Context, tx querier) error {
		var runID uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT run_id FROM durarun_tool_approvals WHERE id = $1`, approvalID).Scan(&runID)
		if err != nil {
			return fmt.Errorf("failed to read approval run: %w", err)
		}

		status, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			ea = nil
			return nil
		}

		ea.Approval, err = scanApproval(tx.QueryRow(ctx, `
			UPDATE durarun_tool_approvals
			SET status = $2, rejection_reason = $3, resolved_at = NOW()
			WHERE id = $1 AND status = $4 AND created_at < $5
			RETURNING `+approvalColumns,
			approvalID, ApprovalExpired, approvalTimeoutFeedback, ApprovalPending, cutoff))
		if errors.Is(err, pgx.ErrNoRows) {
			// Already expired: the timeout entry is journaled and only the
			// run hand-off is owed. Any other resolution drops the row.
			ea.Approval, err = scanApproval(tx.QueryRow(ctx, `
				SELECT `+approvalColumns+`
				FROM durarun_tool_approvals WHERE id = $1 AND status = $2
			`, approvalID, ApprovalExpired))
			if errors.Is(err, pgx.ErrNoRows) || status != runstate.StatusSuspended {
				ea = nil
				return nil
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to expire approval: %w", err)
		}

		ea.Resumed, err = appendEntryLocked(ctx, tx, runID, &ea.Approval.StepNumber, &journal.RunResumed{
			Decision: string(DecisionRejected),
			Feedback: approvalTimeoutFeedback,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return ea, nil
}

// =============================================================================
// Instances
// =============================================================================

// RegisterInstance registers an engine process, upserting on restart.
func (s *PostgresStore) RegisterInstance(ctx context.Context, params *RegisterInstanceParams) error {
	_, err := s.getQuerier(ctx).Exec(ctx, `
		INSERT INTO durarun_instances (id, hostname, pid, version, created_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			pid = EXCLUDED.pid,
			version = EXCLUDED.version,
			last_heartbeat_at = NOW()
	`, params.ID, params.Hostname, params.PID, params.Version)
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// UpdateInstanceHeartbeat refreshes the instance's liveness timestamp.
func (s *PostgresStore) UpdateInstanceHeartbeat(ctx context.Context, instanceID string) error {
	tag, err := s.getQuerier(ctx).Exec(ctx, `
		UPDATE durarun_instances SET last_heartbeat_at = NOW() WHERE id = $1
	`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance %s not registered", instanceID)
	}
	return nil
}

// DeregisterInstance removes the instance row.
func (s *PostgresStore) DeregisterInstance(ctx context.Context, instanceID string) error {
	_, err := s.getQuerier(ctx).Exec(ctx,
		`DELETE FROM durarun_instances WHERE id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	return nil
}

// FindOrphanedRuns returns running runs whose claiming instance is gone or
// has stopped heartbeating.
func (s *PostgresStore) FindOrphanedRuns(ctx context.Context, cutoff time.Time) ([]*Run, error) {
	query := `
		SELECT ` + prefixedRunColumns("r") + `
		FROM durarun_runs r
		LEFT JOIN durarun_instances i ON i.id = r.claimed_by_instance_id
		WHERE r.status = $1 AND (i.id IS NULL OR i.last_heartbeat_at < $2)
		ORDER BY r.claimed_at ASC
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, runstate.StatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// FindClaimableRuns returns pending runs in creation order.
func (s *PostgresStore) FindClaimableRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM durarun_runs
		WHERE status = $1 AND NOT cancel_requested
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, runstate.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// =============================================================================
// Leadership
// =============================================================================

const leaderName = "durarun_maintenance"

// LeaderAttemptElect tries to take or renew the maintenance leader lease.
func (s *PostgresStore) LeaderAttemptElect(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().Add(ttl)

	var leaderID string
	err := s.getQuerier(ctx).QueryRow(ctx, `
		INSERT INTO durarun_leader (name, leader_id, elected_at, expires_at)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (name) DO UPDATE SET
			leader_id = EXCLUDED.leader_id,
			elected_at = CASE WHEN durarun_leader.leader_id = EXCLUDED.leader_id
				THEN durarun_leader.elected_at ELSE NOW() END,
			expires_at = EXCLUDED.expires_at
		WHERE durarun_leader.leader_id = $2 OR durarun_leader.expires_at < NOW()
		RETURNING leader_id
	`, leaderName, instanceID, expiresAt).Scan(&leaderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to attempt election: %w", err)
	}
	return leaderID == instanceID, nil
}

// LeaderResign gives up the maintenance leader lease.
func (s *PostgresStore) LeaderResign(ctx context.Context, instanceID string) error {
	_, err := s.getQuerier(ctx).Exec(ctx, `
		DELETE FROM durarun_leader WHERE name = $1 AND leader_id = $2
	`, leaderName, instanceID)
	if err != nil {
		return fmt.Errorf("failed to resign leadership: %w", err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// ensureJSON coerces empty args to an empty JSON object for JSONB columns.
func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// prefixedRunColumns qualifies runColumns with a table alias.
func prefixedRunColumns(alias string) string {
	return alias + ".id, " + alias + ".session_id, " + alias + ".run_number, " +
		alias + ".agent_kind, " + alias + ".task, " + alias + ".status, " +
		alias + ".config, " + alias + ".result, " + alias + ".parent_run_id, " +
		alias + ".cancel_requested, " + alias + ".cancel_reason, " +
		alias + ".claimed_by_instance_id, " + alias + ".claimed_at, " +
		alias + ".started_at, " + alias + ".completed_at, " + alias + ".created_at"
}
