// Package storage defines the durable persistence layer for sessions,
// runs, journal entries, tool approvals, and engine instances.
//
// Store is the interface the engine and HTTP surface program against;
// PostgresStore is the production implementation. All state other than the
// in-process event bus lives behind this interface, which is what makes
// runs survive process restarts.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/runstate"
)

// Session is a logical conversation owned by a user. Sessions own runs;
// deleting a session cascades to its runs, journal entries, and approvals.
type Session struct {
	ID        uuid.UUID             `json:"id"`
	UserID    string                `json:"user_id"`
	AgentKind string                `json:"agent_kind"`
	Title     string                `json:"title,omitempty"`
	Status    runstate.SessionStatus `json:"status"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// RunConfig holds per-run engine settings.
type RunConfig struct {
	MaxSteps int    `json:"maxSteps,omitempty"`
	Model    string `json:"model,omitempty"`
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Steps   int    `json:"steps"`
}

// Run is a single invocation of the engine within a session.
type Run struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   uuid.UUID       `json:"session_id"`
	RunNumber   int             `json:"run_number"`
	AgentKind   string          `json:"agent_kind"`
	Task        string          `json:"task"`
	Status      runstate.Status `json:"status"`
	Config      RunConfig       `json:"config"`
	Result      *RunResult      `json:"result,omitempty"`
	ParentRunID *uuid.UUID      `json:"parent_run_id,omitempty"`

	// Cancellation flag, observed by the engine at checkpoints.
	CancelRequested bool    `json:"cancel_requested,omitempty"`
	CancelReason    *string `json:"cancel_reason,omitempty"`

	// Lease bookkeeping for single-writer-per-run enforcement.
	ClaimedByInstanceID *string    `json:"claimed_by_instance_id,omitempty"`
	ClaimedAt           *time.Time `json:"claimed_at,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Decision is a human approval decision.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// IsValid returns true if the decision is a known value.
func (d Decision) IsValid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is a durable record of a gated tool call awaiting (or having
// received) a human decision. At most one pending approval exists per run.
type Approval struct {
	ID              uuid.UUID       `json:"id"`
	RunID           uuid.UUID       `json:"run_id"`
	ToolCallID      string          `json:"tool_call_id"`
	ToolName        string          `json:"tool_name"`
	Args            json.RawMessage `json:"args"`
	StepNumber      int             `json:"step_number"`
	Status          ApprovalStatus  `json:"status"`
	RejectionReason *string         `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Instance is a registered engine process.
type Instance struct {
	ID              string    `json:"id"`
	Hostname        string    `json:"hostname"`
	PID             int       `json:"pid"`
	Version         string    `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// CreateSessionParams holds parameters for CreateSession.
type CreateSessionParams struct {
	UserID    string
	AgentKind string
	Title     string
}

// CreateRunParams holds parameters for CreateRun.
type CreateRunParams struct {
	SessionID   uuid.UUID
	AgentKind   string
	Task        string
	Config      RunConfig
	ParentRunID *uuid.UUID
}

// RegisterInstanceParams holds parameters for RegisterInstance.
type RegisterInstanceParams struct {
	ID       string
	Hostname string
	PID      int
	Version  string
}

// SuspendForApprovalParams describes a gated tool call suspending a run.
type SuspendForApprovalParams struct {
	RunID      uuid.UUID
	InstanceID string
	Step       int
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Reason     string
}

// SuspendForApprovalResult is the outcome of SuspendForApproval.
type SuspendForApprovalResult struct {
	Approval  *Approval
	Proposed  *journal.Entry
	Suspended *journal.Entry
}

// ResumeRunResult is the outcome of ResumeRun.
type ResumeRunResult struct {
	Approval *Approval
	Resumed  *journal.Entry
}

// ExpiredApproval pairs a timed-out approval with the run_resumed entry
// that rejects it. Resumed is nil when an earlier sweep already journaled
// the timeout and only the run hand-off is still owed.
type ExpiredApproval struct {
	Approval *Approval
	Resumed  *journal.Entry
}

// Store is the durable persistence interface.
//
// All mutating run operations that must be atomic with a journal append
// are expressed as single methods (SuspendForApproval, ResumeRun,
// FinalizeRun) so implementations can wrap them in one transaction.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, params *CreateSessionParams) (*Session, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	ArchiveSession(ctx context.Context, sessionID uuid.UUID) error
	DeleteSession(ctx context.Context, sessionID uuid.UUID) error

	// Run operations
	CreateRun(ctx context.Context, params *CreateRunParams) (*Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*Run, error)
	ListSessionRuns(ctx context.Context, sessionID uuid.UUID) ([]*Run, error)

	// ClaimRun atomically transitions a pending or suspended run to
	// running and records the claiming instance. Returns
	// ErrRunNotClaimable if the run is in any other status.
	ClaimRun(ctx context.Context, runID uuid.UUID, instanceID string) (*Run, error)

	// ReclaimRun takes over a run left in running status by a dead
	// instance. Returns ErrRunNotClaimable if the run is not running.
	ReclaimRun(ctx context.Context, runID uuid.UUID, instanceID string) (*Run, error)

	// RequestCancel marks the run for cooperative cancellation. The
	// engine observes the flag at its next checkpoint. Returns the run
	// as of the update, or ErrRunFinalized if it is already terminal.
	RequestCancel(ctx context.Context, runID uuid.UUID, reason string) (*Run, error)

	// Journal operations. AppendEntry allocates the next dense sequence
	// number for the run under a per-run row lock; after it returns the
	// entry is durable. ListEntries returns entries with sequence >
	// afterSeq in ascending order; it never waits for future entries.
	AppendEntry(ctx context.Context, runID uuid.UUID, step *int, payload journal.Payload) (*journal.Entry, error)
	ListEntries(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]journal.Entry, error)

	// SuspendForApproval atomically creates the approval record (idempotent
	// on run and tool-call id), appends tool_proposed and run_suspended,
	// and transitions the run to suspended, releasing the lease.
	SuspendForApproval(ctx context.Context, params *SuspendForApprovalParams) (*SuspendForApprovalResult, error)

	// ResumeRun atomically resolves the pending approval and appends
	// run_resumed. Returns ErrNoPendingApproval if the run has no pending
	// approval for the tool call, making concurrent resumes conflict
	// instead of duplicating entries.
	ResumeRun(ctx context.Context, runID uuid.UUID, decision Decision, feedback string) (*ResumeRunResult, error)

	// FinalizeRun atomically appends the terminal entry and moves the run
	// to its terminal status, releasing the lease.
	FinalizeRun(ctx context.Context, runID uuid.UUID, status runstate.Status, result *RunResult, payload journal.Payload) (*journal.Entry, error)

	// Approval reads and expiry
	GetPendingApproval(ctx context.Context, runID uuid.UUID) (*Approval, error)
	GetApproval(ctx context.Context, runID uuid.UUID, toolCallID string) (*Approval, error)

	// ExpireApprovals times out pending approvals created before cutoff.
	// Each approval's status flip and its rejecting run_resumed entry
	// commit atomically, so a crash mid-sweep can never leave a run
	// suspended without a journaled decision. Runs stranded by a sweep
	// that died after committing but before handing the run back are
	// returned again (with Resumed nil) until a caller drives them.
	ExpireApprovals(ctx context.Context, cutoff time.Time) ([]*ExpiredApproval, error)

	// Instance operations
	RegisterInstance(ctx context.Context, params *RegisterInstanceParams) error
	UpdateInstanceHeartbeat(ctx context.Context, instanceID string) error
	DeregisterInstance(ctx context.Context, instanceID string) error

	// FindOrphanedRuns returns runs in running status claimed by instances
	// whose last heartbeat is older than cutoff. Used by the rescuer.
	FindOrphanedRuns(ctx context.Context, cutoff time.Time) ([]*Run, error)

	// FindClaimableRuns returns pending runs ordered by creation time,
	// used by the worker's polling fallback.
	FindClaimableRuns(ctx context.Context, limit int) ([]*Run, error)

	// Leadership lease for maintenance singletons.
	LeaderAttemptElect(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	LeaderResign(ctx context.Context, instanceID string) error
}
