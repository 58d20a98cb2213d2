// Package runstate provides the state machine definition for agent runs.
//
// A run alternates between model-directed reasoning and tool execution.
// Unsafe tool calls suspend the run until a human resolves the pending
// approval; the run then resumes on a possibly different worker.
//
// State machine:
//
//	pending -> running     (engine claims run)
//	running -> suspended   (unsafe tool awaiting approval)
//	suspended -> running   (approval resolved, engine re-claims)
//	running -> completed   (model signals done)
//	* -> cancelled         (cancel request, applied at next checkpoint)
//	* -> failed            (unrecoverable error)
//
// Terminal states (completed, cancelled, failed) cannot transition further.
package runstate

import (
	"database/sql/driver"
	"fmt"
)

// Status represents the current state of an agent run.
type Status string

const (
	// StatusPending indicates the run is created but not yet claimed by an
	// engine worker. This is the initial state.
	StatusPending Status = "pending"

	// StatusRunning indicates an engine worker holds the run's lease and is
	// advancing it. Only the lease holder may append journal entries.
	StatusRunning Status = "running"

	// StatusSuspended indicates the run released its worker and is waiting
	// for a human approval decision.
	StatusSuspended Status = "suspended"

	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"

	// StatusCancelled indicates the run was cancelled.
	StatusCancelled Status = "cancelled"

	// StatusFailed indicates the run failed with an unrecoverable error.
	StatusFailed Status = "failed"
)

// AllStatuses returns all possible run statuses.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusRunning,
		StatusSuspended,
		StatusCompleted,
		StatusCancelled,
		StatusFailed,
	}
}

// TerminalStatuses returns all terminal (final) statuses.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusCancelled, StatusFailed}
}

// ClaimableStatuses returns the statuses from which an engine worker may
// atomically take the run's lease.
func ClaimableStatuses() []Status {
	return []Status{StatusPending, StatusSuspended}
}

// IsValid returns true if the status is a known Status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuspended,
		StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is terminal. Terminal statuses
// cannot transition to any other status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// IsClaimable returns true if an engine worker may take the run's lease
// from this status.
func (s Status) IsClaimable() bool {
	return s == StatusPending || s == StatusSuspended
}

// CanTransitionTo returns true if a transition from this status to the
// target status is valid.
func (s Status) CanTransitionTo(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	if s == target {
		return false
	}
	// Any live status may reach a terminal status: cancel applies
	// everywhere, and failure can strike a suspended run (e.g. rescue
	// after an unrecoverable storage error).
	if target.IsTerminal() {
		return true
	}

	switch s {
	case StatusPending:
		return target == StatusRunning
	case StatusRunning:
		return target == StatusSuspended
	case StatusSuspended:
		return target == StatusRunning
	}
	return false
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Value implements driver.Valuer for database serialization.
func (s Status) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for database deserialization.
func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		status := Status(v)
		if !status.IsValid() {
			return fmt.Errorf("runstate: invalid status %q", v)
		}
		*s = status
		return nil
	case []byte:
		status := Status(v)
		if !status.IsValid() {
			return fmt.Errorf("runstate: invalid status %q", v)
		}
		*s = status
		return nil
	default:
		return fmt.Errorf("runstate: cannot scan type %T into Status", src)
	}
}

// Transition represents a status transition with validation.
type Transition struct {
	From Status
	To   Status
}

// Validate returns an error if the transition is invalid.
func (t Transition) Validate() error {
	if !t.From.IsValid() {
		return fmt.Errorf("runstate: invalid source status %q", t.From)
	}
	if !t.To.IsValid() {
		return fmt.Errorf("runstate: invalid target status %q", t.To)
	}
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("runstate: invalid transition from %q to %q", t.From, t.To)
	}
	return nil
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive accepts new runs.
	SessionActive SessionStatus = "active"

	// SessionArchived rejects new runs; metadata remains readable.
	SessionArchived SessionStatus = "archived"
)

// IsValid returns true if the session status is a known value.
func (s SessionStatus) IsValid() bool {
	return s == SessionActive || s == SessionArchived
}

// String returns the string representation of the session status.
func (s SessionStatus) String() string {
	return string(s)
}

// Value implements driver.Valuer for database serialization.
func (s SessionStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for database deserialization.
func (s *SessionStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		status := SessionStatus(v)
		if !status.IsValid() {
			return fmt.Errorf("runstate: invalid session status %q", v)
		}
		*s = status
		return nil
	case []byte:
		status := SessionStatus(v)
		if !status.IsValid() {
			return fmt.Errorf("runstate: invalid session status %q", v)
		}
		*s = status
		return nil
	default:
		return fmt.Errorf("runstate: cannot scan type %T into SessionStatus", src)
	}
}
