// Package journal defines the append-only event log that records the
// history of an agent run.
//
// Every observable event in a run (model text, tool calls, suspensions,
// terminal outcomes) is persisted as an Entry with a dense per-run sequence
// number. The ordered entry list is the single source of truth: the engine
// derives all run state from it, and subscribers replay it to catch up.
//
// Entry invariants per run:
//
//	1 <= sequence, dense, strictly increasing
//	first entry is kind run_started
//	a terminal entry (run_complete, run_cancelled, run_error) is last
//	tool_complete is preceded by tool_starting, tool_proposed, or
//	child_run_started with the same call ID
//	run_suspended is eventually followed by run_resumed or a terminal entry
package journal

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a journal entry.
type Kind string

const (
	// KindRunStarted is always the first entry of a run.
	KindRunStarted Kind = "run_started"

	// KindRunResumed records a human approval decision waking a suspended run.
	KindRunResumed Kind = "run_resumed"

	// KindText records model prose output for a step.
	KindText Kind = "text"

	// KindToolProposed records an unsafe tool call awaiting approval.
	KindToolProposed Kind = "tool_proposed"

	// KindToolStarting records a tool call that is about to execute.
	KindToolStarting Kind = "tool_starting"

	// KindToolComplete records the outcome of a tool call, including
	// rejections (success=false, no matching tool_starting).
	KindToolComplete Kind = "tool_complete"

	// KindStepComplete closes one model-invocation step.
	KindStepComplete Kind = "step_complete"

	// KindRunSuspended records the run releasing its worker while waiting
	// for an approval.
	KindRunSuspended Kind = "run_suspended"

	// KindChildRunStarted records a delegated child run being spawned.
	KindChildRunStarted Kind = "child_run_started"

	// KindChildRunCompleted records a delegated child run reaching a
	// terminal state.
	KindChildRunCompleted Kind = "child_run_completed"

	// KindRunComplete is the terminal entry of a successful run.
	KindRunComplete Kind = "run_complete"

	// KindRunCancelled is the terminal entry of a cancelled run.
	KindRunCancelled Kind = "run_cancelled"

	// KindRunError is the terminal entry of a failed run.
	KindRunError Kind = "run_error"
)

// AllKinds returns every valid entry kind.
func AllKinds() []Kind {
	return []Kind{
		KindRunStarted,
		KindRunResumed,
		KindText,
		KindToolProposed,
		KindToolStarting,
		KindToolComplete,
		KindStepComplete,
		KindRunSuspended,
		KindChildRunStarted,
		KindChildRunCompleted,
		KindRunComplete,
		KindRunCancelled,
		KindRunError,
	}
}

// IsValid returns true if the kind is a known entry kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindRunStarted, KindRunResumed, KindText, KindToolProposed,
		KindToolStarting, KindToolComplete, KindStepComplete,
		KindRunSuspended, KindChildRunStarted, KindChildRunCompleted,
		KindRunComplete, KindRunCancelled, KindRunError:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if an entry of this kind ends the run. No entry
// may follow a terminal entry.
func (k Kind) IsTerminal() bool {
	switch k {
	case KindRunComplete, KindRunCancelled, KindRunError:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Value implements driver.Valuer for database serialization.
func (k Kind) Value() (driver.Value, error) {
	return string(k), nil
}

// Scan implements sql.Scanner for database deserialization.
func (k *Kind) Scan(src any) error {
	switch v := src.(type) {
	case string:
		kind := Kind(v)
		if !kind.IsValid() {
			return fmt.Errorf("journal: invalid entry kind %q", v)
		}
		*k = kind
		return nil
	case []byte:
		kind := Kind(v)
		if !kind.IsValid() {
			return fmt.Errorf("journal: invalid entry kind %q", v)
		}
		*k = kind
		return nil
	default:
		return fmt.Errorf("journal: cannot scan type %T into Kind", src)
	}
}

// Entry is a single immutable record in a run's journal.
type Entry struct {
	ID        uuid.UUID       `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Kind      Kind            `json:"type"`
	Step      *int            `json:"step,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the entry payload into the typed payload struct for
// its kind. Returns an error if the payload does not validate.
func (e *Entry) Decode() (Payload, error) {
	return DecodePayload(e.Kind, e.Payload)
}

// Validate checks a full per-run entry sequence against the journal
// invariants. Entries must be in ascending sequence order, as returned by
// the store.
func Validate(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if entries[0].Kind != KindRunStarted {
		return fmt.Errorf("journal: first entry is %s, want %s", entries[0].Kind, KindRunStarted)
	}
	started := make(map[string]bool)
	proposed := make(map[string]bool)
	for i, e := range entries {
		if want := int64(i + 1); e.Sequence != want {
			return fmt.Errorf("journal: entry %d has sequence %d, want %d", i, e.Sequence, want)
		}
		if e.Kind.IsTerminal() && i != len(entries)-1 {
			return fmt.Errorf("journal: terminal entry %s at sequence %d is not last", e.Kind, e.Sequence)
		}
		switch e.Kind {
		case KindToolProposed:
			p, err := e.Decode()
			if err != nil {
				return err
			}
			proposed[p.(*ToolProposed).ToolCallID] = true
		case KindToolStarting:
			p, err := e.Decode()
			if err != nil {
				return err
			}
			started[p.(*ToolStarting).ToolCallID] = true
		case KindChildRunStarted:
			p, err := e.Decode()
			if err != nil {
				return err
			}
			started[p.(*ChildRunStarted).ToolCallID] = true
		case KindToolComplete:
			p, err := e.Decode()
			if err != nil {
				return err
			}
			id := p.(*ToolComplete).ToolCallID
			if !started[id] && !proposed[id] {
				return fmt.Errorf("journal: tool_complete for unknown call %q at sequence %d", id, e.Sequence)
			}
		}
	}
	return nil
}
