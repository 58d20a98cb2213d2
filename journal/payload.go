package journal

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload is the typed content of a journal entry. Payloads vary by entry
// kind and are stored as JSON; DecodePayload validates on the way out and
// EncodePayload on the way in.
type Payload interface {
	EntryKind() Kind
}

// RunStarted is the payload of the first entry of every run.
type RunStarted struct {
	Task      string `json:"task"`
	MaxSteps  int    `json:"max_steps"`
	AgentKind string `json:"agent_kind"`
}

func (RunStarted) EntryKind() Kind { return KindRunStarted }

// RunResumed records the human decision that woke a suspended run.
type RunResumed struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback,omitempty"`
}

func (RunResumed) EntryKind() Kind { return KindRunResumed }

// Text records model prose output.
type Text struct {
	Text string `json:"text"`
}

func (Text) EntryKind() Kind { return KindText }

// ToolProposed records an unsafe tool call awaiting human approval.
type ToolProposed struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
}

func (ToolProposed) EntryKind() Kind { return KindToolProposed }

// ToolStarting records a tool call about to execute.
type ToolStarting struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
}

func (ToolStarting) EntryKind() Kind { return KindToolStarting }

// ToolComplete records the outcome of a tool call. A rejected approval is
// recorded as Success=false with the rejection reason in Summary and no
// preceding tool_starting entry.
type ToolComplete struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Success    bool   `json:"success"`
	Summary    string `json:"summary,omitempty"`
}

func (ToolComplete) EntryKind() Kind { return KindToolComplete }

// StepComplete closes one model-invocation step.
type StepComplete struct {
	Step int `json:"step"`
}

func (StepComplete) EntryKind() Kind { return KindStepComplete }

// RunSuspended records the run releasing its worker pending approval.
type RunSuspended struct {
	Reason     string    `json:"reason"`
	ApprovalID uuid.UUID `json:"pending_approval_id"`
}

func (RunSuspended) EntryKind() Kind { return KindRunSuspended }

// ChildRunStarted records a delegated child run being spawned.
type ChildRunStarted struct {
	ChildRunID uuid.UUID `json:"child_run_id"`
	AgentKind  string    `json:"agent_kind"`
	Task       string    `json:"task"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

func (ChildRunStarted) EntryKind() Kind { return KindChildRunStarted }

// ChildRunCompleted records a delegated child run reaching a terminal state.
type ChildRunCompleted struct {
	ChildRunID uuid.UUID `json:"child_run_id"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
}

func (ChildRunCompleted) EntryKind() Kind { return KindChildRunCompleted }

// RunComplete is the terminal payload of a successful run.
type RunComplete struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Steps   int    `json:"steps"`
}

func (RunComplete) EntryKind() Kind { return KindRunComplete }

// RunCancelled is the terminal payload of a cancelled run.
type RunCancelled struct {
	Reason string `json:"reason,omitempty"`
}

func (RunCancelled) EntryKind() Kind { return KindRunCancelled }

// RunError is the terminal payload of a failed run.
type RunError struct {
	Error string `json:"error"`
}

func (RunError) EntryKind() Kind { return KindRunError }

// EncodePayload marshals a typed payload for storage. The payload's kind
// must match the entry kind it is stored under.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("journal: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to marshal %s payload: %w", p.EntryKind(), err)
	}
	return data, nil
}

// DecodePayload unmarshals raw payload JSON into the typed payload struct
// for the given kind.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindRunStarted:
		p = &RunStarted{}
	case KindRunResumed:
		p = &RunResumed{}
	case KindText:
		p = &Text{}
	case KindToolProposed:
		p = &ToolProposed{}
	case KindToolStarting:
		p = &ToolStarting{}
	case KindToolComplete:
		p = &ToolComplete{}
	case KindStepComplete:
		p = &StepComplete{}
	case KindRunSuspended:
		p = &RunSuspended{}
	case KindChildRunStarted:
		p = &ChildRunStarted{}
	case KindChildRunCompleted:
		p = &ChildRunCompleted{}
	case KindRunComplete:
		p = &RunComplete{}
	case KindRunCancelled:
		p = &RunCancelled{}
	case KindRunError:
		p = &RunError{}
	default:
		return nil, fmt.Errorf("journal: unknown entry kind %q", kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("journal: failed to unmarshal %s payload: %w", kind, err)
	}
	return p, nil
}
