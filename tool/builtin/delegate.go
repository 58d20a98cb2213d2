package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/durarun/durarun/tool"
)

// DelegateName is the tool the model calls to hand a subtask to another
// agent. The engine intercepts calls to this name, spawns a child run, and
// returns its terminal result as the tool output.
const DelegateName = "delegate_task"

// DelegateArgs is the input for a delegation call.
type DelegateArgs struct {
	AgentKind string `json:"agent_kind"`
	Task      string `json:"task"`
}

// ParseDelegateArgs decodes the model's delegation call.
func ParseDelegateArgs(input json.RawMessage) (*DelegateArgs, error) {
	var args DelegateArgs
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("failed to parse %s args: %w", DelegateName, err)
		}
	}
	if args.Task == "" {
		return nil, fmt.Errorf("%s requires a task", DelegateName)
	}
	return &args, nil
}

type delegateTool struct {
	agentKinds []string
}

func (t delegateTool) Name() string { return DelegateName }

func (t delegateTool) Description() string {
	return "Delegate a self-contained subtask to another agent and wait for " +
		"its result. Use this for work that a specialist agent handles better."
}

func (t delegateTool) InputSchema() tool.Schema {
	kind := tool.PropertyDef{
		Type:        "string",
		Description: "Which agent to delegate to",
	}
	if len(t.agentKinds) > 0 {
		kind.Enum = t.agentKinds
	}
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"agent_kind": kind,
			"task": {
				Type:        "string",
				Description: "The task to delegate",
			},
		},
		Required: []string{"agent_kind", "task"},
	}
}

func (delegateTool) Safety() tool.Safety { return tool.SafetySafe }

func (delegateTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	// Reached only if the engine interception is bypassed.
	if _, err := ParseDelegateArgs(input); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s must be executed by the run engine", DelegateName)
}

// Delegate returns the delegation tool. agentKinds restricts the target
// agents offered to the model; empty means unrestricted.
func Delegate(agentKinds ...string) tool.Tool {
	return delegateTool{agentKinds: agentKinds}
}
