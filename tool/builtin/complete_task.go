// Package builtin provides tools shipped with the engine.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/durarun/durarun/tool"
)

// CompleteTaskName is the tool the model calls to finish a run. The engine
// intercepts calls to this name and finalizes the run instead of executing
// the tool.
const CompleteTaskName = "complete_task"

// CompleteTaskArgs is the input the model supplies when finishing a run.
type CompleteTaskArgs struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ParseCompleteTaskArgs decodes the model's completion call.
func ParseCompleteTaskArgs(input json.RawMessage) (*CompleteTaskArgs, error) {
	var args CompleteTaskArgs
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("failed to parse %s args: %w", CompleteTaskName, err)
		}
	}
	return &args, nil
}

// completeTaskTool exists so the model sees complete_task in its tool list
// and input validation applies. Execute is never reached in a normal run.
type completeTaskTool struct{}

func (completeTaskTool) Name() string { return CompleteTaskName }

func (completeTaskTool) Description() string {
	return "Signal that the task is finished. Call with success=true and a " +
		"closing message when the task is done, or success=false if it cannot " +
		"be completed."
}

func (completeTaskTool) InputSchema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"success": {
				Type:        "boolean",
				Description: "Whether the task was accomplished",
			},
			"message": {
				Type:        "string",
				Description: "Final message summarizing the outcome",
			},
		},
		Required: []string{"success", "message"},
	}
}

func (completeTaskTool) Safety() tool.Safety { return tool.SafetySafe }

func (completeTaskTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	args, err := ParseCompleteTaskArgs(input)
	if err != nil {
		return "", err
	}
	return args.Message, nil
}

// CompleteTask returns the completion tool.
func CompleteTask() tool.Tool {
	return completeTaskTool{}
}
