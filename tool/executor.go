package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout is the per-call execution deadline when none is set.
const DefaultTimeout = 30 * time.Second

// Executor handles tool execution with validation and timeouts
type Executor struct {
	registry       *Registry
	validator      *Validator
	defaultTimeout time.Duration
}

// NewExecutor creates a new tool executor
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry:       registry,
		validator:      NewValidator(),
		defaultTimeout: DefaultTimeout,
	}
}

// SetDefaultTimeout sets the default execution timeout
func (e *Executor) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		e.defaultTimeout = timeout
	}
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// ExecuteResult represents the result of a tool execution
type ExecuteResult struct {
	ToolName string
	Input    json.RawMessage
	Output   string
	Error    error
	Duration time.Duration
}

// Success reports whether the execution produced a usable output.
func (r *ExecuteResult) Success() bool {
	return r.Error == nil
}

// OutputOrError returns the output on success, or the error text. Either
// way the result is fed back to the model as the tool outcome.
func (r *ExecuteResult) OutputOrError() string {
	if r.Error != nil {
		return r.Error.Error()
	}
	return r.Output
}

// Execute runs a single tool call. A missing tool or invalid input is
// reported through the result error, never a panic, so the engine can feed
// the failure back to the model as an observation.
func (e *Executor) Execute(ctx context.Context, toolName string, input json.RawMessage) *ExecuteResult {
	start := time.Now()

	result := &ExecuteResult{
		ToolName: toolName,
		Input:    input,
	}

	t, ok := e.registry.Get(toolName)
	if !ok {
		result.Error = fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
		result.Duration = time.Since(start)
		return result
	}

	if err := e.validator.Validate(t, input); err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}

	execCtx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	output, err := e.safeExecute(execCtx, t, input)
	result.Output = output
	result.Error = err
	result.Duration = time.Since(start)

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.Error = fmt.Errorf("%w after %v", ErrExecutionTimeout, e.defaultTimeout)
	}

	return result
}

// safeExecute converts a panicking tool into an error result.
func (e *Executor) safeExecute(ctx context.Context, t Tool, input json.RawMessage) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Name(), r)
		}
	}()
	return t.Execute(ctx, input)
}

// ValidateInput validates tool input against its schema without executing.
func (e *Executor) ValidateInput(toolName string, input json.RawMessage) error {
	t, ok := e.registry.Get(toolName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}
	return e.validator.Validate(t, input)
}
