package tool

import "errors"

// Sentinel errors returned by the registry and executor.
var (
	// ErrToolNotFound is returned when executing an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidInput is returned when tool input fails schema validation.
	ErrInvalidInput = errors.New("invalid tool input")

	// ErrExecutionTimeout is returned when a tool exceeds its deadline.
	ErrExecutionTimeout = errors.New("tool execution timeout")
)
