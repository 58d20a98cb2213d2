package durarun

import "errors"

// Errors returned by the client.
var (
	// ErrInvalidConfig is returned when the client configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClientAlreadyStarted is returned when Start() is called on a
	// running client.
	ErrClientAlreadyStarted = errors.New("client already started")

	// ErrClientNotStarted is returned when an operation requires a running
	// client.
	ErrClientNotStarted = errors.New("client not started")
)
