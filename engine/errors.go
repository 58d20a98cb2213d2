package engine

import "errors"

// Sentinel errors returned by the engine.
var (
	// ErrRunBusy is returned when this process already holds the run's lease.
	ErrRunBusy = errors.New("run already being driven by this instance")

	// ErrDelegationDepth is returned when a child run would exceed the
	// configured delegation depth.
	ErrDelegationDepth = errors.New("delegation depth exceeded")
)
