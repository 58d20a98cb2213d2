package storage

import "errors"

// Sentinel errors returned by Store implementations.
var (
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionArchived is returned when creating a run in an archived session.
	ErrSessionArchived = errors.New("session is archived")

	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotClaimable is returned when ClaimRun finds the run in a
	// status other than pending or suspended.
	ErrRunNotClaimable = errors.New("run not claimable")

	// ErrRunFinalized is returned when mutating a run that has already
	// reached a terminal status.
	ErrRunFinalized = errors.New("run already finalized")

	// ErrNoPendingApproval is returned by ResumeRun when the run has no
	// pending approval, including when a concurrent resume already won.
	ErrNoPendingApproval = errors.New("no pending approval")

	// ErrApprovalNotFound is returned when an approval does not exist.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrTerminalEntry is returned when appending after a terminal entry.
	ErrTerminalEntry = errors.New("journal already has terminal entry")
)
