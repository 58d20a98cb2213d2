package runstate

import (
	"testing"
)

func TestStatus_IsValid(t *testing.T) {
	tests := []struct {
		status Status
		valid  bool
	}{
		{StatusPending, true},
		{StatusRunning, true},
		{StatusSuspended, true},
		{StatusCompleted, true},
		{StatusCancelled, true},
		{StatusFailed, true},
		{Status("invalid"), false},
		{Status(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusSuspended, false},
		{StatusCompleted, true},
		{StatusCancelled, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  Status
		to    Status
		valid bool
	}{
		// Claim and suspend cycle
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusSuspended, true},
		{StatusSuspended, StatusRunning, true},

		// Terminal transitions
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusPending, StatusCancelled, true},
		{StatusSuspended, StatusCancelled, true},
		{StatusSuspended, StatusFailed, true},

		// Invalid: skipping the claim
		{StatusPending, StatusSuspended, false},

		// Invalid: same status
		{StatusRunning, StatusRunning, false},

		// Invalid: out of terminal states
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
		{StatusFailed, StatusPending, false},
	}

	for _, tt := range tests {
		name := string(tt.from) + "->" + string(tt.to)
		t.Run(name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestStatus_IsClaimable(t *testing.T) {
	for _, s := range ClaimableStatuses() {
		if !s.IsClaimable() {
			t.Errorf("IsClaimable() = false for %s", s)
		}
	}
	for _, s := range []Status{StatusRunning, StatusCompleted, StatusCancelled, StatusFailed} {
		if s.IsClaimable() {
			t.Errorf("IsClaimable() = true for %s", s)
		}
	}
}

func TestStatus_Scan(t *testing.T) {
	var s Status
	if err := s.Scan("suspended"); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if s != StatusSuspended {
		t.Errorf("Scan() = %v, want %v", s, StatusSuspended)
	}
	if err := s.Scan("bogus"); err == nil {
		t.Error("Scan() accepted invalid status")
	}
}

func TestTransition_Validate(t *testing.T) {
	if err := (Transition{From: StatusPending, To: StatusRunning}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (Transition{From: StatusCompleted, To: StatusRunning}).Validate(); err == nil {
		t.Error("Validate() accepted transition out of terminal state")
	}
	if err := (Transition{From: Status("x"), To: StatusRunning}).Validate(); err == nil {
		t.Error("Validate() accepted invalid source")
	}
}

func TestSessionStatus(t *testing.T) {
	if !SessionActive.IsValid() || !SessionArchived.IsValid() {
		t.Error("expected active and archived to be valid")
	}
	if SessionStatus("gone").IsValid() {
		t.Error("IsValid() = true for unknown session status")
	}
}
