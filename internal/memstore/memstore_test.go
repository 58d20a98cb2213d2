package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/runstate"
	"github.com/durarun/durarun/storage"
)

func newTestRun(t *testing.T, s *Store) *storage.Run {
	t.Helper()

	ctx := context.Background()
	sess, err := s.CreateSession(ctx, &storage.CreateSessionParams{UserID: "u", AgentKind: "assistant"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	run, err := s.CreateRun(ctx, &storage.CreateRunParams{SessionID: sess.ID, AgentKind: "assistant", Task: "t"})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	return run
}

func TestStore_ClaimSemantics(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := newTestRun(t, s)

	claimed, err := s.ClaimRun(ctx, run.ID, "a")
	if err != nil {
		t.Fatalf("ClaimRun() error = %v", err)
	}
	if claimed.Status != runstate.StatusRunning {
		t.Errorf("Status = %v, want running", claimed.Status)
	}

	if _, err := s.ClaimRun(ctx, run.ID, "b"); !errors.Is(err, storage.ErrRunNotClaimable) {
		t.Errorf("second claim error = %v, want ErrRunNotClaimable", err)
	}
}

func TestStore_JournalSequences(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := newTestRun(t, s)

	if _, err := s.AppendEntry(ctx, run.ID, nil, &journal.RunStarted{Task: "t"}); err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	e, err := s.AppendEntry(ctx, run.ID, nil, &journal.Text{Text: "hi"})
	if err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	if e.Sequence != 2 {
		t.Errorf("Sequence = %d, want 2", e.Sequence)
	}

	if _, err := s.AppendEntry(ctx, run.ID, nil, &journal.RunComplete{Success: true}); err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	if _, err := s.AppendEntry(ctx, run.ID, nil, &journal.Text{Text: "late"}); !errors.Is(err, storage.ErrTerminalEntry) {
		t.Errorf("append after terminal error = %v, want ErrTerminalEntry", err)
	}

	entries, err := s.ListEntries(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if err := journal.Validate(entries); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestStore_SuspendResumeFinalize(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := newTestRun(t, s)

	if _, err := s.ClaimRun(ctx, run.ID, "a"); err != nil {
		t.Fatalf("ClaimRun() error = %v", err)
	}
	if _, err := s.AppendEntry(ctx, run.ID, nil, &journal.RunStarted{Task: "t"}); err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}

	params := &storage.SuspendForApprovalParams{
		RunID: run.ID, InstanceID: "a", Step: 1,
		ToolCallID: "c1", ToolName: "send_email", Reason: "needs approval",
	}
	res, err := s.SuspendForApproval(ctx, params)
	if err != nil {
		t.Fatalf("SuspendForApproval() error = %v", err)
	}

	// Retry reuses the approval without duplicating entries.
	res2, err := s.SuspendForApproval(ctx, params)
	if err != nil {
		t.Fatalf("retry SuspendForApproval() error = %v", err)
	}
	if res2.Approval.ID != res.Approval.ID {
		t.Error("retry created a second approval")
	}
	entries, _ := s.ListEntries(ctx, run.ID, 0)
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}

	if _, err := s.ResumeRun(ctx, run.ID, storage.DecisionApproved, ""); err != nil {
		t.Fatalf("ResumeRun() error = %v", err)
	}
	if _, err := s.ResumeRun(ctx, run.ID, storage.DecisionRejected, ""); !errors.Is(err, storage.ErrNoPendingApproval) {
		t.Errorf("second resume error = %v, want ErrNoPendingApproval", err)
	}

	if _, err := s.FinalizeRun(ctx, run.ID, runstate.StatusCompleted,
		&storage.RunResult{Success: true}, &journal.RunComplete{Success: true}); err != nil {
		t.Fatalf("FinalizeRun() error = %v", err)
	}
	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != runstate.StatusCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}
	if _, err := s.FinalizeRun(ctx, run.ID, runstate.StatusFailed, nil,
		&journal.RunError{Error: "x"}); !errors.Is(err, storage.ErrRunFinalized) {
		t.Errorf("second finalize error = %v, want ErrRunFinalized", err)
	}
}
