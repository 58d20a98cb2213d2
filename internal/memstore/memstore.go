// Package memstore provides an in-memory storage.Store used by unit tests
// and local experiments. It mirrors the transactional semantics of the
// PostgreSQL store under a single mutex.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/runstate"
	"github.com/durarun/durarun/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*storage.Session
	runs      map[uuid.UUID]*storage.Run
	entries   map[uuid.UUID][]journal.Entry
	approvals map[uuid.UUID][]*storage.Approval
	instances map[string]*storage.Instance

	leaderID      string
	leaderExpires time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:  map[uuid.UUID]*storage.Session{},
		runs:      map[uuid.UUID]*storage.Run{},
		entries:   map[uuid.UUID][]journal.Entry{},
		approvals: map[uuid.UUID][]*storage.Approval{},
		instances: map[string]*storage.Instance{},
	}
}

func cloneSession(s *storage.Session) *storage.Session { c := *s; return &c }

func cloneRun(r *storage.Run) *storage.Run {
	c := *r
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	return &c
}

func cloneApproval(a *storage.Approval) *storage.Approval { c := *a; return &c }

// =============================================================================
// Sessions
// =============================================================================

func (s *Store) CreateSession(_ context.Context, params *storage.CreateSessionParams) (*storage.Session, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if params.AgentKind == "" {
		return nil, fmt.Errorf("agent_kind is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess := &storage.Session{
		ID:        uuid.New(),
		UserID:    params.UserID,
		AgentKind: params.AgentKind,
		Title:     params.Title,
		Status:    runstate.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

func (s *Store) GetSession(_ context.Context, sessionID uuid.UUID) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) ListSessions(_ context.Context, userID string) ([]*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []*storage.Session
	for _, sess := range s.sessions {
		if userID == "" || sess.UserID == userID {
			sessions = append(sessions, cloneSession(sess))
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func (s *Store) ArchiveSession(_ context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	sess.Status = runstate.SessionArchived
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *Store) DeleteSession(_ context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return storage.ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	for id, run := range s.runs {
		if run.SessionID == sessionID {
			delete(s.runs, id)
			delete(s.entries, id)
			delete(s.approvals, id)
		}
	}
	return nil
}

// =============================================================================
// Runs
// =============================================================================

func (s *Store) CreateRun(_ context.Context, params *storage.CreateRunParams) (*storage.Run, error) {
	if params.Task == "" {
		return nil, fmt.Errorf("task is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[params.SessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	if sess.Status == runstate.SessionArchived {
		return nil, storage.ErrSessionArchived
	}

	number := 0
	for _, run := range s.runs {
		if run.SessionID == params.SessionID && run.RunNumber > number {
			number = run.RunNumber
		}
	}

	run := &storage.Run{
		ID:          uuid.New(),
		SessionID:   params.SessionID,
		RunNumber:   number + 1,
		AgentKind:   params.AgentKind,
		Task:        params.Task,
		Status:      runstate.StatusPending,
		Config:      params.Config,
		ParentRunID: params.ParentRunID,
		CreatedAt:   time.Now(),
	}
	s.runs[run.ID] = run
	sess.UpdatedAt = run.CreatedAt
	return cloneRun(run), nil
}

func (s *Store) GetRun(_ context.Context, runID uuid.UUID) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *Store) ListSessionRuns(_ context.Context, sessionID uuid.UUID) ([]*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*storage.Run
	for _, run := range s.runs {
		if run.SessionID == sessionID {
			runs = append(runs, cloneRun(run))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunNumber < runs[j].RunNumber })
	return runs, nil
}

func (s *Store) ClaimRun(_ context.Context, runID uuid.UUID, instanceID string) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	if !run.Status.IsClaimable() {
		return nil, storage.ErrRunNotClaimable
	}

	now := time.Now()
	run.Status = runstate.StatusRunning
	run.ClaimedByInstanceID = &instanceID
	run.ClaimedAt = &now
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	return cloneRun(run), nil
}

func (s *Store) ReclaimRun(_ context.Context, runID uuid.UUID, instanceID string) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	if run.Status != runstate.StatusRunning {
		return nil, storage.ErrRunNotClaimable
	}

	now := time.Now()
	run.ClaimedByInstanceID = &instanceID
	run.ClaimedAt = &now
	return cloneRun(run), nil
}

func (s *Store) RequestCancel(_ context.Context, runID uuid.UUID, reason string) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return nil, storage.ErrRunFinalized
	}
	run.CancelRequested = true
	run.CancelReason = &reason
	return cloneRun(run), nil
}

// =============================================================================
// Journal
// =============================================================================

// appendLocked appends with the next dense sequence. Caller holds s.mu.
func (s *Store) appendLocked(runID uuid.UUID, step *int, payload journal.Payload) (*journal.Entry, error) {
	entries := s.entries[runID]
	if n := len(entries); n > 0 && entries[n-1].Kind.IsTerminal() {
		return nil, storage.ErrTerminalEntry
	}

	raw, err := journal.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	entry := journal.Entry{
		ID:        uuid.New(),
		RunID:     runID,
		Sequence:  int64(len(entries)) + 1,
		Kind:      payload.EntryKind(),
		Step:      step,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
	s.entries[runID] = append(entries, entry)
	return &entry, nil
}

func (s *Store) AppendEntry(_ context.Context, runID uuid.UUID, step *int, payload journal.Payload) (*journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, storage.ErrRunNotFound
	}
	return s.appendLocked(runID, step, payload)
}

func (s *Store) ListEntries(_ context.Context, runID uuid.UUID, afterSeq int64) ([]journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []journal.Entry
	for _, e := range s.entries[runID] {
		if e.Sequence > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// Semantic transactions
// =============================================================================

func (s *Store) SuspendForApproval(_ context.Context, params *storage.SuspendForApprovalParams) (*storage.SuspendForApprovalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[params.RunID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return nil, storage.ErrRunFinalized
	}

	res := &storage.SuspendForApprovalResult{}

	// Idempotent on (run, tool call): a retry reuses the existing record.
	for _, a := range s.approvals[params.RunID] {
		if a.ToolCallID == params.ToolCallID {
			res.Approval = cloneApproval(a)
			break
		}
	}
	if res.Approval == nil {
		approval := &storage.Approval{
			ID:         uuid.New(),
			RunID:      params.RunID,
			ToolCallID: params.ToolCallID,
			ToolName:   params.ToolName,
			Args:       params.Args,
			StepNumber: params.Step,
			Status:     storage.ApprovalPending,
			CreatedAt:  time.Now(),
		}
		s.approvals[params.RunID] = append(s.approvals[params.RunID], approval)
		res.Approval = cloneApproval(approval)

		var err error
		res.Proposed, err = s.appendLocked(params.RunID, &params.Step, &journal.ToolProposed{
			ToolCallID: params.ToolCallID,
			ToolName:   params.ToolName,
			Args:       params.Args,
		})
		if err != nil {
			return nil, err
		}
		res.Suspended, err = s.appendLocked(params.RunID, &params.Step, &journal.RunSuspended{
			Reason:     params.Reason,
			ApprovalID: approval.ID,
		})
		if err != nil {
			return nil, err
		}
	}

	run.Status = runstate.StatusSuspended
	run.ClaimedByInstanceID = nil
	run.ClaimedAt = nil
	return res, nil
}

func (s *Store) ResumeRun(_ context.Context, runID uuid.UUID, decision storage.Decision, feedback string) (*storage.ResumeRunResult, error) {
	if !decision.IsValid() {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return nil, storage.ErrRunFinalized
	}

	var pending *storage.Approval
	for _, a := range s.approvals[runID] {
		if a.Status == storage.ApprovalPending {
			pending = a
			break
		}
	}
	if pending == nil {
		return nil, storage.ErrNoPendingApproval
	}

	now := time.Now()
	pending.Status = storage.ApprovalStatus(decision)
	pending.ResolvedAt = &now
	if decision == storage.DecisionRejected {
		reason := feedback
		if reason == "" {
			reason = "rejected"
		}
		pending.RejectionReason = &reason
	}

	entry, err := s.appendLocked(runID, &pending.StepNumber, &journal.RunResumed{
		Decision: string(decision),
		Feedback: feedback,
	})
	if err != nil {
		return nil, err
	}
	return &storage.ResumeRunResult{Approval: cloneApproval(pending), Resumed: entry}, nil
}

func (s *Store) FinalizeRun(_ context.Context, runID uuid.UUID, status runstate.Status, result *storage.RunResult, payload journal.Payload) (*journal.Entry, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("status %q is not terminal", status)
	}
	if !payload.EntryKind().IsTerminal() {
		return nil, fmt.Errorf("entry kind %q is not terminal", payload.EntryKind())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return nil, storage.ErrRunFinalized
	}

	entry, err := s.appendLocked(runID, nil, payload)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	run.Status = status
	run.Result = result
	run.CompletedAt = &now
	run.ClaimedByInstanceID = nil
	run.ClaimedAt = nil
	return entry, nil
}

// =============================================================================
// Approvals
// =============================================================================

func (s *Store) GetPendingApproval(_ context.Context, runID uuid.UUID) (*storage.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.approvals[runID] {
		if a.Status == storage.ApprovalPending {
			return cloneApproval(a), nil
		}
	}
	return nil, nil
}

func (s *Store) GetApproval(_ context.Context, runID uuid.UUID, toolCallID string) (*storage.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.approvals[runID] {
		if a.ToolCallID == toolCallID {
			return cloneApproval(a), nil
		}
	}
	return nil, storage.ErrApprovalNotFound
}

func (s *Store) ExpireApprovals(_ context.Context, cutoff time.Time) ([]*storage.ExpiredApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	reason := "timed out"
	var expired []*storage.ExpiredApproval
	for runID, approvals := range s.approvals {
		run, ok := s.runs[runID]
		if !ok || run.Status.IsTerminal() {
			continue
		}
		pending := 0
		for _, a := range approvals {
			if a.Status == storage.ApprovalPending {
				pending++
			}
		}
		for _, a := range approvals {
			switch {
			case a.Status == storage.ApprovalPending && a.CreatedAt.Before(cutoff):
				// The flip and the rejecting run_resumed land together,
				// like the single transaction the Postgres store uses.
				a.Status = storage.ApprovalExpired
				a.RejectionReason = &reason
				a.ResolvedAt = &now
				entry, err := s.appendLocked(runID, &a.StepNumber, &journal.RunResumed{
					Decision: string(storage.DecisionRejected),
					Feedback: reason,
				})
				if err != nil {
					return nil, err
				}
				expired = append(expired, &storage.ExpiredApproval{
					Approval: cloneApproval(a),
					Resumed:  entry,
				})

			case a.Status == storage.ApprovalExpired && run.Status == runstate.StatusSuspended && pending == 0:
				// Stranded by a sweep that expired the approval but never
				// handed the run back; re-offer it without a new entry.
				expired = append(expired, &storage.ExpiredApproval{Approval: cloneApproval(a)})
			}
		}
	}
	return expired, nil
}

// =============================================================================
// Instances and leadership
// =============================================================================

func (s *Store) RegisterInstance(_ context.Context, params *storage.RegisterInstanceParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	inst, ok := s.instances[params.ID]
	if !ok {
		inst = &storage.Instance{ID: params.ID, CreatedAt: now}
		s.instances[params.ID] = inst
	}
	inst.Hostname = params.Hostname
	inst.PID = params.PID
	inst.Version = params.Version
	inst.LastHeartbeatAt = now
	return nil
}

func (s *Store) UpdateInstanceHeartbeat(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s not registered", instanceID)
	}
	inst.LastHeartbeatAt = time.Now()
	return nil
}

func (s *Store) DeregisterInstance(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.instances, instanceID)
	return nil
}

func (s *Store) FindOrphanedRuns(_ context.Context, cutoff time.Time) ([]*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orphans []*storage.Run
	for _, run := range s.runs {
		if run.Status != runstate.StatusRunning || run.ClaimedByInstanceID == nil {
			continue
		}
		inst, ok := s.instances[*run.ClaimedByInstanceID]
		if !ok || inst.LastHeartbeatAt.Before(cutoff) {
			orphans = append(orphans, cloneRun(run))
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].CreatedAt.Before(orphans[j].CreatedAt)
	})
	return orphans, nil
}

func (s *Store) FindClaimableRuns(_ context.Context, limit int) ([]*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*storage.Run
	for _, run := range s.runs {
		if run.Status == runstate.StatusPending && !run.CancelRequested {
			runs = append(runs, cloneRun(run))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *Store) LeaderAttemptElect(_ context.Context, instanceID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.leaderID == "" || s.leaderID == instanceID || s.leaderExpires.Before(now) {
		s.leaderID = instanceID
		s.leaderExpires = now.Add(ttl)
		return true, nil
	}
	return false, nil
}

func (s *Store) LeaderResign(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaderID == instanceID {
		s.leaderID = ""
		s.leaderExpires = time.Time{}
	}
	return nil
}
