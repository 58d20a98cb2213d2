package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/model"
	"github.com/durarun/durarun/runstate"
	"github.com/durarun/durarun/storage"
	"github.com/durarun/durarun/tool"
	"github.com/durarun/durarun/tool/builtin"
)

// replayState is the engine position derived from a run's journal. The
// journal is the only durable record of progress: anything journaled is
// done, anything not journaled is redone.
type replayState struct {
	started  bool
	terminal bool

	// step is the current (open) step number.
	step int

	// textsDone and callsDone count journaled work within the open step,
	// used to skip already-recorded parts of a re-generated model turn.
	textsDone int
	callsDone int

	// proposal is a gated tool call without a tool_complete yet; decision
	// is the run_resumed entry that resolves it, once present.
	proposal *journal.ToolProposed
	decision *journal.RunResumed

	// dangling is a tool_starting without a matching tool_complete,
	// observed after a crash mid-execution.
	dangling *journal.ToolStarting

	// child is a child_run_started without a child_run_completed.
	child *journal.ChildRunStarted
}

// replay folds a journal into the engine position.
func replay(entries []journal.Entry) (*replayState, error) {
	st := &replayState{step: 1}

	for i := range entries {
		e := &entries[i]
		payload, err := e.Decode()
		if err != nil {
			return nil, fmt.Errorf("replay: entry seq %d: %w", e.Sequence, err)
		}

		if e.Kind.IsTerminal() {
			st.terminal = true
			break
		}

		switch p := payload.(type) {
		case *journal.RunStarted:
			st.started = true

		case *journal.StepComplete:
			st.step = p.Step + 1
			st.textsDone = 0
			st.callsDone = 0
			st.proposal = nil
			st.decision = nil
			st.dangling = nil
			st.child = nil

		case *journal.Text:
			st.textsDone++

		case *journal.ToolProposed:
			st.proposal = p
			st.decision = nil

		case *journal.RunResumed:
			st.decision = p

		case *journal.ToolStarting:
			st.dangling = p

		case *journal.ToolComplete:
			st.callsDone++
			if st.proposal != nil && st.proposal.ToolCallID == p.ToolCallID {
				st.proposal = nil
				st.decision = nil
			}
			if st.dangling != nil && st.dangling.ToolCallID == p.ToolCallID {
				st.dangling = nil
			}

		case *journal.ChildRunStarted:
			st.child = p

		case *journal.ChildRunCompleted:
			st.child = nil
		}
	}
	return st, nil
}

// toolCallID derives the deterministic identifier for a tool call so that
// crash retries of the same logical call deduplicate against the journal.
func toolCallID(runID uuid.UUID, step, index int) string {
	return fmt.Sprintf("call-%s-s%d-t%d", runID.String()[:8], step, index)
}

// drive advances a claimed run until suspension or a terminal state.
func (e *Engine) drive(ctx context.Context, run *storage.Run) error {
	entries, err := e.store.ListEntries(ctx, run.ID, 0)
	if err != nil {
		return err
	}
	st, err := replay(entries)
	if err != nil {
		return e.failRun(ctx, run, st, fmt.Errorf("journal replay failed: %w", err))
	}
	if st.terminal {
		return nil
	}

	if !st.started {
		if err := e.appendAndPublish(ctx, run.ID, nil, &journal.RunStarted{
			Task:      run.Task,
			MaxSteps:  e.maxStepsFor(run),
			AgentKind: run.AgentKind,
		}); err != nil {
			return err
		}
	}

	// Work left over from before a suspension or crash is finished before
	// new work starts. The step stays open: the interrupted turn is
	// re-generated from the last step boundary and the replay counters skip
	// everything already journaled, so calls after the settled one still
	// execute.
	if st.proposal != nil {
		done, err := e.settleProposal(ctx, run, st)
		if err != nil || done {
			return err
		}
	}
	if st.dangling != nil {
		if err := e.rerunDangling(ctx, run, st); err != nil {
			return err
		}
	}
	if st.child != nil {
		if err := e.settleChild(ctx, run, st); err != nil {
			return err
		}
	}

	return e.stepLoop(ctx, run, st)
}

// settleProposal acts on a gated tool call. With a human decision present
// it executes or rejects the tool and counts the call as done, so the
// re-generated turn picks up at the next call; without a decision the run
// goes back to suspended (a rescue claimed it prematurely). Returns true
// when drive should stop.
func (e *Engine) settleProposal(ctx context.Context, run *storage.Run, st *replayState) (bool, error) {
	if st.decision == nil {
		// No resolution yet: park the run again without new entries.
		_, err := e.store.SuspendForApproval(ctx, &storage.SuspendForApprovalParams{
			RunID:      run.ID,
			InstanceID: e.instanceID,
			Step:       st.step,
			ToolCallID: st.proposal.ToolCallID,
			ToolName:   st.proposal.ToolName,
			Args:       st.proposal.Args,
			Reason:     fmt.Sprintf("tool %s requires approval", st.proposal.ToolName),
		})
		return true, err
	}

	step := st.step
	if st.decision.Decision == string(storage.DecisionApproved) {
		if err := e.appendAndPublish(ctx, run.ID, &step, &journal.ToolStarting{
			ToolCallID: st.proposal.ToolCallID,
			ToolName:   st.proposal.ToolName,
			Args:       st.proposal.Args,
		}); err != nil {
			return false, err
		}
		res := e.executor.Execute(ctx, st.proposal.ToolName, st.proposal.Args)
		e.metrics.ToolExecuted(st.proposal.ToolName, res.Success(), res.Duration)
		if err := e.appendToolComplete(ctx, run.ID, step, st.proposal.ToolCallID, res); err != nil {
			return false, err
		}
	} else {
		summary := "rejected"
		if st.decision.Feedback != "" {
			summary = "rejected: " + st.decision.Feedback
		}
		if err := e.appendAndPublish(ctx, run.ID, &step, &journal.ToolComplete{
			ToolCallID: st.proposal.ToolCallID,
			Success:    false,
			Summary:    summary,
		}); err != nil {
			return false, err
		}
	}

	st.proposal = nil
	st.decision = nil
	st.callsDone++
	return false, nil
}

// rerunDangling finishes a tool call whose tool_starting survived a crash
// but whose tool_complete did not. The side-effect may repeat; tools are
// expected to be idempotent at the logical level.
func (e *Engine) rerunDangling(ctx context.Context, run *storage.Run, st *replayState) error {
	e.logger.Warn("re-executing interrupted tool call",
		"run_id", run.ID,
		"tool", st.dangling.ToolName,
		"tool_call_id", st.dangling.ToolCallID,
	)

	step := st.step
	res := e.executor.Execute(ctx, st.dangling.ToolName, st.dangling.Args)
	e.metrics.ToolExecuted(st.dangling.ToolName, res.Success(), res.Duration)
	if err := e.appendToolComplete(ctx, run.ID, step, st.dangling.ToolCallID, res); err != nil {
		return err
	}
	st.dangling = nil
	st.callsDone++
	return nil
}

// settleChild waits out a delegated child run that was in flight when the
// parent lost its worker, then records its outcome.
func (e *Engine) settleChild(ctx context.Context, run *storage.Run, st *replayState) error {
	child, err := e.awaitChild(ctx, st.child.ChildRunID)
	if err != nil {
		return err
	}
	if err := e.recordChildOutcome(ctx, run.ID, st.step, st.child.ToolCallID, child); err != nil {
		return err
	}
	st.child = nil
	st.callsDone++
	return nil
}

// closeStep appends step_complete and opens the next step.
func (e *Engine) closeStep(ctx context.Context, runID uuid.UUID, st *replayState) error {
	step := st.step
	if err := e.appendAndPublish(ctx, runID, &step, &journal.StepComplete{Step: step}); err != nil {
		return err
	}
	st.step++
	st.textsDone = 0
	st.callsDone = 0
	return nil
}

// stepLoop runs model turns until completion, suspension, cancellation, or
// budget exhaustion.
func (e *Engine) stepLoop(ctx context.Context, run *storage.Run, st *replayState) error {
	maxSteps := e.maxStepsFor(run)

	for {
		if cancelled, err := e.checkpoint(ctx, run, st); cancelled || err != nil {
			return err
		}
		if st.step > maxSteps {
			return e.failRun(ctx, run, st, fmt.Errorf("step budget exhausted after %d steps", maxSteps))
		}

		turn, err := e.generateTurn(ctx, run)
		if err != nil {
			return e.failRun(ctx, run, st, err)
		}

		outcome, err := e.processTurn(ctx, run, st, turn)
		if err != nil {
			return err
		}
		switch outcome {
		case turnSuspended, turnFinished:
			return nil
		case turnContinue:
		}
	}
}

type turnOutcome int

const (
	turnContinue turnOutcome = iota
	turnSuspended
	turnFinished
)

// processTurn journals one model turn: text parts, then tool calls in
// order, then the step boundary. Parts already journaled before a crash
// are skipped by the replay counters.
func (e *Engine) processTurn(ctx context.Context, run *storage.Run, st *replayState, turn *model.Turn) (turnOutcome, error) {
	step := st.step

	for i, text := range turn.Texts {
		if i < st.textsDone {
			continue
		}
		if err := e.appendAndPublish(ctx, run.ID, &step, &journal.Text{Text: text}); err != nil {
			return turnContinue, err
		}
		st.textsDone++
	}

	for i, call := range turn.ToolCalls {
		if i < st.callsDone {
			continue
		}

		if cancelled, err := e.checkpoint(ctx, run, st); cancelled || err != nil {
			return turnFinished, err
		}

		// The completion sentinel ends the run instead of executing.
		if call.Name == builtin.CompleteTaskName {
			args, err := builtin.ParseCompleteTaskArgs(call.Args)
			if err != nil {
				args = &builtin.CompleteTaskArgs{Success: false, Message: err.Error()}
			}
			return turnFinished, e.completeRun(ctx, run.ID, st.step, args.Success, args.Message)
		}

		callID := toolCallID(run.ID, step, i)

		switch {
		case call.Name == builtin.DelegateName:
			if err := e.delegate(ctx, run, st, callID, call); err != nil {
				return turnContinue, err
			}

		case e.executor.Registry().RequiresApproval(call.Name):
			res, err := e.store.SuspendForApproval(ctx, &storage.SuspendForApprovalParams{
				RunID:      run.ID,
				InstanceID: e.instanceID,
				Step:       step,
				ToolCallID: callID,
				ToolName:   call.Name,
				Args:       call.Args,
				Reason:     fmt.Sprintf("tool %s requires approval", call.Name),
			})
			if err != nil {
				return turnContinue, err
			}
			if res.Proposed != nil {
				e.bus.Publish(*res.Proposed)
			}
			if res.Suspended != nil {
				e.bus.Publish(*res.Suspended)
			}
			e.metrics.RunSuspended()
			e.logger.Info("run suspended for approval",
				"run_id", run.ID,
				"tool", call.Name,
				"tool_call_id", callID,
			)
			return turnSuspended, nil

		default:
			if err := e.appendAndPublish(ctx, run.ID, &step, &journal.ToolStarting{
				ToolCallID: callID,
				ToolName:   call.Name,
				Args:       call.Args,
			}); err != nil {
				return turnContinue, err
			}
			res := e.executor.Execute(ctx, call.Name, call.Args)
			e.metrics.ToolExecuted(call.Name, res.Success(), res.Duration)
			if err := e.appendToolComplete(ctx, run.ID, step, callID, res); err != nil {
				return turnContinue, err
			}
		}
		st.callsDone++
	}

	if err := e.closeStep(ctx, run.ID, st); err != nil {
		return turnContinue, err
	}

	// A turn with no tool calls and a normal stop is the model's "done".
	if turn.StopReason == model.StopEndTurn && len(turn.ToolCalls) == 0 {
		message := ""
		if len(turn.Texts) > 0 {
			message = turn.Texts[len(turn.Texts)-1]
		}
		return turnFinished, e.completeRun(ctx, run.ID, step, true, message)
	}
	return turnContinue, nil
}

// delegate spawns a child run for another agent and blocks until it
// reaches a terminal state.
func (e *Engine) delegate(ctx context.Context, run *storage.Run, st *replayState, callID string, call model.ToolCall) error {
	step := st.step

	args, err := builtin.ParseDelegateArgs(call.Args)
	if err != nil {
		return e.failToolCall(ctx, run.ID, step, callID, call, err)
	}

	depth, err := e.delegationDepthOf(ctx, run)
	if err != nil {
		return err
	}
	if depth >= e.delegationDepth {
		return e.failToolCall(ctx, run.ID, step, callID, call, ErrDelegationDepth)
	}

	child, err := e.store.CreateRun(ctx, &storage.CreateRunParams{
		SessionID:   run.SessionID,
		AgentKind:   args.AgentKind,
		Task:        args.Task,
		Config:      run.Config,
		ParentRunID: &run.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to create child run: %w", err)
	}

	if err := e.appendAndPublish(ctx, run.ID, &step, &journal.ChildRunStarted{
		ChildRunID: child.ID,
		AgentKind:  args.AgentKind,
		Task:       args.Task,
		ToolCallID: callID,
	}); err != nil {
		return err
	}

	e.logger.Info("delegating to child run",
		"run_id", run.ID,
		"child_run_id", child.ID,
		"agent_kind", args.AgentKind,
	)

	// Drive the child on this worker. If it suspends for approval the
	// parent falls back to polling its terminal state.
	if err := e.Run(ctx, child.ID); err != nil && !errors.Is(err, storage.ErrRunNotClaimable) {
		e.logger.Warn("child run errored, awaiting its terminal state",
			"child_run_id", child.ID, "error", err)
	}

	final, err := e.awaitChild(ctx, child.ID)
	if err != nil {
		return err
	}
	return e.recordChildOutcome(ctx, run.ID, step, callID, final)
}

// awaitChild polls until the child run is terminal.
func (e *Engine) awaitChild(ctx context.Context, childID uuid.UUID) (*storage.Run, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		child, err := e.store.GetRun(ctx, childID)
		if err != nil {
			return nil, err
		}
		if child.Status.IsTerminal() {
			return child, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) recordChildOutcome(ctx context.Context, runID uuid.UUID, step int, callID string, child *storage.Run) error {
	success := child.Status == runstate.StatusCompleted
	message := string(child.Status)
	if child.Result != nil {
		success = success && child.Result.Success
		if child.Result.Message != "" {
			message = child.Result.Message
		}
	}

	if err := e.appendAndPublish(ctx, runID, &step, &journal.ChildRunCompleted{
		ChildRunID: child.ID,
		Success:    success,
		Message:    message,
	}); err != nil {
		return err
	}

	res := &tool.ExecuteResult{Output: message}
	if !success {
		res.Error = fmt.Errorf("child run %s: %s", child.ID, message)
	}
	return e.appendToolComplete(ctx, runID, step, callID, res)
}

// delegationDepthOf counts ancestors of the run.
func (e *Engine) delegationDepthOf(ctx context.Context, run *storage.Run) (int, error) {
	depth := 0
	current := run
	for current.ParentRunID != nil {
		parent, err := e.store.GetRun(ctx, *current.ParentRunID)
		if err != nil {
			return 0, err
		}
		depth++
		current = parent
		if depth > 16 {
			break
		}
	}
	return depth, nil
}

// generateTurn calls the model with retry and backoff for transient errors.
func (e *Engine) generateTurn(ctx context.Context, run *storage.Run) (*model.Turn, error) {
	req, err := e.buildRequest(ctx, run)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < e.modelRetries; attempt++ {
		if attempt > 0 {
			delay := e.retryBaseDelay << (attempt - 1)
			e.metrics.ModelRetry()
			e.logger.Warn("retrying model call",
				"run_id", run.ID, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		turn, err := e.model.Generate(ctx, req)
		e.metrics.ModelRequest(err == nil)
		if err == nil {
			return turn, nil
		}
		lastErr = err
		if !model.IsRetryable(err) {
			break
		}
	}
	return nil, fmt.Errorf("model call failed: %w", lastErr)
}

// checkpoint reloads the run and finalizes cancellation if requested.
func (e *Engine) checkpoint(ctx context.Context, run *storage.Run, st *replayState) (bool, error) {
	current, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return false, err
	}
	if current.Status.IsTerminal() {
		return true, nil
	}
	if !current.CancelRequested {
		return false, nil
	}

	reason := "cancelled by user"
	if current.CancelReason != nil && *current.CancelReason != "" {
		reason = *current.CancelReason
	}
	return true, e.finalizeCancelled(ctx, run.ID, reason)
}

// failToolCall records a tool call that failed before it could run, so the
// model sees the failure as a normal tool outcome.
func (e *Engine) failToolCall(ctx context.Context, runID uuid.UUID, step int, callID string, call model.ToolCall, cause error) error {
	if err := e.appendAndPublish(ctx, runID, &step, &journal.ToolStarting{
		ToolCallID: callID,
		ToolName:   call.Name,
		Args:       call.Args,
	}); err != nil {
		return err
	}
	return e.appendToolComplete(ctx, runID, step, callID, &tool.ExecuteResult{
		ToolName: call.Name,
		Error:    cause,
	})
}

func (e *Engine) appendToolComplete(ctx context.Context, runID uuid.UUID, step int, callID string, res *tool.ExecuteResult) error {
	payload := &journal.ToolComplete{
		ToolCallID: callID,
		Output:     res.Output,
		Success:    res.Success(),
	}
	if res.Error != nil {
		payload.Summary = res.Error.Error()
	}
	return e.appendAndPublish(ctx, runID, &step, payload)
}

func (e *Engine) completeRun(ctx context.Context, runID uuid.UUID, steps int, success bool, message string) error {
	result := &storage.RunResult{Success: success, Message: message, Steps: steps}
	entry, err := e.store.FinalizeRun(ctx, runID, runstate.StatusCompleted, result, &journal.RunComplete{
		Success: success,
		Message: message,
		Steps:   steps,
	})
	if err != nil {
		return err
	}
	e.bus.Publish(*entry)
	e.metrics.RunFinished(string(runstate.StatusCompleted))
	e.logger.Info("run completed", "run_id", runID, "success", success, "steps", steps)
	return nil
}

// failRun writes the terminal error entry unless the run is already
// terminal.
func (e *Engine) failRun(ctx context.Context, run *storage.Run, st *replayState, cause error) error {
	e.logger.Error("run failed", "run_id", run.ID, "error", cause)

	steps := 0
	if st != nil {
		steps = st.step - 1
	}
	result := &storage.RunResult{Success: false, Message: cause.Error(), Steps: steps}
	entry, err := e.store.FinalizeRun(ctx, run.ID, runstate.StatusFailed, result, &journal.RunError{
		Error: cause.Error(),
	})
	if errors.Is(err, storage.ErrRunFinalized) {
		return nil
	}
	if err != nil {
		return err
	}
	e.bus.Publish(*entry)
	e.metrics.RunFinished(string(runstate.StatusFailed))
	return nil
}

func (e *Engine) maxStepsFor(run *storage.Run) int {
	if run.Config.MaxSteps > 0 {
		return run.Config.MaxSteps
	}
	return e.maxSteps
}
