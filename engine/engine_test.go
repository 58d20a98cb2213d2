package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/durarun/durarun/engine"
	"github.com/durarun/durarun/eventbus"
	"github.com/durarun/durarun/internal/memstore"
	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/model"
	"github.com/durarun/durarun/runstate"
	"github.com/durarun/durarun/storage"
	"github.com/durarun/durarun/tool"
	"github.com/durarun/durarun/tool/builtin"
)

type fixture struct {
	store  *memstore.Store
	bus    *eventbus.Bus
	client *model.ScriptedClient
	eng    *engine.Engine
	run    *storage.Run
}

func newFixture(t *testing.T, task string, opts ...engine.Option) *fixture {
	t.Helper()

	store := memstore.New()
	bus := eventbus.New(store)
	client := model.NewScriptedClient()

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(builtin.CompleteTask()))
	require.NoError(t, registry.Register(tool.NewFuncTool("list_labels", "lists labels", tool.Schema{
		Type:       "object",
		Properties: map[string]tool.PropertyDef{},
	}, func(context.Context, json.RawMessage) (string, error) {
		return `["svc"]`, nil
	})))
	require.NoError(t, registry.Register(tool.NewGatedFuncTool("exec", "runs a command", tool.Schema{
		Type:       "object",
		Properties: map[string]tool.PropertyDef{"cmd": {Type: "string"}},
	}, func(_ context.Context, input json.RawMessage) (string, error) {
		return "ok", nil
	})))

	eng := engine.New(store, bus, tool.NewExecutor(registry), client,
		append([]engine.Option{engine.WithInstanceID("test-instance")}, opts...)...)

	ctx := context.Background()
	sess, err := store.CreateSession(ctx, &storage.CreateSessionParams{UserID: "u", AgentKind: "assistant"})
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, &storage.CreateRunParams{SessionID: sess.ID, AgentKind: "assistant", Task: task})
	require.NoError(t, err)

	return &fixture{store: store, bus: bus, client: client, eng: eng, run: run}
}

func (f *fixture) entries(t *testing.T) []journal.Entry {
	t.Helper()
	entries, err := f.store.ListEntries(context.Background(), f.run.ID, 0)
	require.NoError(t, err)
	require.NoError(t, journal.Validate(entries))
	return entries
}

func (f *fixture) kinds(t *testing.T) []journal.Kind {
	t.Helper()
	entries := f.entries(t)
	kinds := make([]journal.Kind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	return kinds
}

func (f *fixture) status(t *testing.T) runstate.Status {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), f.run.ID)
	require.NoError(t, err)
	return run.Status
}

func TestRun_HappyPath(t *testing.T) {
	f := newFixture(t, "say hello")
	f.client.ReplyText("hi")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))

	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindText,
		journal.KindStepComplete,
		journal.KindRunComplete,
	}, f.kinds(t))
	require.Equal(t, runstate.StatusCompleted, f.status(t))

	run, _ := f.store.GetRun(context.Background(), f.run.ID)
	require.NotNil(t, run.Result)
	require.True(t, run.Result.Success)
	require.Equal(t, "hi", run.Result.Message)
	require.Equal(t, 1, run.Result.Steps)
}

func TestRun_SafeTool(t *testing.T) {
	f := newFixture(t, "list labels")
	f.client.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "list_labels", Args: json.RawMessage(`{}`)}).
		ReplyText("done")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))

	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindToolStarting,
		journal.KindToolComplete,
		journal.KindStepComplete,
		journal.KindText,
		journal.KindStepComplete,
		journal.KindRunComplete,
	}, f.kinds(t))

	entries := f.entries(t)
	p, err := entries[2].Decode()
	require.NoError(t, err)
	complete := p.(*journal.ToolComplete)
	require.True(t, complete.Success)
	require.Equal(t, `["svc"]`, complete.Output)
}

func TestRun_ApprovalApproved(t *testing.T) {
	f := newFixture(t, "run X")
	f.client.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "exec", Args: json.RawMessage(`{"cmd":"ls"}`)}).
		// The resumed run re-generates the interrupted turn from the same
		// context and skips the already-settled call.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "exec", Args: json.RawMessage(`{"cmd":"ls"}`)}).
		ReplyText("command ran")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))

	// Suspended at the gate.
	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindToolProposed,
		journal.KindRunSuspended,
	}, f.kinds(t))
	require.Equal(t, runstate.StatusSuspended, f.status(t))

	pending, err := f.store.GetPendingApproval(context.Background(), f.run.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.Equal(t, "exec", pending.ToolName)

	// Human approves.
	require.NoError(t, f.eng.Resume(context.Background(), f.run.ID, storage.DecisionApproved, ""))

	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindToolProposed,
		journal.KindRunSuspended,
		journal.KindRunResumed,
		journal.KindToolStarting,
		journal.KindToolComplete,
		journal.KindStepComplete,
		journal.KindText,
		journal.KindStepComplete,
		journal.KindRunComplete,
	}, f.kinds(t))
	require.Equal(t, runstate.StatusCompleted, f.status(t))
}

func TestRun_ApprovalRejected(t *testing.T) {
	f := newFixture(t, "run X")
	f.client.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "exec", Args: json.RawMessage(`{"cmd":"ls"}`)}).
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "exec", Args: json.RawMessage(`{"cmd":"ls"}`)}).
		ReplyText("understood, stopping")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))
	require.Equal(t, runstate.StatusSuspended, f.status(t))

	require.NoError(t, f.eng.Resume(context.Background(), f.run.ID, storage.DecisionRejected, "no"))

	kinds := f.kinds(t)
	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindToolProposed,
		journal.KindRunSuspended,
		journal.KindRunResumed,
		journal.KindToolComplete,
		journal.KindStepComplete,
		journal.KindText,
		journal.KindStepComplete,
		journal.KindRunComplete,
	}, kinds)

	// The rejection is recorded without a tool_starting.
	entries := f.entries(t)
	p, err := entries[4].Decode()
	require.NoError(t, err)
	complete := p.(*journal.ToolComplete)
	require.False(t, complete.Success)
	require.Equal(t, "rejected: no", complete.Summary)
}

func TestRun_ApprovalApprovedRunsRemainingCalls(t *testing.T) {
	f := newFixture(t, "run X then list labels")

	// One turn with a gated call followed by a safe one. The gate suspends
	// the run before the safe call; after approval the safe call must still
	// execute within the same step.
	turn := &model.Turn{
		ToolCalls: []model.ToolCall{
			{ID: "m1", Name: "exec", Args: json.RawMessage(`{"cmd":"ls"}`)},
			{ID: "m2", Name: "list_labels", Args: json.RawMessage(`{}`)},
		},
		StopReason: model.StopToolUse,
	}
	f.client.Reply(turn).Reply(turn).ReplyText("both done")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))
	require.Equal(t, runstate.StatusSuspended, f.status(t))

	require.NoError(t, f.eng.Resume(context.Background(), f.run.ID, storage.DecisionApproved, ""))

	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindToolProposed,
		journal.KindRunSuspended,
		journal.KindRunResumed,
		journal.KindToolStarting,
		journal.KindToolComplete,
		journal.KindToolStarting,
		journal.KindToolComplete,
		journal.KindStepComplete,
		journal.KindText,
		journal.KindStepComplete,
		journal.KindRunComplete,
	}, f.kinds(t))
	require.Equal(t, runstate.StatusCompleted, f.status(t))

	// The trailing safe call ran and recorded its own outcome.
	entries := f.entries(t)
	p, err := entries[6].Decode()
	require.NoError(t, err)
	require.Equal(t, "list_labels", p.(*journal.ToolStarting).ToolName)
	p, err = entries[7].Decode()
	require.NoError(t, err)
	complete := p.(*journal.ToolComplete)
	require.True(t, complete.Success)
	require.Equal(t, `["svc"]`, complete.Output)
}

func TestRun_ResumeConflict(t *testing.T) {
	f := newFixture(t, "run X")
	f.client.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "exec", Args: json.RawMessage(`{}`)}).
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "exec", Args: json.RawMessage(`{}`)}).
		ReplyText("done")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))
	require.NoError(t, f.eng.Resume(context.Background(), f.run.ID, storage.DecisionApproved, ""))

	// A second resume finds nothing pending.
	err := f.eng.Resume(context.Background(), f.run.ID, storage.DecisionApproved, "")
	require.ErrorIs(t, err, storage.ErrRunFinalized)

	// Exactly one run_resumed entry.
	resumed := 0
	for _, k := range f.kinds(t) {
		if k == journal.KindRunResumed {
			resumed++
		}
	}
	require.Equal(t, 1, resumed)
}

func TestRun_CancelMidRun(t *testing.T) {
	f := newFixture(t, "long task")

	// The tool itself requests cancellation, simulating a user cancel
	// arriving while a step is executing.
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(builtin.CompleteTask()))
	require.NoError(t, registry.Register(tool.NewFuncTool("slow", "slow tool", tool.Schema{
		Type:       "object",
		Properties: map[string]tool.PropertyDef{},
	}, func(context.Context, json.RawMessage) (string, error) {
		_, err := f.store.RequestCancel(context.Background(), f.run.ID, "changed my mind")
		require.NoError(t, err)
		return "partial", nil
	})))
	f.eng = engine.New(f.store, f.bus, tool.NewExecutor(registry), f.client,
		engine.WithInstanceID("test-instance"))

	f.client.ReplyToolCall(model.ToolCall{ID: "m1", Name: "slow", Args: json.RawMessage(`{}`)})

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))

	kinds := f.kinds(t)
	require.Equal(t, journal.KindRunCancelled, kinds[len(kinds)-1])
	require.Equal(t, runstate.StatusCancelled, f.status(t))

	// Nothing can follow the terminal entry.
	_, err := f.store.AppendEntry(context.Background(), f.run.ID, nil, &journal.Text{Text: "late"})
	require.ErrorIs(t, err, storage.ErrTerminalEntry)
}

func TestRun_CancelWhileSuspended(t *testing.T) {
	f := newFixture(t, "run X")
	f.client.ReplyToolCall(model.ToolCall{ID: "m1", Name: "exec", Args: json.RawMessage(`{}`)})

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))
	require.Equal(t, runstate.StatusSuspended, f.status(t))

	require.NoError(t, f.eng.Cancel(context.Background(), f.run.ID, "not needed"))
	require.Equal(t, runstate.StatusCancelled, f.status(t))

	// The orphaned approval was resolved, not left pending.
	pending, err := f.store.GetPendingApproval(context.Background(), f.run.ID)
	require.NoError(t, err)
	require.Nil(t, pending)

	kinds := f.kinds(t)
	require.Equal(t, journal.KindRunCancelled, kinds[len(kinds)-1])
}

func TestRun_CancelPending(t *testing.T) {
	f := newFixture(t, "never started")

	require.NoError(t, f.eng.Cancel(context.Background(), f.run.ID, ""))
	require.Equal(t, runstate.StatusCancelled, f.status(t))
	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindRunCancelled,
	}, f.kinds(t))
}

func TestRun_SubscriberMidRun(t *testing.T) {
	f := newFixture(t, "say hello")
	ctx := context.Background()

	// Two entries exist before the subscriber arrives.
	_, err := f.store.ClaimRun(ctx, f.run.ID, "test-instance")
	require.NoError(t, err)
	_, err = f.store.AppendEntry(ctx, f.run.ID, nil, &journal.RunStarted{Task: "say hello"})
	require.NoError(t, err)
	step := 1
	_, err = f.store.AppendEntry(ctx, f.run.ID, &step, &journal.Text{Text: "thinking"})
	require.NoError(t, err)

	sub, err := f.bus.Subscribe(ctx, f.run.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	// The engine continues on a rescued lease and finishes the run.
	f.client.ReplyText("hi")
	require.NoError(t, f.eng.Rescue(ctx, f.run.ID))

	var got []journal.Entry
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.Entries():
			got = append(got, e)
			if e.Kind.IsTerminal() {
				goto done
			}
		case <-timeout:
			t.Fatal("timed out waiting for terminal entry")
		}
	}
done:
	for i, e := range got {
		require.Equal(t, int64(i+1), e.Sequence)
	}
	require.Equal(t, journal.KindRunComplete, got[len(got)-1].Kind)
}

func TestRun_CrashResume(t *testing.T) {
	f := newFixture(t, "list labels")
	ctx := context.Background()

	// Simulate a crash after tool_starting was journaled but before
	// tool_complete: the journal ends mid-call and the run is stuck in
	// running under a dead instance.
	_, err := f.store.ClaimRun(ctx, f.run.ID, "dead-instance")
	require.NoError(t, err)
	_, err = f.store.AppendEntry(ctx, f.run.ID, nil, &journal.RunStarted{Task: "list labels"})
	require.NoError(t, err)
	step := 1
	_, err = f.store.AppendEntry(ctx, f.run.ID, &step, &journal.ToolStarting{
		ToolCallID: "call-crash-s1-t0",
		ToolName:   "list_labels",
		Args:       json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	// The rescued run finishes the interrupted call, re-generates the turn,
	// and moves on.
	f.client.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "list_labels", Args: json.RawMessage(`{}`)}).
		ReplyText("recovered")
	require.NoError(t, f.eng.Rescue(ctx, f.run.ID))

	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindToolStarting,
		journal.KindToolComplete,
		journal.KindStepComplete,
		journal.KindText,
		journal.KindStepComplete,
		journal.KindRunComplete,
	}, f.kinds(t))

	// The re-executed tool outcome pairs with the original call ID.
	entries := f.entries(t)
	p, err := entries[2].Decode()
	require.NoError(t, err)
	require.Equal(t, "call-crash-s1-t0", p.(*journal.ToolComplete).ToolCallID)
}

func TestRun_UnknownTool(t *testing.T) {
	f := newFixture(t, "do something odd")
	f.client.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "teleport", Args: json.RawMessage(`{}`)}).
		ReplyText("never mind")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))

	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindToolStarting,
		journal.KindToolComplete,
		journal.KindStepComplete,
		journal.KindText,
		journal.KindStepComplete,
		journal.KindRunComplete,
	}, f.kinds(t))

	entries := f.entries(t)
	p, err := entries[2].Decode()
	require.NoError(t, err)
	complete := p.(*journal.ToolComplete)
	require.False(t, complete.Success)
	require.Contains(t, complete.Summary, "tool not found")
	require.Equal(t, runstate.StatusCompleted, f.status(t))
}

func TestRun_StepBudgetExhausted(t *testing.T) {
	f := newFixture(t, "loop forever", engine.WithMaxSteps(2))
	f.client.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "list_labels", Args: json.RawMessage(`{}`)}).
		ReplyToolCall(model.ToolCall{ID: "m2", Name: "list_labels", Args: json.RawMessage(`{}`)})

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))

	kinds := f.kinds(t)
	require.Equal(t, journal.KindRunError, kinds[len(kinds)-1])
	require.Equal(t, runstate.StatusFailed, f.status(t))
}

func TestRun_CompleteTaskSentinel(t *testing.T) {
	f := newFixture(t, "finish explicitly")
	f.client.Reply(&model.Turn{
		ToolCalls: []model.ToolCall{{
			ID:   "m1",
			Name: builtin.CompleteTaskName,
			Args: json.RawMessage(`{"success":true,"message":"all wrapped up"}`),
		}},
		StopReason: model.StopToolUse,
	})

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))
	require.Equal(t, runstate.StatusCompleted, f.status(t))

	run, _ := f.store.GetRun(context.Background(), f.run.ID)
	require.Equal(t, "all wrapped up", run.Result.Message)
}

func TestRun_ModelErrorFailsRun(t *testing.T) {
	f := newFixture(t, "doomed", engine.WithModelRetries(2, time.Millisecond))
	f.client.
		Fail(errors.New("connection reset")).
		Fail(errors.New("connection reset"))

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))

	kinds := f.kinds(t)
	require.Equal(t, journal.KindRunError, kinds[len(kinds)-1])
	require.Equal(t, runstate.StatusFailed, f.status(t))
	require.Equal(t, 2, f.client.Calls())
}

func TestRun_ModelRetrySucceeds(t *testing.T) {
	f := newFixture(t, "flaky", engine.WithModelRetries(3, time.Millisecond))
	f.client.
		Fail(errors.New("connection reset")).
		ReplyText("recovered")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))
	require.Equal(t, runstate.StatusCompleted, f.status(t))
}

func TestRun_SecondClaimConflicts(t *testing.T) {
	f := newFixture(t, "contended")
	ctx := context.Background()

	_, err := f.store.ClaimRun(ctx, f.run.ID, "other-instance")
	require.NoError(t, err)

	err = f.eng.Run(ctx, f.run.ID)
	require.ErrorIs(t, err, storage.ErrRunNotClaimable)
}

func TestRun_Delegation(t *testing.T) {
	f := newFixture(t, "split the work")

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(builtin.CompleteTask()))
	require.NoError(t, registry.Register(builtin.Delegate("researcher")))
	f.eng = engine.New(f.store, f.bus, tool.NewExecutor(registry), f.client,
		engine.WithInstanceID("test-instance"))

	f.client.
		// Parent asks for delegation.
		ReplyToolCall(model.ToolCall{
			ID:   "m1",
			Name: builtin.DelegateName,
			Args: json.RawMessage(`{"agent_kind":"researcher","task":"find the answer"}`),
		}).
		// Child run's single turn.
		ReplyText("the answer is 42").
		// Parent's follow-up after the child completes.
		ReplyText("child said: 42")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))
	require.Equal(t, runstate.StatusCompleted, f.status(t))

	require.Equal(t, []journal.Kind{
		journal.KindRunStarted,
		journal.KindChildRunStarted,
		journal.KindChildRunCompleted,
		journal.KindToolComplete,
		journal.KindStepComplete,
		journal.KindText,
		journal.KindStepComplete,
		journal.KindRunComplete,
	}, f.kinds(t))

	// The child run is linked to the parent and completed.
	runs, err := f.store.ListSessionRuns(context.Background(), f.run.SessionID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	child := runs[1]
	require.NotNil(t, child.ParentRunID)
	require.Equal(t, f.run.ID, *child.ParentRunID)
	require.Equal(t, runstate.StatusCompleted, child.Status)
}

func TestRun_HistoryAcrossRuns(t *testing.T) {
	f := newFixture(t, "first task")
	ctx := context.Background()

	f.client.ReplyText("first answer")
	require.NoError(t, f.eng.Run(ctx, f.run.ID))

	second, err := f.store.CreateRun(ctx, &storage.CreateRunParams{
		SessionID: f.run.SessionID, AgentKind: "assistant", Task: "second task",
	})
	require.NoError(t, err)

	f.client.ReplyText("second answer")
	require.NoError(t, f.eng.Run(ctx, second.ID))

	// The second run's model call saw the first run as history.
	req := f.client.Requests[1]
	var texts []string
	for _, msg := range req.Messages {
		for _, b := range msg.Blocks {
			texts = append(texts, b.Text)
		}
	}
	require.Contains(t, texts, "first task")
	require.Contains(t, texts, "first answer")
	require.Contains(t, texts, "second task")
}

func TestToolCallIDsAreDeterministic(t *testing.T) {
	f := newFixture(t, "list labels")
	f.client.
		ReplyToolCall(model.ToolCall{ID: uuid.NewString(), Name: "list_labels", Args: json.RawMessage(`{}`)}).
		ReplyText("done")

	require.NoError(t, f.eng.Run(context.Background(), f.run.ID))

	entries := f.entries(t)
	p, err := entries[1].Decode()
	require.NoError(t, err)
	starting := p.(*journal.ToolStarting)

	// Derived from run, step, and index rather than the model's ID.
	expected := "call-" + f.run.ID.String()[:8] + "-s1-t0"
	require.Equal(t, expected, starting.ToolCallID)
}
