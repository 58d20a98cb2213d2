// Package engine drives agent runs from pending to terminal state.
//
// The engine owns the durability discipline: every observable side-effect
// (model call, tool execution, delegation) is journaled, and a run's state
// is derived entirely from its journal. To resume after a crash or a
// suspension the engine replays the journal, computes the next action, and
// re-enters the loop at that point. No in-process state outlives a run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durarun/durarun/eventbus"
	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/metrics"
	"github.com/durarun/durarun/model"
	"github.com/durarun/durarun/runstate"
	"github.com/durarun/durarun/storage"
	"github.com/durarun/durarun/tool"
)

// Logger interface for structured logging.
// Compatible with *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Defaults for engine configuration.
const (
	DefaultMaxSteps        = 20
	DefaultModelRetries    = 3
	DefaultRetryBaseDelay  = 500 * time.Millisecond
	DefaultHistoryRuns     = 3
	DefaultDelegationDepth = 2
)

// AgentDefinition configures one agent kind.
type AgentDefinition struct {
	// Kind is the agent identifier referenced by sessions and runs.
	Kind string

	// SystemPrompt is prepended to every model call for this agent.
	SystemPrompt string

	// Tools restricts the tool names offered to this agent. Empty means
	// every registered tool.
	Tools []string
}

// Engine executes runs against a Store, an event bus, a tool executor, and
// a model client. One Engine serves many concurrent runs; each run is
// advanced by at most one goroutine at a time.
type Engine struct {
	store    storage.Store
	bus      *eventbus.Bus
	executor *tool.Executor
	model    model.Client
	logger   Logger
	metrics  *metrics.Metrics

	instanceID      string
	maxSteps        int
	modelRetries    int
	retryBaseDelay  time.Duration
	historyRuns     int
	delegationDepth int
	defaultModel    string

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
	agents map[string]*AgentDefinition
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithInstanceID sets the instance identifier recorded on run leases.
func WithInstanceID(id string) Option {
	return func(e *Engine) { e.instanceID = id }
}

// WithMaxSteps sets the default step budget for runs that do not configure
// their own.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithModelRetries configures the transient model error retry bound and
// the base backoff delay.
func WithModelRetries(n int, baseDelay time.Duration) Option {
	return func(e *Engine) {
		if n > 0 {
			e.modelRetries = n
		}
		if baseDelay > 0 {
			e.retryBaseDelay = baseDelay
		}
	}
}

// WithHistoryRuns sets how many prior completed runs are included verbatim
// in the model context; older runs are summarized.
func WithHistoryRuns(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.historyRuns = n
		}
	}
}

// WithDelegationDepth bounds how deep parent/child run chains may nest.
func WithDelegationDepth(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.delegationDepth = n
		}
	}
}

// WithDefaultModel sets the model used by runs that do not configure one.
func WithDefaultModel(m string) Option {
	return func(e *Engine) { e.defaultModel = m }
}

// WithAgent registers an agent definition.
func WithAgent(def AgentDefinition) Option {
	return func(e *Engine) { e.agents[def.Kind] = &def }
}

// WithMetrics attaches Prometheus collectors. Nil metrics record nothing.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine.
func New(store storage.Store, bus *eventbus.Bus, executor *tool.Executor, client model.Client, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		bus:      bus,
		executor: executor,
		model:    client,
		logger:   slog.Default(),

		instanceID:      uuid.NewString(),
		maxSteps:        DefaultMaxSteps,
		modelRetries:    DefaultModelRetries,
		retryBaseDelay:  DefaultRetryBaseDelay,
		historyRuns:     DefaultHistoryRuns,
		delegationDepth: DefaultDelegationDepth,

		active: make(map[uuid.UUID]struct{}),
		agents: make(map[string]*AgentDefinition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InstanceID returns the identifier this engine claims runs with.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// Run claims a pending or suspended run and drives it until it suspends
// again or reaches a terminal state. Returns storage.ErrRunNotClaimable if
// another instance holds the run, or ErrRunBusy if this process does.
func (e *Engine) Run(ctx context.Context, runID uuid.UUID) error {
	if !e.acquire(runID) {
		return ErrRunBusy
	}
	defer e.release(runID)

	run, err := e.store.ClaimRun(ctx, runID, e.instanceID)
	if err != nil {
		return err
	}

	e.metrics.RunStarted()
	e.logger.Info("run claimed", "run_id", runID, "run_number", run.RunNumber)
	return e.drive(ctx, run)
}

// Rescue takes over a run orphaned in running status by a dead instance
// and drives it from where its journal left off.
func (e *Engine) Rescue(ctx context.Context, runID uuid.UUID) error {
	if !e.acquire(runID) {
		return ErrRunBusy
	}
	defer e.release(runID)

	run, err := e.store.ReclaimRun(ctx, runID, e.instanceID)
	if err != nil {
		return err
	}

	e.metrics.RunStarted()
	e.logger.Warn("rescuing orphaned run", "run_id", runID)
	return e.drive(ctx, run)
}

// Resume resolves the run's pending approval with the human decision and
// drives the run forward. Returns storage.ErrNoPendingApproval if there is
// nothing to resume, which callers surface as a conflict.
func (e *Engine) Resume(ctx context.Context, runID uuid.UUID, decision storage.Decision, feedback string) error {
	if _, err := e.ResolveApproval(ctx, runID, decision, feedback); err != nil {
		return err
	}
	return e.Run(ctx, runID)
}

// ResolveApproval records the decision on the pending approval, journals
// the run_resumed entry, and broadcasts it, without driving the run.
// Callers that want the run advanced on another goroutine pair this with
// Run; Resume does both inline.
func (e *Engine) ResolveApproval(ctx context.Context, runID uuid.UUID, decision storage.Decision, feedback string) (*storage.Approval, error) {
	res, err := e.store.ResumeRun(ctx, runID, decision, feedback)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(*res.Resumed)
	e.metrics.RunResumed(string(decision))

	e.logger.Info("run resumed",
		"run_id", runID,
		"decision", decision,
		"tool", res.Approval.ToolName,
	)
	return res.Approval, nil
}

// Cancel requests cooperative cancellation. Running runs observe the flag
// at their next checkpoint; pending and suspended runs are finalized here
// since no worker holds them. A pending approval on a suspended run is
// resolved as rejected before the terminal entry is written.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}

	run, err := e.store.RequestCancel(ctx, runID, reason)
	if err != nil {
		return err
	}

	switch {
	case run.Status.IsTerminal():
		return nil

	case run.Status == runstate.StatusSuspended:
		if res, err := e.store.ResumeRun(ctx, runID, storage.DecisionRejected, "run cancelled"); err == nil {
			e.bus.Publish(*res.Resumed)
		} else if !errors.Is(err, storage.ErrNoPendingApproval) {
			return err
		}
		return e.finalizeCancelled(ctx, runID, reason)

	case run.Status == runstate.StatusPending:
		if !e.acquire(runID) {
			return nil
		}
		defer e.release(runID)
		if _, err := e.store.ClaimRun(ctx, runID, e.instanceID); err != nil {
			// Lost the race with a worker; its checkpoint will cancel.
			return nil
		}
		if err := e.appendAndPublish(ctx, runID, nil, &journal.RunStarted{Task: run.Task, AgentKind: run.AgentKind}); err != nil {
			return err
		}
		return e.finalizeCancelled(ctx, runID, reason)
	}

	// Running: the holder's next checkpoint observes the flag.
	return nil
}

func (e *Engine) finalizeCancelled(ctx context.Context, runID uuid.UUID, reason string) error {
	entry, err := e.store.FinalizeRun(ctx, runID, runstate.StatusCancelled, nil, &journal.RunCancelled{Reason: reason})
	if err != nil {
		return err
	}
	e.bus.Publish(*entry)
	e.metrics.RunFinished(string(runstate.StatusCancelled))
	e.logger.Info("run cancelled", "run_id", runID, "reason", reason)
	return nil
}

// appendAndPublish journals an entry and broadcasts it to subscribers.
func (e *Engine) appendAndPublish(ctx context.Context, runID uuid.UUID, step *int, payload journal.Payload) error {
	entry, err := e.store.AppendEntry(ctx, runID, step, payload)
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", payload.EntryKind(), err)
	}
	e.bus.Publish(*entry)
	e.metrics.EntryAppended(string(entry.Kind))
	return nil
}

func (e *Engine) acquire(runID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[runID]; busy {
		return false
	}
	e.active[runID] = struct{}{}
	return true
}

func (e *Engine) release(runID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

func (e *Engine) agentFor(kind string) *AgentDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agents[kind]
}
