package maintenance

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/storage"
)

// Default expirer configuration values.
const (
	DefaultApprovalMaxAge = 4 * time.Hour
	DefaultExpireInterval = time.Minute
)

// Runner drives a claimed or claimable run. Satisfied by the engine.
type Runner interface {
	Run(ctx context.Context, runID uuid.UUID) error
}

// Publisher broadcasts journal entries. Satisfied by the event bus.
type Publisher interface {
	Publish(entry journal.Entry)
}

// Logger interface for structured logging.
// Compatible with *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ExpirerConfig holds configuration for the approval expirer.
type ExpirerConfig struct {
	// MaxAge is how long an approval may stay pending before it times
	// out. Default: 4 hours.
	MaxAge time.Duration

	// Interval is how often to sweep. Default: 1 minute.
	Interval time.Duration

	// IsLeader gates the sweep so only one instance expires approvals.
	// Nil means always sweep (single-instance deployments).
	IsLeader func() bool

	// Logger for structured logging.
	Logger Logger
}

// DefaultExpirerConfig returns the default expirer configuration.
func DefaultExpirerConfig() *ExpirerConfig {
	return &ExpirerConfig{
		MaxAge:   DefaultApprovalMaxAge,
		Interval: DefaultExpireInterval,
	}
}

// Expirer times out pending approvals. An expired approval is treated as a
// rejection with reason "timed out": the run resumes, the model observes
// the rejected tool call, and the run continues.
type Expirer struct {
	store  storage.Store
	runner Runner
	bus    Publisher
	config *ExpirerConfig
	logger Logger

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewExpirer creates an approval expirer.
func NewExpirer(store storage.Store, runner Runner, bus Publisher, config *ExpirerConfig) *Expirer {
	if config == nil {
		config = DefaultExpirerConfig()
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultApprovalMaxAge
	}
	if config.Interval <= 0 {
		config.Interval = DefaultExpireInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Expirer{
		store:  store,
		runner: runner,
		bus:    bus,
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (e *Expirer) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, e.cancel = context.WithCancel(ctx)
	go e.run(ctx)

	return nil
}

// Stop stops the sweep loop.
func (e *Expirer) Stop(_ context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}

	e.cancel()
	<-e.done

	e.started.Store(false)
	return nil
}

// IsRunning returns true if the expirer is running.
func (e *Expirer) IsRunning() bool {
	return e.started.Load()
}

func (e *Expirer) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep expires stale pending approvals and resumes their runs with a
// rejection. The store flips each approval and journals the rejecting
// run_resumed entry in one transaction; the sweep only broadcasts the
// entry and hands the run back to the engine. Runs a previous sweep
// expired but never handed back come out of the store again until the
// hand-off sticks. Exposed for the leader callback and for tests.
func (e *Expirer) Sweep(ctx context.Context) {
	if e.config.IsLeader != nil && !e.config.IsLeader() {
		return
	}

	cutoff := time.Now().Add(-e.config.MaxAge)
	expired, err := e.store.ExpireApprovals(ctx, cutoff)
	if err != nil {
		e.logger.Error("failed to expire approvals", "error", err)
		return
	}

	for _, ea := range expired {
		e.logger.Warn("approval timed out",
			"run_id", ea.Approval.RunID,
			"tool", ea.Approval.ToolName,
			"tool_call_id", ea.Approval.ToolCallID,
		)
		if e.bus != nil && ea.Resumed != nil {
			e.bus.Publish(*ea.Resumed)
		}
		if err := e.runner.Run(ctx, ea.Approval.RunID); err != nil {
			e.logger.Warn("failed to resume run after approval timeout",
				"run_id", ea.Approval.RunID, "error", err)
		}
	}
}
