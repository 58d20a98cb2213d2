package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/durarun/durarun/storage"
)

// Default worker configuration values.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultClaimBatch   = 10
)

// WorkerConfig holds configuration for the run worker.
type WorkerConfig struct {
	// PollInterval is the fallback poll period when no notifications
	// arrive. Default: 5 seconds.
	PollInterval time.Duration

	// ClaimBatch is how many pending runs one poll claims at most.
	// Default: 10.
	ClaimBatch int

	// Logger for structured logging.
	Logger Logger
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		PollInterval: DefaultPollInterval,
		ClaimBatch:   DefaultClaimBatch,
	}
}

// Worker claims pending runs and drives them. Notifications trigger an
// immediate poll; the ticker is the fallback when NOTIFY delivery fails.
type Worker struct {
	store  storage.Store
	runner Runner
	config *WorkerConfig
	logger Logger

	trigger chan struct{}
	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewWorker creates a run worker.
func NewWorker(store storage.Store, runner Runner, config *WorkerConfig) *Worker {
	if config == nil {
		config = DefaultWorkerConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ClaimBatch <= 0 {
		config.ClaimBatch = DefaultClaimBatch
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		store:   store,
		runner:  runner,
		config:  config,
		logger:  logger,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins the polling loop.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)

	return nil
}

// Stop stops the polling loop. Runs already being driven finish their
// current suspension point on the engine's own goroutines.
func (w *Worker) Stop(_ context.Context) error {
	if !w.started.Load() {
		return ErrNotStarted
	}

	w.cancel()
	<-w.done

	w.started.Store(false)
	return nil
}

// IsRunning returns true if the worker is running.
func (w *Worker) IsRunning() bool {
	return w.started.Load()
}

// Trigger requests an immediate poll. Safe from any goroutine; coalesces
// while a poll is pending.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
			w.poll(ctx)
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll claims up to ClaimBatch pending runs and drives each on its own
// goroutine.
func (w *Worker) poll(ctx context.Context) {
	runs, err := w.store.FindClaimableRuns(ctx, w.config.ClaimBatch)
	if err != nil {
		w.logger.Error("failed to find claimable runs", "error", err)
		return
	}

	for _, run := range runs {
		runID := run.ID
		go func() {
			err := w.runner.Run(ctx, runID)
			if err == nil {
				return
			}
			// Claim races with other workers are routine.
			if errors.Is(err, storage.ErrRunNotClaimable) {
				return
			}
			w.logger.Warn("run worker error", "run_id", runID, "error", err)
		}()
	}
}
