package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/durarun/durarun/storage"
)

// Default rescuer configuration values.
const (
	DefaultRescueInterval = time.Minute
)

// RunRescuer takes over an orphaned run. Satisfied by the engine.
type RunRescuer interface {
	Rescue(ctx context.Context, runID uuid.UUID) error
}

// RescuerConfig holds configuration for the orphaned-run rescuer.
type RescuerConfig struct {
	// InstanceTTL is how stale an instance heartbeat must be before its
	// running runs count as orphaned. Default: 2 minutes.
	InstanceTTL time.Duration

	// Interval is how often to sweep. Default: 1 minute.
	Interval time.Duration

	// IsLeader gates the sweep so only one instance rescues.
	// Nil means always sweep.
	IsLeader func() bool

	// Logger for structured logging.
	Logger Logger
}

// DefaultRescuerConfig returns the default rescuer configuration.
func DefaultRescuerConfig() *RescuerConfig {
	return &RescuerConfig{
		InstanceTTL: DefaultInstanceTTL,
		Interval:    DefaultRescueInterval,
	}
}

// Rescuer finds runs stuck in running status under dead instances and
// re-drives them from their journals.
type Rescuer struct {
	store   storage.Store
	rescuer RunRescuer
	config  *RescuerConfig
	logger  Logger

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewRescuer creates an orphaned-run rescuer.
func NewRescuer(store storage.Store, rescuer RunRescuer, config *RescuerConfig) *Rescuer {
	if config == nil {
		config = DefaultRescuerConfig()
	}
	if config.InstanceTTL <= 0 {
		config.InstanceTTL = DefaultInstanceTTL
	}
	if config.Interval <= 0 {
		config.Interval = DefaultRescueInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Rescuer{
		store:   store,
		rescuer: rescuer,
		config:  config,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (r *Rescuer) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)

	return nil
}

// Stop stops the sweep loop.
func (r *Rescuer) Stop(_ context.Context) error {
	if !r.started.Load() {
		return ErrNotStarted
	}

	r.cancel()
	<-r.done

	r.started.Store(false)
	return nil
}

// IsRunning returns true if the rescuer is running.
func (r *Rescuer) IsRunning() bool {
	return r.started.Load()
}

func (r *Rescuer) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep rescues orphaned runs. Exposed for the leader callback and tests.
func (r *Rescuer) Sweep(ctx context.Context) {
	if r.config.IsLeader != nil && !r.config.IsLeader() {
		return
	}

	cutoff := time.Now().Add(-r.config.InstanceTTL)
	orphans, err := r.store.FindOrphanedRuns(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to find orphaned runs", "error", err)
		return
	}
	if len(orphans) == 0 {
		return
	}

	r.logger.Info("found orphaned runs to rescue", "count", len(orphans))

	for _, run := range orphans {
		if err := r.rescuer.Rescue(ctx, run.ID); err != nil {
			// Another worker may have picked the run up already.
			if errors.Is(err, storage.ErrRunNotClaimable) {
				continue
			}
			r.logger.Error("failed to rescue run", "run_id", run.ID, "error", err)
		}
	}
}
