// Package leadership provides leader election across engine instances.
//
// Only one instance is the leader at a time. The leader runs the singleton
// maintenance sweepers: approval expiry and orphaned-run rescue. Election
// uses a TTL lease row in PostgreSQL; the leader renews the lease before it
// expires or another instance takes over.
package leadership

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/durarun/durarun/storage"
)

// Default configuration values.
const (
	DefaultLeaderTTL       = 30 * time.Second
	DefaultElectionPeriod  = 10 * time.Second
	DefaultReelectionDelay = 5 * time.Second
)

// Logger interface for structured logging.
// Compatible with *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds configuration for the leader election system.
type Config struct {
	// LeaderTTL is how long a leader's lease is valid.
	// Default: 30 seconds.
	LeaderTTL time.Duration

	// ElectionPeriod is how often to attempt becoming leader when not
	// leader. Default: 10 seconds.
	ElectionPeriod time.Duration

	// ReelectionDelay is how long to wait between lease renewals while
	// leader. Must be less than LeaderTTL. Default: 5 seconds.
	ReelectionDelay time.Duration

	// Logger for structured logging.
	Logger Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LeaderTTL:       DefaultLeaderTTL,
		ElectionPeriod:  DefaultElectionPeriod,
		ReelectionDelay: DefaultReelectionDelay,
	}
}

// Callbacks are called when leadership status changes.
type Callbacks struct {
	// OnBecameLeader is called when this instance becomes the leader,
	// with the context passed to Start().
	OnBecameLeader func(ctx context.Context)

	// OnLostLeadership is called when this instance loses leadership,
	// whether through a failed renewal, Resign, or Stop.
	OnLostLeadership func(ctx context.Context)
}

// Elector manages leader election for one engine instance.
type Elector struct {
	store      storage.Store
	instanceID string
	config     *Config
	callbacks  Callbacks
	logger     Logger

	mu       sync.RWMutex
	isLeader bool

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewElector creates a leader elector.
func NewElector(store storage.Store, instanceID string, config *Config, callbacks Callbacks) *Elector {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Elector{
		store:      store,
		instanceID: instanceID,
		config:     config,
		callbacks:  callbacks,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start begins the election loop in a goroutine.
func (e *Elector) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, e.cancel = context.WithCancel(ctx)
	go e.runElectionLoop(ctx)

	return nil
}

// Stop stops the election loop, resigning first if this instance leads.
func (e *Elector) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}

	e.cancel()
	<-e.done

	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if wasLeader {
		// Best effort resignation so the next leader takes over fast.
		resignCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = e.store.LeaderResign(resignCtx, e.instanceID)

		if e.callbacks.OnLostLeadership != nil {
			e.callbacks.OnLostLeadership(ctx)
		}
	}

	e.started.Store(false)
	return nil
}

// IsLeader returns true if this instance currently leads.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// IsRunning returns true if the elector is running.
func (e *Elector) IsRunning() bool {
	return e.started.Load()
}

// Resign voluntarily gives up leadership.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if !wasLeader {
		return nil
	}

	if err := e.store.LeaderResign(ctx, e.instanceID); err != nil {
		return err
	}

	if e.callbacks.OnLostLeadership != nil {
		e.callbacks.OnLostLeadership(ctx)
	}

	return nil
}

// runElectionLoop alternates between election attempts and lease renewals.
func (e *Elector) runElectionLoop(ctx context.Context) {
	defer close(e.done)

	e.attemptElection(ctx)

	for {
		var delay time.Duration
		if e.IsLeader() {
			delay = e.config.ReelectionDelay
		} else {
			delay = e.config.ElectionPeriod
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			e.attemptElection(ctx)
		}
	}
}

// attemptElection takes or renews the lease. The store treats the current
// holder renewing and a rival taking an expired lease as the same
// conditional write.
func (e *Elector) attemptElection(ctx context.Context) {
	elected, err := e.store.LeaderAttemptElect(ctx, e.instanceID, e.config.LeaderTTL)
	if err != nil {
		e.logger.Warn("leader election attempt failed", "instance_id", e.instanceID, "error", err)
		elected = false
	}

	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = elected
	e.mu.Unlock()

	switch {
	case elected && !wasLeader:
		e.logger.Info("became leader", "instance_id", e.instanceID)
		if e.callbacks.OnBecameLeader != nil {
			e.callbacks.OnBecameLeader(ctx)
		}
	case !elected && wasLeader:
		e.logger.Warn("lost leadership", "instance_id", e.instanceID)
		if e.callbacks.OnLostLeadership != nil {
			e.callbacks.OnLostLeadership(ctx)
		}
	}
}
