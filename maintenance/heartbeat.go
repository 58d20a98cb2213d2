// Package maintenance provides background services for engine instances.
//
// This package includes:
//   - Heartbeat: keeps the instance registered as alive
//   - Expirer: times out stale pending approvals (leader only)
//   - Rescuer: takes over runs orphaned by dead instances (leader only)
//   - Worker: polling fallback that claims pending runs
package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/durarun/durarun/storage"
)

// Default heartbeat configuration values.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultInstanceTTL       = 2 * time.Minute
)

// HeartbeatConfig holds configuration for the heartbeat service.
type HeartbeatConfig struct {
	// Interval is how often to send heartbeats.
	// Default: 30 seconds.
	Interval time.Duration

	// OnError is called when a heartbeat fails.
	// If nil, errors are silently ignored.
	OnError func(err error)
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() *HeartbeatConfig {
	return &HeartbeatConfig{
		Interval: DefaultHeartbeatInterval,
	}
}

// Heartbeat registers the instance and keeps its liveness row fresh. A
// stale heartbeat makes the instance's running runs eligible for rescue.
type Heartbeat struct {
	store  storage.Store
	params *storage.RegisterInstanceParams
	config *HeartbeatConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewHeartbeat creates a new heartbeat service.
func NewHeartbeat(store storage.Store, params *storage.RegisterInstanceParams, config *HeartbeatConfig) *Heartbeat {
	if config == nil {
		config = DefaultHeartbeatConfig()
	}

	return &Heartbeat{
		store:  store,
		params: params,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start registers the instance and begins sending heartbeats.
func (h *Heartbeat) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := h.store.RegisterInstance(ctx, h.params); err != nil {
		h.started.Store(false)
		return err
	}

	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)

	return nil
}

// Stop stops the heartbeat loop and deregisters the instance.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if !h.started.Load() {
		return ErrNotStarted
	}

	h.cancel()
	<-h.done

	// Best effort; a dangling row just ages out via the TTL.
	_ = h.store.DeregisterInstance(ctx, h.params.ID)

	h.started.Store(false)
	return nil
}

// run is the main heartbeat loop.
func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sendHeartbeat(ctx)
		}
	}
}

// sendHeartbeat sends a single heartbeat.
func (h *Heartbeat) sendHeartbeat(ctx context.Context) {
	err := h.store.UpdateInstanceHeartbeat(ctx, h.params.ID)
	if err != nil && h.config.OnError != nil {
		h.config.OnError(err)
	}
}

// IsRunning returns true if the heartbeat service is running.
func (h *Heartbeat) IsRunning() bool {
	return h.started.Load()
}
