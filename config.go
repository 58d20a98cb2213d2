package durarun

import (
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/durarun/durarun/engine"
	"github.com/durarun/durarun/leadership"
	"github.com/durarun/durarun/maintenance"
)

// ClientConfig holds configuration for the Client.
type ClientConfig struct {
	// Client is an existing Anthropic client (optional). When nil, a
	// client is constructed from the environment (ANTHROPIC_API_KEY).
	Client *anthropic.Client

	// InstanceID is a unique identifier for this client instance
	// (optional). If not provided, a UUID is generated.
	InstanceID string

	// Hostname is the hostname recorded for this instance (optional).
	// If not provided, os.Hostname() is used.
	Hostname string

	// Agents are the agent definitions this instance can run. A run whose
	// agent kind has no definition here fails when claimed.
	Agents []engine.AgentDefinition

	// DefaultModel is used by agents that do not name a model.
	DefaultModel string

	// MaxSteps caps the number of model turns per run (optional).
	MaxSteps int

	// HistoryRuns is how many prior completed runs are replayed verbatim
	// into the model context; older runs are summarized (optional).
	HistoryRuns int

	// HeartbeatInterval is how often to send instance heartbeats.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// InstanceTTL is how stale an instance heartbeat must be before its
	// runs count as orphaned. Default: 2 minutes.
	InstanceTTL time.Duration

	// LeaderTTL is how long a leader's lease is valid. Default: 30 seconds.
	LeaderTTL time.Duration

	// ApprovalMaxAge is how long an approval may stay pending before it
	// times out as a rejection. Default: 4 hours.
	ApprovalMaxAge time.Duration

	// SweepInterval is how often the leader sweeps for expired approvals
	// and orphaned runs. Default: 1 minute.
	SweepInterval time.Duration

	// PollInterval is the worker's fallback poll period when no
	// notifications arrive. Default: 5 seconds.
	PollInterval time.Duration

	// DisableMetrics skips the Prometheus registry and /metrics route.
	DisableMetrics bool

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger

	// OnError is called when background operations fail.
	OnError func(err error)

	// OnBecameLeader is called when this instance becomes the leader.
	OnBecameLeader func()

	// OnLostLeadership is called when this instance loses leadership.
	OnLostLeadership func()
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		HeartbeatInterval: maintenance.DefaultHeartbeatInterval,
		InstanceTTL:       maintenance.DefaultInstanceTTL,
		LeaderTTL:         leadership.DefaultLeaderTTL,
		ApprovalMaxAge:    maintenance.DefaultApprovalMaxAge,
		SweepInterval:     maintenance.DefaultExpireInterval,
		PollInterval:      maintenance.DefaultPollInterval,
	}
}

// applyDefaults fills zero values in place.
func (c *ClientConfig) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = maintenance.DefaultHeartbeatInterval
	}
	if c.InstanceTTL == 0 {
		c.InstanceTTL = maintenance.DefaultInstanceTTL
	}
	if c.LeaderTTL == 0 {
		c.LeaderTTL = leadership.DefaultLeaderTTL
	}
	if c.ApprovalMaxAge == 0 {
		c.ApprovalMaxAge = maintenance.DefaultApprovalMaxAge
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = maintenance.DefaultExpireInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = maintenance.DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
