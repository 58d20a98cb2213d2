package durarun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/durarun/durarun/engine"
	"github.com/durarun/durarun/eventbus"
	"github.com/durarun/durarun/httpapi"
	"github.com/durarun/durarun/leadership"
	"github.com/durarun/durarun/maintenance"
	"github.com/durarun/durarun/metrics"
	"github.com/durarun/durarun/model"
	"github.com/durarun/durarun/notifier"
	"github.com/durarun/durarun/storage"
	"github.com/durarun/durarun/tool"
	"github.com/durarun/durarun/tool/builtin"
)

// Version is the current durarun version.
const Version = "0.3.0"

// Client wires the run engine and its supporting services to one Postgres
// database. Multiple clients may share a database; runs are claimed by
// exactly one instance at a time, and the elected leader performs approval
// expiry and orphaned-run rescue.
type Client struct {
	pool       *pgxpool.Pool
	store      storage.Store
	config     *ClientConfig
	instanceID string

	bus      *eventbus.Bus
	registry *tool.Registry
	executor *tool.Executor
	engine   *engine.Engine
	metrics  *metrics.Metrics
	api      *httpapi.Server

	heartbeat *maintenance.Heartbeat
	expirer   *maintenance.Expirer
	rescuer   *maintenance.Rescuer
	worker    *maintenance.Worker
	elector   *leadership.Elector
	notif     *notifier.Notifier

	started atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewClient creates a client over the given connection pool.
//
// Example:
//
//	pool, _ := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	client, err := durarun.NewClient(pool, &durarun.ClientConfig{
//	    DefaultModel: "claude-sonnet-4-5-20250929",
//	    Agents: []engine.AgentDefinition{{
//	        Kind:         "assistant",
//	        SystemPrompt: "You are a helpful assistant.",
//	    }},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
func NewClient(pool *pgxpool.Pool, config *ClientConfig) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: connection pool is required", ErrInvalidConfig)
	}

	if config == nil {
		config = DefaultClientConfig()
	}
	config.applyDefaults()

	anthropicClient := config.Client
	if anthropicClient == nil {
		ac := anthropic.NewClient()
		anthropicClient = &ac
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if config.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			config.Hostname = h
		} else {
			config.Hostname = "unknown"
		}
	}

	store := storage.NewPostgresStore(pool)
	bus := eventbus.New(store)

	registry := tool.NewRegistry()
	if err := registry.Register(builtin.CompleteTask()); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	var m *metrics.Metrics
	if !config.DisableMetrics {
		m = metrics.New(bus.TotalSubscribers)
	}

	executor := tool.NewExecutor(registry)

	engineOpts := []engine.Option{
		engine.WithInstanceID(instanceID),
		engine.WithLogger(config.Logger),
		engine.WithMetrics(m),
	}
	if config.DefaultModel != "" {
		engineOpts = append(engineOpts, engine.WithDefaultModel(config.DefaultModel))
	}
	if config.MaxSteps > 0 {
		engineOpts = append(engineOpts, engine.WithMaxSteps(config.MaxSteps))
	}
	if config.HistoryRuns > 0 {
		engineOpts = append(engineOpts, engine.WithHistoryRuns(config.HistoryRuns))
	}
	for _, def := range config.Agents {
		engineOpts = append(engineOpts, engine.WithAgent(def))
	}

	eng := engine.New(store, bus, executor, model.NewAnthropicClient(*anthropicClient), engineOpts...)

	apiOpts := []httpapi.Option{httpapi.WithLogger(config.Logger)}
	if m != nil {
		apiOpts = append(apiOpts, httpapi.WithMetricsHandler(m.Handler()))
	}

	c := &Client{
		pool:       pool,
		store:      store,
		config:     config,
		instanceID: instanceID,
		bus:        bus,
		registry:   registry,
		executor:   executor,
		engine:     eng,
		metrics:    m,
		api:        httpapi.NewServer(store, bus, eng, apiOpts...),
	}

	c.elector = leadership.NewElector(store, instanceID, &leadership.Config{
		LeaderTTL: config.LeaderTTL,
		Logger:    config.Logger,
	}, leadership.Callbacks{
		OnBecameLeader: func(ctx context.Context) {
			// Sweep immediately so a leadership gap does not delay
			// expiry or rescue by a full interval.
			c.expirer.Sweep(ctx)
			c.rescuer.Sweep(ctx)
			if config.OnBecameLeader != nil {
				config.OnBecameLeader()
			}
		},
		OnLostLeadership: func(context.Context) {
			if config.OnLostLeadership != nil {
				config.OnLostLeadership()
			}
		},
	})

	c.heartbeat = maintenance.NewHeartbeat(store, &storage.RegisterInstanceParams{
		ID:       instanceID,
		Hostname: config.Hostname,
		PID:      os.Getpid(),
		Version:  Version,
	}, &maintenance.HeartbeatConfig{
		Interval: config.HeartbeatInterval,
		OnError:  config.OnError,
	})

	c.expirer = maintenance.NewExpirer(store, eng, bus, &maintenance.ExpirerConfig{
		MaxAge:   config.ApprovalMaxAge,
		Interval: config.SweepInterval,
		IsLeader: c.elector.IsLeader,
		Logger:   config.Logger,
	})

	c.rescuer = maintenance.NewRescuer(store, eng, &maintenance.RescuerConfig{
		InstanceTTL: config.InstanceTTL,
		Interval:    config.SweepInterval,
		IsLeader:    c.elector.IsLeader,
		Logger:      config.Logger,
	})

	c.worker = maintenance.NewWorker(store, eng, &maintenance.WorkerConfig{
		PollInterval: config.PollInterval,
		Logger:       config.Logger,
	})

	c.notif = notifier.NewNotifier(
		notifier.PoolListener(pool),
		notifier.PoolSender(pool),
		&notifier.Config{OnError: config.OnError},
	)
	c.notif.Subscribe(notifier.EventRunCreated, func(*notifier.Event) {
		c.worker.Trigger()
	})
	c.notif.Subscribe(notifier.EventRunResumed, c.wakeRun)
	c.notif.Subscribe(notifier.EventRunCancelled, c.wakeRun)
	c.notif.Subscribe(notifier.EventJournalAppended, c.refreshSubscribers)

	return c, nil
}

// Migrate applies the database schema. Safe to call on every startup.
func (c *Client) Migrate(ctx context.Context) error {
	return storage.Migrate(ctx, c.pool)
}

// RegisterTool makes a tool available to runs on this instance.
func (c *Client) RegisterTool(t tool.Tool) error {
	return c.registry.Register(t)
}

// Start registers the instance and begins background operations: heartbeat,
// leader election, notification listening, and the run worker.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrClientAlreadyStarted
	}

	c.baseCtx, c.cancel = context.WithCancel(ctx)
	ctx = c.baseCtx

	if err := c.heartbeat.Start(ctx); err != nil {
		c.started.Store(false)
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}

	if err := c.elector.Start(ctx); err != nil {
		_ = c.heartbeat.Stop(ctx)
		c.started.Store(false)
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	if err := c.expirer.Start(ctx); err != nil {
		_ = c.elector.Stop(ctx)
		_ = c.heartbeat.Stop(ctx)
		c.started.Store(false)
		return fmt.Errorf("failed to start approval expirer: %w", err)
	}

	if err := c.rescuer.Start(ctx); err != nil {
		_ = c.expirer.Stop(ctx)
		_ = c.elector.Stop(ctx)
		_ = c.heartbeat.Stop(ctx)
		c.started.Store(false)
		return fmt.Errorf("failed to start run rescuer: %w", err)
	}

	if err := c.notif.Start(ctx); err != nil {
		_ = c.rescuer.Stop(ctx)
		_ = c.expirer.Stop(ctx)
		_ = c.elector.Stop(ctx)
		_ = c.heartbeat.Stop(ctx)
		c.started.Store(false)
		return fmt.Errorf("failed to start notifier: %w", err)
	}

	if err := c.worker.Start(ctx); err != nil {
		_ = c.notif.Stop(ctx)
		_ = c.rescuer.Stop(ctx)
		_ = c.expirer.Stop(ctx)
		_ = c.elector.Stop(ctx)
		_ = c.heartbeat.Stop(ctx)
		c.started.Store(false)
		return fmt.Errorf("failed to start run worker: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the client. Services stop in reverse start
// order; runs held by this instance become rescuable once the instance
// heartbeat goes stale.
func (c *Client) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.worker.IsRunning() {
		_ = c.worker.Stop(ctx)
	}
	if c.notif.IsRunning() {
		_ = c.notif.Stop(ctx)
	}
	if c.rescuer.IsRunning() {
		_ = c.rescuer.Stop(ctx)
	}
	if c.expirer.IsRunning() {
		_ = c.expirer.Stop(ctx)
	}
	if c.elector.IsRunning() {
		_ = c.elector.Stop(ctx)
	}
	if c.heartbeat.IsRunning() {
		_ = c.heartbeat.Stop(ctx)
	}

	c.started.Store(false)
	return nil
}

// IsRunning returns true if the client is running.
func (c *Client) IsRunning() bool {
	return c.started.Load()
}

// IsLeader returns true if this instance currently leads.
func (c *Client) IsLeader() bool {
	return c.elector.IsLeader()
}

// InstanceID returns the unique identifier for this client instance.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Store returns the storage interface for direct access.
func (c *Client) Store() storage.Store {
	return c.store
}

// Bus returns the event bus for direct journal subscriptions.
func (c *Client) Bus() *eventbus.Bus {
	return c.bus
}

// Engine returns the run engine.
func (c *Client) Engine() *engine.Engine {
	return c.engine
}

// Handler returns the HTTP handler serving the REST and SSE surface.
func (c *Client) Handler() http.Handler {
	return c.api.Handler()
}

// CreateSession creates a durable session bound to an agent kind.
func (c *Client) CreateSession(ctx context.Context, userID, agentKind string) (*storage.Session, error) {
	if agentKind == "" {
		return nil, fmt.Errorf("%w: agent kind is required", ErrInvalidConfig)
	}
	return c.store.CreateSession(ctx, &storage.CreateSessionParams{
		UserID:    userID,
		AgentKind: agentKind,
	})
}

// StartRun creates a run for the session's agent and wakes a worker to
// claim it. The run executes asynchronously; follow it with WaitForRun or
// a bus subscription.
func (c *Client) StartRun(ctx context.Context, sessionID uuid.UUID, task string) (*storage.Run, error) {
	if !c.started.Load() {
		return nil, ErrClientNotStarted
	}

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	run, err := c.store.CreateRun(ctx, &storage.CreateRunParams{
		SessionID: sessionID,
		AgentKind: sess.AgentKind,
		Task:      task,
	})
	if err != nil {
		return nil, err
	}

	c.notifyAsync(notifier.EventRunCreated, run.ID)
	c.worker.Trigger()
	return run, nil
}

// Resume resolves the run's pending approval and drives the run until it
// suspends again or finishes.
func (c *Client) Resume(ctx context.Context, runID uuid.UUID, decision storage.Decision, feedback string) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}
	if err := c.engine.Resume(ctx, runID, decision, feedback); err != nil {
		return err
	}
	c.notifyAsync(notifier.EventRunResumed, runID)
	return nil
}

// Cancel requests cooperative cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID uuid.UUID, reason string) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}
	if err := c.engine.Cancel(ctx, runID, reason); err != nil {
		return err
	}
	c.notifyAsync(notifier.EventRunCancelled, runID)
	return nil
}

// WaitForRun blocks until the run reaches a terminal state and returns the
// final run record. Suspension is not terminal: a run waiting on approval
// keeps WaitForRun blocked until someone resumes or cancels it.
func (c *Client) WaitForRun(ctx context.Context, runID uuid.UUID) (*storage.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	sub, err := c.bus.Subscribe(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-sub.Entries():
			if !ok {
				// Evicted for falling behind; the status check settles it.
				run, err := c.store.GetRun(ctx, runID)
				if err != nil {
					return nil, err
				}
				if run.Status.IsTerminal() {
					return run, nil
				}
				return nil, fmt.Errorf("subscription dropped for run %s", runID)
			}
			if entry.Kind.IsTerminal() {
				return c.store.GetRun(ctx, runID)
			}
		}
	}
}

// wakeRun hands a notified run to the engine. Claim conflicts are routine:
// the notification fans out to every instance and one wins.
func (c *Client) wakeRun(event *notifier.Event) {
	runID, err := uuid.Parse(event.Payload)
	if err != nil {
		c.config.Logger.Warn("ignoring notification with bad run id",
			"payload", event.Payload, "type", event.Type)
		return
	}
	go func() {
		if err := c.engine.Run(c.baseCtx, runID); err != nil && c.shouldReportRunError(err) {
			c.config.Logger.Warn("notified run failed", "run_id", runID, "error", err)
		}
	}()
}

// refreshSubscribers republishes a remotely-appended run journal to local
// bus subscribers. Per-subscriber sequence cursors drop duplicates, so
// replaying from the start is safe.
func (c *Client) refreshSubscribers(event *notifier.Event) {
	runID, err := uuid.Parse(event.Payload)
	if err != nil {
		return
	}
	if c.bus.SubscriberCount(runID) == 0 {
		return
	}
	entries, err := c.store.ListEntries(c.baseCtx, runID, 0)
	if err != nil {
		c.config.Logger.Warn("failed to refresh journal subscribers",
			"run_id", runID, "error", err)
		return
	}
	c.bus.PublishAll(entries)
}

func (c *Client) shouldReportRunError(err error) bool {
	if errors.Is(err, engine.ErrRunBusy) || errors.Is(err, storage.ErrRunNotClaimable) {
		return false
	}
	if errors.Is(err, storage.ErrRunFinalized) {
		return false
	}
	return true
}

// notifyAsync sends a cross-instance notification without blocking the
// caller on a broken connection.
func (c *Client) notifyAsync(eventType notifier.EventType, runID uuid.UUID) {
	go func() {
		if err := c.notif.Notify(c.baseCtx, eventType, runID.String()); err != nil {
			c.config.Logger.Debug("notify failed", "type", eventType, "error", err)
		}
	}()
}
