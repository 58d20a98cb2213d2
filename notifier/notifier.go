// Package notifier provides a high-level interface for PostgreSQL
// LISTEN/NOTIFY wakeups.
//
// Engine instances use it to learn about new and resumed runs immediately
// instead of waiting for the next poll. Delivery is best-effort: NOTIFY is
// not durable, so every consumer keeps a polling fallback and treats events
// purely as a hint to poll now.
package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event.
type EventType string

// Event types that can be subscribed to. Payloads are run IDs.
const (
	EventRunCreated      EventType = "run_created"
	EventRunResumed      EventType = "run_resumed"
	EventRunCancelled    EventType = "run_cancelled"
	EventJournalAppended EventType = "journal_appended"
)

// PostgreSQL channel names.
const (
	ChannelRunCreated      = "durarun_run_created"
	ChannelRunResumed      = "durarun_run_resumed"
	ChannelRunCancelled    = "durarun_run_cancelled"
	ChannelJournalAppended = "durarun_journal_appended"
)

// channelToEventType maps PostgreSQL channel names to event types.
var channelToEventType = map[string]EventType{
	ChannelRunCreated:      EventRunCreated,
	ChannelRunResumed:      EventRunResumed,
	ChannelRunCancelled:    EventRunCancelled,
	ChannelJournalAppended: EventJournalAppended,
}

// eventTypeToChannel maps event types to PostgreSQL channel names.
var eventTypeToChannel = map[EventType]string{
	EventRunCreated:      ChannelRunCreated,
	EventRunResumed:      ChannelRunResumed,
	EventRunCancelled:    ChannelRunCancelled,
	EventJournalAppended: ChannelJournalAppended,
}

// Notification is a raw message received from a channel.
type Notification struct {
	Channel string
	Payload string
}

// Listener receives notifications from a set of channels. Implementations
// hold a dedicated connection.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (*Notification, error)
	Close(ctx context.Context) error
}

// Sender publishes notifications.
type Sender interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Event represents a received notification event.
type Event struct {
	// Type is the event type.
	Type EventType

	// Payload is the event payload, a run ID.
	Payload string

	// ReceivedAt is when the event was received.
	ReceivedAt time.Time
}

// Handler is called when an event is received.
type Handler func(event *Event)

// Config holds configuration for the notifier.
type Config struct {
	// ReconnectDelay is how long to wait before reconnecting after a
	// disconnect. Default: 5 seconds.
	ReconnectDelay time.Duration

	// OnError is called when an error occurs.
	OnError func(err error)

	// OnReconnect is called when the listener reconnects.
	OnReconnect func()
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ReconnectDelay: 5 * time.Second,
	}
}

// Subscription represents an active subscription to events.
type Subscription struct {
	eventType EventType
	handler   Handler
	id        int64
}

// Notifier provides event notification capabilities.
type Notifier struct {
	getListener func(ctx context.Context) (Listener, error)
	sender      Sender
	config      *Config

	mu            sync.RWMutex
	subscriptions map[EventType][]*Subscription
	nextSubID     int64

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewNotifier creates a new notifier. getListener returns a fresh listener
// per connection attempt; nil means send-only mode. sender publishes
// notifications; nil means receive-only mode.
func NewNotifier(
	getListener func(ctx context.Context) (Listener, error),
	sender Sender,
	config *Config,
) *Notifier {
	if config == nil {
		config = DefaultConfig()
	}

	return &Notifier{
		getListener:   getListener,
		sender:        sender,
		config:        config,
		subscriptions: make(map[EventType][]*Subscription),
		done:          make(chan struct{}),
	}
}

// Start begins listening for notifications.
func (n *Notifier) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, n.cancel = context.WithCancel(ctx)
	go n.run(ctx)

	return nil
}

// Stop stops the notifier.
func (n *Notifier) Stop(ctx context.Context) error {
	if !n.started.Load() {
		return ErrNotStarted
	}

	n.cancel()
	<-n.done

	n.started.Store(false)
	return nil
}

// Subscribe registers a handler for the given event type.
// Returns a function to unsubscribe.
func (n *Notifier) Subscribe(eventType EventType, handler Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &Subscription{
		eventType: eventType,
		handler:   handler,
		id:        n.nextSubID,
	}
	n.nextSubID++

	n.subscriptions[eventType] = append(n.subscriptions[eventType], sub)

	return func() {
		n.unsubscribe(eventType, sub.id)
	}
}

// unsubscribe removes a subscription.
func (n *Notifier) unsubscribe(eventType EventType, id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.subscriptions[eventType]
	for i, sub := range subs {
		if sub.id == id {
			n.subscriptions[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Notify sends a notification.
func (n *Notifier) Notify(ctx context.Context, eventType EventType, payload string) error {
	if n.sender == nil {
		return ErrNotifyNotSupported
	}

	channel, ok := eventTypeToChannel[eventType]
	if !ok {
		return ErrUnknownEventType
	}

	return n.sender.Notify(ctx, channel, payload)
}

// run is the main notification loop.
func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := n.listenLoop(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if n.config.OnError != nil {
					n.config.OnError(err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(n.config.ReconnectDelay):
					if n.config.OnReconnect != nil {
						n.config.OnReconnect()
					}
				}
			}
		}
	}
}

// listenLoop creates a listener and processes notifications until an error
// occurs.
func (n *Notifier) listenLoop(ctx context.Context) error {
	if n.getListener == nil {
		// Send-only mode, just wait for context cancellation.
		<-ctx.Done()
		return ctx.Err()
	}

	listener, err := n.getListener(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close(ctx) }()

	for channel := range channelToEventType {
		if err := listener.Listen(ctx, channel); err != nil {
			return err
		}
	}

	for {
		notification, err := listener.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		eventType, ok := channelToEventType[notification.Channel]
		if !ok {
			continue
		}

		n.dispatch(&Event{
			Type:       eventType,
			Payload:    notification.Payload,
			ReceivedAt: time.Now(),
		})
	}
}

// dispatch sends an event to all subscribed handlers.
func (n *Notifier) dispatch(event *Event) {
	n.mu.RLock()
	subs := make([]*Subscription, len(n.subscriptions[event.Type]))
	copy(subs, n.subscriptions[event.Type])
	n.mu.RUnlock()

	for _, sub := range subs {
		// Handlers run synchronously to maintain ordering; long work
		// belongs on the handler's own goroutine.
		sub.handler(event)
	}
}

// IsRunning returns true if the notifier is running.
func (n *Notifier) IsRunning() bool {
	return n.started.Load()
}
