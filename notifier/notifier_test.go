package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockSender implements Sender for testing.
type mockSender struct {
	mu            sync.Mutex
	notifications []struct {
		channel string
		payload string
	}
	notifyErr error
}

func (m *mockSender) Notify(_ context.Context, channel, payload string) error {
	if m.notifyErr != nil {
		return m.notifyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, struct {
		channel string
		payload string
	}{channel, payload})
	return nil
}

// mockListener implements Listener for testing.
type mockListener struct {
	notifications chan *Notification
	closed        atomic.Bool
	listenErr     error
}

func newMockListener() *mockListener {
	return &mockListener{
		notifications: make(chan *Notification, 10),
	}
}

func (m *mockListener) Listen(_ context.Context, _ string) error {
	return m.listenErr
}

func (m *mockListener) WaitForNotification(ctx context.Context) (*Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n := <-m.notifications:
		return n, nil
	}
}

func (m *mockListener) Close(_ context.Context) error {
	m.closed.Store(true)
	return nil
}

func TestNotifier_StartStop(t *testing.T) {
	n := NewNotifier(nil, nil, nil)

	ctx := context.Background()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !n.IsRunning() {
		t.Error("Expected notifier to be running")
	}

	if err := n.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("Start() error = %v, want %v", err, ErrAlreadyStarted)
	}

	if err := n.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if n.IsRunning() {
		t.Error("Expected notifier to not be running")
	}
}

func TestNotifier_StopNotStarted(t *testing.T) {
	n := NewNotifier(nil, nil, nil)

	if err := n.Stop(context.Background()); err != ErrNotStarted {
		t.Fatalf("Stop() error = %v, want %v", err, ErrNotStarted)
	}
}

func TestNotifier_Notify(t *testing.T) {
	sender := &mockSender{}
	n := NewNotifier(nil, sender, nil)

	if err := n.Notify(context.Background(), EventRunCreated, "run-1"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.notifications) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(sender.notifications))
	}
	if sender.notifications[0].channel != ChannelRunCreated {
		t.Errorf("channel = %q, want %q", sender.notifications[0].channel, ChannelRunCreated)
	}
	if sender.notifications[0].payload != "run-1" {
		t.Errorf("payload = %q, want %q", sender.notifications[0].payload, "run-1")
	}
}

func TestNotifier_NotifySendOnlyErrors(t *testing.T) {
	n := NewNotifier(nil, nil, nil)

	if err := n.Notify(context.Background(), EventRunCreated, "run-1"); err != ErrNotifyNotSupported {
		t.Fatalf("Notify() error = %v, want %v", err, ErrNotifyNotSupported)
	}

	sender := &mockSender{}
	n = NewNotifier(nil, sender, nil)
	if err := n.Notify(context.Background(), EventType("bogus"), "x"); err != ErrUnknownEventType {
		t.Fatalf("Notify() error = %v, want %v", err, ErrUnknownEventType)
	}
}

func TestNotifier_SubscribeDispatch(t *testing.T) {
	listener := newMockListener()
	n := NewNotifier(func(context.Context) (Listener, error) {
		return listener, nil
	}, nil, nil)

	received := make(chan *Event, 10)
	unsubscribe := n.Subscribe(EventRunResumed, func(e *Event) {
		received <- e
	})

	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = n.Stop(ctx) }()

	listener.notifications <- &Notification{Channel: ChannelRunResumed, Payload: "run-42"}

	select {
	case e := <-received:
		if e.Type != EventRunResumed {
			t.Errorf("Type = %q, want %q", e.Type, EventRunResumed)
		}
		if e.Payload != "run-42" {
			t.Errorf("Payload = %q, want %q", e.Payload, "run-42")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}

	// Unsubscribed handlers stop receiving.
	unsubscribe()
	listener.notifications <- &Notification{Channel: ChannelRunResumed, Payload: "run-43"}

	select {
	case e := <-received:
		t.Fatalf("Unexpected event after unsubscribe: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifier_UnknownChannelIgnored(t *testing.T) {
	listener := newMockListener()
	n := NewNotifier(func(context.Context) (Listener, error) {
		return listener, nil
	}, nil, nil)

	received := make(chan *Event, 10)
	n.Subscribe(EventRunCreated, func(e *Event) {
		received <- e
	})

	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = n.Stop(ctx) }()

	listener.notifications <- &Notification{Channel: "unrelated_channel", Payload: "x"}
	listener.notifications <- &Notification{Channel: ChannelRunCreated, Payload: "run-1"}

	select {
	case e := <-received:
		if e.Payload != "run-1" {
			t.Errorf("Payload = %q, want %q", e.Payload, "run-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestNotifier_ReconnectsAfterListenerError(t *testing.T) {
	var attempts atomic.Int64
	listener := newMockListener()

	n := NewNotifier(func(context.Context) (Listener, error) {
		if attempts.Add(1) == 1 {
			// First connection fails immediately.
			failing := newMockListener()
			failing.listenErr = context.DeadlineExceeded
			return failing, nil
		}
		return listener, nil
	}, nil, &Config{ReconnectDelay: 10 * time.Millisecond})

	received := make(chan *Event, 1)
	n.Subscribe(EventRunCreated, func(e *Event) {
		received <- e
	})

	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = n.Stop(ctx) }()

	// Wait for the second connection to be live, then deliver.
	deadline := time.After(2 * time.Second)
	for attempts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	listener.notifications <- &Notification{Channel: ChannelRunCreated, Payload: "run-1"}

	select {
	case e := <-received:
		if e.Payload != "run-1" {
			t.Errorf("Payload = %q, want %q", e.Payload, "run-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event after reconnect")
	}
}
