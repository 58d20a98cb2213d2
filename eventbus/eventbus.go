// Package eventbus delivers journal entries to live subscribers.
//
// The bus is a best-effort in-process broadcast layer on top of the durable
// journal: Subscribe replays committed entries from the store, then follows
// new ones published after the replay position. Consumers that fall behind
// are dropped rather than blocking publishers; the journal remains the
// source of truth and a dropped consumer can resubscribe from its last
// observed sequence.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/durarun/durarun/journal"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// EntrySource is the replay source, satisfied by storage.Store.
type EntrySource interface {
	ListEntries(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]journal.Entry, error)
}

// Subscription is a live feed of one run's journal entries.
type Subscription struct {
	ch      chan journal.Entry
	dropped atomic.Bool
	cancel  func()
}

// Entries returns the channel of entries in sequence order. The channel is
// closed when the subscription is cancelled or dropped for falling behind.
func (s *Subscription) Entries() <-chan journal.Entry {
	return s.ch
}

// Dropped reports whether the bus evicted this subscriber for falling
// behind. A dropped consumer should resubscribe from its last sequence.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Close cancels the subscription.
func (s *Subscription) Close() {
	s.cancel()
}

type subscriber struct {
	id       int64
	sub      *Subscription
	afterSeq int64 // highest sequence already delivered

	// While the replay query runs, live publishes are parked in pending
	// instead of being delivered, so they cannot advance afterSeq past
	// entries the replay has not delivered yet.
	replaying bool
	pending   []journal.Entry
}

// Bus broadcasts journal entries per run.
type Bus struct {
	source  EntrySource
	bufSize int

	mu     sync.Mutex
	nextID int64
	subs   map[uuid.UUID]map[int64]*subscriber
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// New creates a Bus that replays from source.
func New(source EntrySource, opts ...Option) *Bus {
	b := &Bus{
		source:  source,
		bufSize: DefaultBufferSize,
		subs:    map[uuid.UUID]map[int64]*subscriber{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a consumer for a run's entries starting after
// afterSeq. Entries committed before the call are replayed from the store;
// entries published while the replay query ran are deduplicated by
// sequence number, so the consumer sees every entry exactly once and in
// order.
func (b *Bus) Subscribe(ctx context.Context, runID uuid.UUID, afterSeq int64) (*Subscription, error) {
	sub := &Subscription{ch: make(chan journal.Entry, b.bufSize)}

	// Register before replaying so no concurrently published entry can
	// fall between the query and the live feed. Publishes that land while
	// the query runs are parked on the subscriber and flushed after the
	// replay, never delivered ahead of it.
	b.mu.Lock()
	b.nextID++
	s := &subscriber{id: b.nextID, sub: sub, afterSeq: afterSeq, replaying: true}
	if b.subs[runID] == nil {
		b.subs[runID] = map[int64]*subscriber{}
	}
	b.subs[runID][s.id] = s
	b.mu.Unlock()

	sub.cancel = func() { b.remove(runID, s.id) }

	replay, err := b.source.ListEntries(ctx, runID, afterSeq)
	if err != nil {
		sub.cancel()
		return nil, err
	}

	// Deliver the replay, then the parked publishes, under one lock hold so
	// a concurrent Publish cannot interleave out of order. Sequences covered
	// by both are deduplicated by the afterSeq watermark.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range append(replay, s.pending...) {
		if e.Sequence <= s.afterSeq {
			continue
		}
		if !s.deliver(e) {
			b.evictLocked(runID, s.id)
			break
		}
	}
	s.replaying = false
	s.pending = nil

	return sub, nil
}

// Publish broadcasts a committed entry to the run's subscribers. Callers
// must publish only entries already durable in the store, in sequence
// order.
func (b *Bus) Publish(entry journal.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subs[entry.RunID] {
		if entry.Sequence <= s.afterSeq {
			continue
		}
		if s.replaying {
			s.pending = append(s.pending, entry)
			continue
		}
		if !s.deliver(entry) {
			b.evictLocked(entry.RunID, id)
		}
	}
}

// PublishAll broadcasts a batch of entries.
func (b *Bus) PublishAll(entries []journal.Entry) {
	for _, e := range entries {
		b.Publish(e)
	}
}

// deliver attempts a non-blocking send. Caller holds b.mu.
func (s *subscriber) deliver(entry journal.Entry) bool {
	select {
	case s.sub.ch <- entry:
		s.afterSeq = entry.Sequence
		return true
	default:
		return false
	}
}

// evictLocked drops a subscriber that fell behind. Caller holds b.mu.
func (b *Bus) evictLocked(runID uuid.UUID, id int64) {
	if s, ok := b.subs[runID][id]; ok {
		s.sub.dropped.Store(true)
		close(s.sub.ch)
		delete(b.subs[runID], id)
	}
}

func (b *Bus) remove(runID uuid.UUID, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[runID][id]; ok {
		delete(b.subs[runID], id)
		close(s.sub.ch)
	}
	if len(b.subs[runID]) == 0 {
		delete(b.subs, runID)
	}
}

// SubscriberCount returns the number of live subscribers for a run.
func (b *Bus) SubscriberCount(runID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

// TotalSubscribers returns the number of live subscribers across all runs.
func (b *Bus) TotalSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	return total
}
