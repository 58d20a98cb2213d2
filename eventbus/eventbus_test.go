package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/durarun/durarun/internal/memstore"
	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/storage"
)

func newRunWithEntries(t *testing.T, store *memstore.Store, n int) uuid.UUID {
	t.Helper()

	ctx := context.Background()
	sess, err := store.CreateSession(ctx, &storage.CreateSessionParams{UserID: "u", AgentKind: "a"})
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, &storage.CreateRunParams{SessionID: sess.ID, AgentKind: "a", Task: "t"})
	require.NoError(t, err)

	if n > 0 {
		_, err = store.AppendEntry(ctx, run.ID, nil, &journal.RunStarted{Task: "t"})
		require.NoError(t, err)
	}
	for i := 1; i < n; i++ {
		_, err = store.AppendEntry(ctx, run.ID, nil, &journal.Text{Text: "x"})
		require.NoError(t, err)
	}
	return run.ID
}

func collect(t *testing.T, sub *Subscription, n int) []journal.Entry {
	t.Helper()

	var got []journal.Entry
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e, ok := <-sub.Entries():
			if !ok {
				t.Fatalf("channel closed after %d entries, want %d", len(got), n)
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out after %d entries, want %d", len(got), n)
		}
	}
	return got
}

func TestBus_ReplayThenFollow(t *testing.T) {
	store := memstore.New()
	bus := New(store)
	runID := newRunWithEntries(t, store, 3)

	sub, err := bus.Subscribe(context.Background(), runID, 0)
	require.NoError(t, err)
	defer sub.Close()

	// Replayed history first.
	got := collect(t, sub, 3)
	require.Equal(t, int64(1), got[0].Sequence)
	require.Equal(t, int64(3), got[2].Sequence)

	// Then live entries.
	live, err := store.AppendEntry(context.Background(), runID, nil, &journal.Text{Text: "live"})
	require.NoError(t, err)
	bus.Publish(*live)

	got = collect(t, sub, 1)
	require.Equal(t, int64(4), got[0].Sequence)
}

func TestBus_ResumeAfterSeq(t *testing.T) {
	store := memstore.New()
	bus := New(store)
	runID := newRunWithEntries(t, store, 5)

	sub, err := bus.Subscribe(context.Background(), runID, 3)
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 2)
	require.Equal(t, int64(4), got[0].Sequence)
	require.Equal(t, int64(5), got[1].Sequence)
}

func TestBus_DuplicatePublishSkipped(t *testing.T) {
	store := memstore.New()
	bus := New(store)
	runID := newRunWithEntries(t, store, 2)

	sub, err := bus.Subscribe(context.Background(), runID, 0)
	require.NoError(t, err)
	defer sub.Close()

	entries, err := store.ListEntries(context.Background(), runID, 0)
	require.NoError(t, err)

	// Re-publishing replayed sequences must not duplicate delivery.
	bus.PublishAll(entries)

	got := collect(t, sub, 2)
	require.Equal(t, int64(1), got[0].Sequence)
	require.Equal(t, int64(2), got[1].Sequence)
	select {
	case e := <-sub.Entries():
		t.Fatalf("unexpected duplicate entry seq=%d", e.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
}

// racingSource publishes a freshly appended entry to the bus while a replay
// query is still in flight, mimicking a writer that commits and broadcasts
// between subscriber registration and replay delivery.
type racingSource struct {
	store *memstore.Store
	bus   *Bus
	once  sync.Once
}

func (r *racingSource) ListEntries(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]journal.Entry, error) {
	entries, err := r.store.ListEntries(ctx, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	r.once.Do(func() {
		live, err := r.store.AppendEntry(ctx, runID, nil, &journal.Text{Text: "live"})
		if err != nil {
			panic(err)
		}
		r.bus.Publish(*live)
	})
	return entries, nil
}

func TestBus_PublishDuringReplayDoesNotSkipHistory(t *testing.T) {
	store := memstore.New()
	src := &racingSource{store: store}
	bus := New(src)
	src.bus = bus
	runID := newRunWithEntries(t, store, 4)

	// The source publishes sequence 5 mid-query; the subscriber must still
	// get 1..4 first.
	sub, err := bus.Subscribe(context.Background(), runID, 0)
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 5)
	for i, e := range got {
		require.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	store := memstore.New()
	bus := New(store, WithBufferSize(2))
	runID := newRunWithEntries(t, store, 1)

	sub, err := bus.Subscribe(context.Background(), runID, 0)
	require.NoError(t, err)

	// One buffered slot left after the replayed run_started; overflow it.
	for i := 0; i < 3; i++ {
		e, err := store.AppendEntry(context.Background(), runID, nil, &journal.Text{Text: "x"})
		require.NoError(t, err)
		bus.Publish(*e)
	}

	// Drain until close.
	for range sub.Entries() {
	}
	require.True(t, sub.Dropped())
	require.Equal(t, 0, bus.SubscriberCount(runID))
}

func TestBus_CloseRemovesSubscriber(t *testing.T) {
	store := memstore.New()
	bus := New(store)
	runID := newRunWithEntries(t, store, 0)

	sub, err := bus.Subscribe(context.Background(), runID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, bus.SubscriberCount(runID))

	sub.Close()
	require.Equal(t, 0, bus.SubscriberCount(runID))
	require.False(t, sub.Dropped())

	_, ok := <-sub.Entries()
	require.False(t, ok)
}
