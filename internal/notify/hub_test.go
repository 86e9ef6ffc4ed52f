package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sourcesEvent() Event {
	return Event{Topic: TopicSources, SourceID: "s1", TS: time.Now()}
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sourcesEvent())
	hub.Emit(sourcesEvent())
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sourcesEvent())
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sourcesEvent())
	hub.Emit(sourcesEvent())
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped(), "first drop is logged and reset, the second is counted")
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sourcesEvent())
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sourcesEvent())
	require.NoError(t, hub.Close(context.Background()), "close is idempotent")
	require.Len(t, sink.Batches(), 1, "emit after close is ignored")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	hub.Emit(Event{Topic: TopicProducts, TS: time.Now()})
	hub.Emit(Event{Topic: "bogus", TS: time.Now()})
	hub.Emit(Event{Topic: TopicSources})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubSinkErrorDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	failing := &stubSink{err: errors.New("boom")}
	healthy := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, nil, healthy)
	hub.Emit(sourcesEvent())
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, failing.Batches(), 1)
	require.Len(t, healthy.Batches(), 1)
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sourcesEvent())
	require.NoError(t, hub.Close(context.Background()))
}

func TestCoalesce(t *testing.T) {
	t.Parallel()

	now := time.Now()
	got := Coalesce([]Event{
		{Topic: TopicProducts, SourceID: "a", Count: 2, TS: now},
		{Topic: TopicSources, SourceID: "a", TS: now},
		{Topic: TopicProducts, SourceID: "b", Count: 1, TS: now},
		{Topic: TopicProducts, SourceID: "a", Count: 3, TS: now.Add(time.Second)},
		{Topic: TopicSources, SourceID: "b", TS: now},
	})
	require.Len(t, got, 3)
	require.Equal(t, "products:a", got[0].Key())
	require.Equal(t, 5, got[0].Count)
	require.Equal(t, now.Add(time.Second), got[0].TS)
	require.Equal(t, "sources", got[1].Key())
	require.Equal(t, "b", got[1].SourceID)
	require.Equal(t, "products:b", got[2].Key())
}
