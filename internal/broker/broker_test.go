package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerstream/internal/observability/metrics"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []Message
	err      error
	block    chan struct{}
}

func (s *recordingSink) Send(ctx context.Context, msg Message) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *recordingSink) waitFor(t *testing.T, n int) []Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected at least %d messages", n)
	return s.snapshot()
}

type recordingJournal struct {
	mu      sync.Mutex
	entries []Message
}

func (j *recordingJournal) Append(_ context.Context, msg Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, msg)
	return nil
}

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	b := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func attach(t *testing.T, b *Broker, id string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	require.NoError(t, b.Attach(id, sink))
	return sink
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBroker(t, Config{})
	attach(t, b, "client-a")

	assert.ErrorIs(t, b.Subscribe("", "client-a"), ErrChannelRequired)
	assert.ErrorIs(t, b.Subscribe("urn:btih:1", ""), ErrClientRequired)
	assert.ErrorIs(t, b.Subscribe("urn:btih:1", "ghost"), ErrUnknownClient)
	assert.ErrorIs(t, b.Publish("", Message{Type: "download"}, ""), ErrChannelRequired)
}

func TestPublishDeliversOnlyToChannelSubscribers(t *testing.T) {
	b := newTestBroker(t, Config{})
	a := attach(t, b, "client-a")
	other := attach(t, b, "client-b")

	require.NoError(t, b.Subscribe("urn:btih:1", "client-a"))
	require.NoError(t, b.Subscribe("urn:btih:2", "client-b"))

	require.NoError(t, b.Publish("urn:btih:1", Message{Type: "download", Data: "one"}, ""))
	require.NoError(t, b.Publish("urn:btih:2", Message{Type: "download", Data: "two"}, ""))

	gotA := a.waitFor(t, 1)
	gotB := other.waitFor(t, 1)

	require.Len(t, gotA, 1)
	assert.Equal(t, "urn:btih:1", gotA[0].Channel)
	assert.Equal(t, "one", gotA[0].Data)
	require.Len(t, gotB, 1)
	assert.Equal(t, "urn:btih:2", gotB[0].Channel)
	assert.False(t, gotA[0].SentAt.IsZero())
}

func TestSubscribeIsIdempotent(t *testing.T) {
	recorder := metrics.New()
	b := newTestBroker(t, Config{Metrics: recorder})
	sink := attach(t, b, "client-a")

	require.NoError(t, b.Subscribe("q-1", "client-a"))
	require.NoError(t, b.Subscribe("q-1", "client-a"))
	assert.Equal(t, []string{"client-a"}, b.Subscribers("q-1"))
	assert.EqualValues(t, 1, recorder.Subscriptions())

	require.NoError(t, b.Publish("q-1", Message{Type: "result"}, ""))
	require.NoError(t, b.Publish("q-1", Message{Type: "marker"}, ""))

	got := sink.waitFor(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "result", got[0].Type)
	assert.Equal(t, "marker", got[1].Type)
}

func TestPublishPreservesPerChannelOrder(t *testing.T) {
	b := newTestBroker(t, Config{QueueSize: 128})
	sink := attach(t, b, "client-a")
	require.NoError(t, b.Subscribe("urn:btih:order", "client-a"))

	const total = 100
	for i := 0; i < total; i++ {
		require.NoError(t, b.Publish("urn:btih:order", Message{Type: "download", Data: i}, ""))
	}

	got := sink.waitFor(t, total)
	for i, msg := range got {
		assert.Equal(t, i, msg.Data, "message %d out of order", i)
	}
}

func TestClientHintTargetsSingleClient(t *testing.T) {
	b := newTestBroker(t, Config{})
	a := attach(t, b, "client-a")
	requester := attach(t, b, "client-b")
	require.NoError(t, b.Subscribe("q-1", "client-a"))

	// client-b is not subscribed but still receives the targeted reply.
	require.NoError(t, b.Publish("q-1", Message{Type: "search.ack", RequestID: "r1"}, "client-b"))
	require.NoError(t, b.Publish("q-1", Message{Type: "result"}, ""))

	got := requester.waitFor(t, 1)
	assert.Equal(t, "search.ack", got[0].Type)
	assert.Equal(t, "r1", got[0].RequestID)

	gotA := a.waitFor(t, 1)
	require.Len(t, gotA, 1)
	assert.Equal(t, "result", gotA[0].Type)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, requester.snapshot(), 1)
}

func TestPublishToUnknownHintIsIgnored(t *testing.T) {
	b := newTestBroker(t, Config{})
	assert.NoError(t, b.Publish("q-1", Message{Type: "search.ack"}, "nobody"))
}

func TestBrokenSinkIsPrunedOnNextPublish(t *testing.T) {
	recorder := metrics.New()
	b := newTestBroker(t, Config{Metrics: recorder})
	broken := &recordingSink{err: fmt.Errorf("write: %w", ErrSinkClosed)}
	require.NoError(t, b.Attach("client-dead", broken))
	healthy := attach(t, b, "client-ok")

	require.NoError(t, b.Subscribe("urn:btih:1", "client-dead"))
	require.NoError(t, b.Subscribe("urn:btih:2", "client-dead"))
	require.NoError(t, b.Subscribe("urn:btih:1", "client-ok"))

	require.Eventually(t, func() bool {
		_ = b.Publish("urn:btih:1", Message{Type: "download"}, "")
		return len(b.Subscriptions("client-dead")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"client-ok"}, b.Subscribers("urn:btih:1"))
	assert.Empty(t, b.Subscribers("urn:btih:2"))
	healthy.waitFor(t, 1)
	assert.NotZero(t, recorder.DeliveryFailures()["pruned"])
	assert.ErrorIs(t, b.Subscribe("urn:btih:1", "client-dead"), ErrUnknownClient)
}

func TestFullQueueDropsOnlyForSlowClient(t *testing.T) {
	recorder := metrics.New()
	b := newTestBroker(t, Config{Metrics: recorder, QueueSize: 1})
	slow := &recordingSink{block: make(chan struct{})}
	require.NoError(t, b.Attach("client-slow", slow))
	fast := attach(t, b, "client-fast")
	require.NoError(t, b.Subscribe("urn:btih:1", "client-slow"))
	require.NoError(t, b.Subscribe("urn:btih:1", "client-fast"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = b.Publish("urn:btih:1", Message{Type: "download", Data: i}, "")
			// Give the fast writer room to drain its single-slot queue.
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	fast.waitFor(t, 10)
	close(slow.block)
	assert.NotZero(t, recorder.DeliveryFailures()["queue_full"])
	require.Eventually(t, func() bool {
		return len(slow.snapshot()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, len(slow.snapshot()), 10)
}

func TestUnsubscribeAndDetach(t *testing.T) {
	recorder := metrics.New()
	b := newTestBroker(t, Config{Metrics: recorder})
	attach(t, b, "client-a")

	require.NoError(t, b.Subscribe("urn:btih:1", "client-a"))
	require.NoError(t, b.Subscribe("urn:btih:2", "client-a"))

	b.Unsubscribe("urn:btih:1", "client-a")
	b.Unsubscribe("urn:btih:1", "client-a")
	b.Unsubscribe("urn:btih:9", "client-z")
	assert.Equal(t, []string{"urn:btih:2"}, b.Subscriptions("client-a"))

	b.Detach("client-a")
	b.Detach("client-a")
	assert.Empty(t, b.Subscribers("urn:btih:2"))
	assert.Nil(t, b.Subscriptions("client-a"))
	assert.EqualValues(t, 0, recorder.Subscriptions())
	assert.EqualValues(t, 0, recorder.ActiveClients())
}

func TestAttachReplacesExistingClient(t *testing.T) {
	b := newTestBroker(t, Config{})
	first := attach(t, b, "client-a")
	require.NoError(t, b.Subscribe("q-1", "client-a"))

	second := attach(t, b, "client-a")
	assert.Empty(t, b.Subscriptions("client-a"))

	require.NoError(t, b.Publish("q-1", Message{Type: "ping"}, "client-a"))
	second.waitFor(t, 1)
	assert.Empty(t, first.snapshot())
}

func TestJournalRecordsFanOutPublishesOnly(t *testing.T) {
	journal := &recordingJournal{}
	b := New(Config{Metrics: metrics.New(), Journal: journal})
	attach(t, b, "client-a")

	require.NoError(t, b.Publish("urn:btih:1", Message{Type: "download"}, ""))
	require.NoError(t, b.Publish("q-1", Message{Type: "search.ack"}, "client-a"))
	require.NoError(t, b.Publish("q-1", Message{Type: "result"}, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	journal.mu.Lock()
	defer journal.mu.Unlock()
	require.Len(t, journal.entries, 2)
	assert.Equal(t, "download", journal.entries[0].Type)
	assert.Equal(t, "result", journal.entries[1].Type)
}

func TestOperationsAfterClose(t *testing.T) {
	b := New(Config{Metrics: metrics.New()})
	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	assert.True(t, errors.Is(b.Publish("q-1", Message{Type: "x"}, ""), ErrClosed))
	assert.ErrorIs(t, b.Attach("client-a", &recordingSink{}), ErrClosed)
}
