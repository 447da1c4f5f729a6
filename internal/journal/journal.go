// Package journal records broker publishes so that other processes can
// replay them. The storage worker consumes the journal to persist download
// snapshots and search results.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerstream/internal/broker"
)

var (
	// ErrTypeRequired is returned when a message has no type.
	ErrTypeRequired = errors.New("message type is required")
	// ErrJournalClosed is returned by Append after Close.
	ErrJournalClosed = errors.New("journal closed")
)

// Entry is the journaled form of a broker message. Data keeps its JSON
// encoding so consumers decode only the types they care about.
type Entry struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
}

// EntryFromMessage encodes msg.
func EntryFromMessage(msg broker.Message) (Entry, error) {
	if msg.Type == "" {
		return Entry{}, ErrTypeRequired
	}
	entry := Entry{
		Type:      msg.Type,
		Channel:   msg.Channel,
		RequestID: msg.RequestID,
		Error:     msg.Error,
		SentAt:    msg.SentAt,
	}
	if msg.Data != nil {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			return Entry{}, fmt.Errorf("marshal %s payload: %w", msg.Type, err)
		}
		entry.Data = data
	}
	return entry, nil
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s entry on %s has no payload", e.Type, e.Channel)
	}
	return json.Unmarshal(e.Data, v)
}

// Queue is a broker.Journal that consumers can subscribe to.
type Queue interface {
	Append(ctx context.Context, msg broker.Message) error
	Subscribe() Subscription
	Close() error
}

// Subscription is an active entry stream.
type Subscription interface {
	Entries() <-chan Entry
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue for single-process
// deployments and tests.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

func (q *memoryQueue) Append(ctx context.Context, msg broker.Message) error {
	entry, err := EntryFromMessage(msg)
	if err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrJournalClosed
	}
	for sub := range q.subs {
		select {
		case sub.ch <- entry:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Slow consumers lose entries rather than stall publishers.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Entry, q.buffer),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	q.subs[sub] = struct{}{}
	return sub
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	subs := make([]*memorySubscription, 0, len(q.subs))
	for sub := range q.subs {
		subs = append(subs, sub)
	}
	q.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Entry
}

func (s *memorySubscription) Entries() <-chan Entry {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
