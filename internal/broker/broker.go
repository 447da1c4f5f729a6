// Package broker fans push messages out to clients subscribed to named
// channels. Channels exist implicitly: the first subscribe or publish on a name
// is all it takes. Each attached client owns a bounded queue drained by its own
// writer goroutine, so a slow or dead client never holds up a publisher or the
// other subscribers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"peerstream/internal/observability/metrics"
)

var (
	// ErrChannelRequired is returned when a channel name is empty.
	ErrChannelRequired = errors.New("channel is required")
	// ErrClientRequired is returned when a client handle is empty.
	ErrClientRequired = errors.New("client is required")
	// ErrUnknownClient is returned when the client handle is not attached.
	ErrUnknownClient = errors.New("unknown client")
	// ErrSinkClosed signals that a client transport can no longer accept
	// messages. Sinks return it once their connection is gone.
	ErrSinkClosed = errors.New("sink closed")
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")
)

const (
	defaultQueueSize      = 64
	defaultSendTimeout    = 10 * time.Second
	defaultJournalBuffer  = 256
	defaultJournalTimeout = 5 * time.Second
)

// Message is the envelope delivered to clients.
type Message struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

// Sink is the transport side of an attached client.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, msg Message) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Journal receives every fan-out publish after it has been queued for the
// subscribers. Targeted replies are not journaled.
type Journal interface {
	Append(ctx context.Context, msg Message) error
}

// Config configures a Broker.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// QueueSize bounds the per-client backlog. Messages beyond it are
	// dropped for that client only.
	QueueSize int
	// SendTimeout bounds a single Sink.Send call.
	SendTimeout    time.Duration
	Journal        Journal
	JournalBuffer  int
	JournalTimeout time.Duration
}

// Broker owns the subscription table and the per-client delivery queues.
type Broker struct {
	logger      *slog.Logger
	metrics     *metrics.Recorder
	queueSize   int
	sendTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	clients  map[string]*client
	channels map[string]map[string]*client
	closed   bool

	journal        Journal
	journalTimeout time.Duration
	journalCh      chan Message
	journalDone    chan struct{}
}

type client struct {
	id     string
	sink   Sink
	send   chan Message
	subs   map[string]struct{}
	broken atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.send)
	})
}

// New constructs a Broker. Close must be called to release the writer
// goroutines.
func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		logger:      logger,
		metrics:     recorder,
		queueSize:   queueSize,
		sendTimeout: sendTimeout,
		ctx:         ctx,
		cancel:      cancel,
		clients:     make(map[string]*client),
		channels:    make(map[string]map[string]*client),
	}
	if cfg.Journal != nil {
		buffer := cfg.JournalBuffer
		if buffer <= 0 {
			buffer = defaultJournalBuffer
		}
		timeout := cfg.JournalTimeout
		if timeout <= 0 {
			timeout = defaultJournalTimeout
		}
		b.journal = cfg.Journal
		b.journalTimeout = timeout
		b.journalCh = make(chan Message, buffer)
		b.journalDone = make(chan struct{})
		go b.journalLoop()
	}
	return b
}

// Attach registers a client handle with its transport sink. Attaching an
// existing handle replaces the previous sink and drops its subscriptions.
func (b *Broker) Attach(clientID string, sink Sink) error {
	if clientID == "" {
		return ErrClientRequired
	}
	if sink == nil {
		return fmt.Errorf("attach %s: sink is required", clientID)
	}
	c := &client{
		id:   clientID,
		sink: sink,
		send: make(chan Message, b.queueSize),
		subs: make(map[string]struct{}),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if previous, ok := b.clients[clientID]; ok {
		b.removeClientLocked(previous)
	}
	b.clients[clientID] = c
	b.mu.Unlock()

	b.metrics.ClientAttached()
	go b.writeLoop(c)
	return nil
}

// Detach drops the client and all of its subscriptions. Unknown handles are
// ignored.
func (b *Broker) Detach(clientID string) {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	if ok {
		b.removeClientLocked(c)
	}
	b.mu.Unlock()
}

// Subscribe adds the client to the channel. Subscribing twice is a no-op.
func (b *Broker) Subscribe(channel, clientID string) error {
	if channel == "" {
		return ErrChannelRequired
	}
	if clientID == "" {
		return ErrClientRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	c, ok := b.clients[clientID]
	if !ok {
		return fmt.Errorf("subscribe %s: %w", clientID, ErrUnknownClient)
	}
	if c.broken.Load() {
		return fmt.Errorf("subscribe %s: %w", clientID, ErrSinkClosed)
	}
	if _, exists := c.subs[channel]; exists {
		return nil
	}
	members := b.channels[channel]
	if members == nil {
		members = make(map[string]*client)
		b.channels[channel] = members
	}
	members[clientID] = c
	c.subs[channel] = struct{}{}
	b.metrics.SubscriptionAdded()
	return nil
}

// Unsubscribe removes the client from the channel. It is a no-op when the
// subscription does not exist.
func (b *Broker) Unsubscribe(channel, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[clientID]
	if !ok {
		return
	}
	if _, subscribed := c.subs[channel]; !subscribed {
		return
	}
	b.unsubscribeLocked(channel, c)
	b.metrics.SubscriptionsRemoved(1)
}

// Publish queues msg for delivery. With an empty clientHint it fans out to
// every subscriber of channel; otherwise only the hinted client receives it,
// whether or not it subscribed. Publish never blocks on a subscriber: a full
// queue drops the message for that client only, and clients whose sink failed
// are pruned instead of served.
func (b *Broker) Publish(channel string, msg Message, clientHint string) error {
	if channel == "" {
		return ErrChannelRequired
	}
	msg.Channel = channel
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	var stale []*client
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	if clientHint != "" {
		if c, ok := b.clients[clientHint]; ok {
			stale = b.enqueue(c, msg, stale)
		}
	} else {
		for _, c := range b.channels[channel] {
			stale = b.enqueue(c, msg, stale)
		}
		b.appendJournal(msg)
	}
	b.mu.RUnlock()

	b.metrics.ObservePublish(msg.Type)
	if len(stale) > 0 {
		b.prune(stale)
	}
	return nil
}

// Subscribers returns the client handles subscribed to channel, sorted.
func (b *Broker) Subscribers(channel string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	members := b.channels[channel]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns the channels the client is subscribed to, sorted.
func (b *Broker) Subscriptions(clientID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// Close detaches every client, flushes the journal queue and waits for the
// writer goroutines until ctx expires.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	waiting := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		waiting = append(waiting, c)
		b.removeClientLocked(c)
	}
	b.mu.Unlock()

	if b.journalCh != nil {
		close(b.journalCh)
	}

	done := make(chan struct{})
	go func() {
		for _, c := range waiting {
			<-c.done
		}
		if b.journalDone != nil {
			<-b.journalDone
		}
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return fmt.Errorf("close broker: %w", ctx.Err())
	}
}

func (b *Broker) enqueue(c *client, msg Message, stale []*client) []*client {
	if c.broken.Load() {
		return append(stale, c)
	}
	select {
	case c.send <- msg:
	default:
		b.metrics.ObserveDeliveryFailure("queue_full")
		b.logger.Debug("client queue full, dropping message", "client_id", c.id, "channel", msg.Channel, "type", msg.Type)
	}
	return stale
}

func (b *Broker) prune(stale []*client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range stale {
		current, ok := b.clients[c.id]
		if !ok || current != c {
			continue
		}
		b.logger.Info("pruning broken client", "client_id", c.id, "subscriptions", len(c.subs))
		b.metrics.ObserveDeliveryFailure("pruned")
		b.removeClientLocked(c)
	}
}

func (b *Broker) removeClientLocked(c *client) {
	removed := len(c.subs)
	for channel := range c.subs {
		b.unsubscribeLocked(channel, c)
	}
	if current, ok := b.clients[c.id]; ok && current == c {
		delete(b.clients, c.id)
	}
	c.stop()
	b.metrics.SubscriptionsRemoved(removed)
	b.metrics.ClientDetached()
}

func (b *Broker) unsubscribeLocked(channel string, c *client) {
	delete(c.subs, channel)
	members := b.channels[channel]
	if members == nil {
		return
	}
	if current, ok := members[c.id]; ok && current == c {
		delete(members, c.id)
	}
	if len(members) == 0 {
		delete(b.channels, channel)
	}
}

func (b *Broker) writeLoop(c *client) {
	defer close(c.done)
	for msg := range c.send {
		if c.broken.Load() {
			continue
		}
		ctx, cancel := context.WithTimeout(b.ctx, b.sendTimeout)
		err := c.sink.Send(ctx, msg)
		cancel()
		if err != nil {
			c.broken.Store(true)
			b.metrics.ObserveDeliveryFailure("sink_error")
			if errors.Is(err, ErrSinkClosed) {
				b.logger.Debug("client sink closed", "client_id", c.id)
			} else {
				b.logger.Warn("client delivery failed", "client_id", c.id, "channel", msg.Channel, "error", err)
			}
			continue
		}
		b.metrics.ObserveDelivery()
	}
}

func (b *Broker) appendJournal(msg Message) {
	if b.journalCh == nil {
		return
	}
	select {
	case b.journalCh <- msg:
	default:
		b.metrics.ObserveJournalError()
		b.logger.Warn("journal backlog full, dropping entry", "channel", msg.Channel, "type", msg.Type)
	}
}

func (b *Broker) journalLoop() {
	defer close(b.journalDone)
	for msg := range b.journalCh {
		ctx, cancel := context.WithTimeout(context.Background(), b.journalTimeout)
		err := b.journal.Append(ctx, msg)
		cancel()
		if err != nil {
			b.metrics.ObserveJournalError()
			b.logger.Warn("journal append failed", "channel", msg.Channel, "type", msg.Type, "error", err)
		}
	}
}
