package relay

import (
	"log/slog"
	"sync"
	"time"

	"peerstream/internal/broker"
	"peerstream/internal/engine"
	"peerstream/internal/models"
	"peerstream/internal/observability/logging"
	"peerstream/internal/observability/metrics"
)

// SearchBridgeConfig configures a SearchBridge.
type SearchBridgeConfig struct {
	Publisher Publisher
	// Searches, when set, is watched by Start so listeners are released once
	// a query stops on its own.
	Searches engine.SearchService
	// Library, when set, marks results whose content is already complete.
	Library engine.Library
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// SearchBridge publishes search results on the query channel. Results are
// not deduplicated.
type SearchBridge struct {
	publisher Publisher
	searches  engine.SearchService
	library   engine.Library
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu         sync.Mutex
	listeners  map[string]func()
	unregister func()
}

// NewSearchBridge constructs a SearchBridge.
func NewSearchBridge(cfg SearchBridgeConfig) *SearchBridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &SearchBridge{
		publisher: cfg.Publisher,
		searches:  cfg.Searches,
		library:   cfg.Library,
		logger:    logging.WithComponent(logger, "relay.searches"),
		metrics:   recorder,
		listeners: make(map[string]func()),
	}
}

// Start registers the bridge for query lifecycle notifications.
func (b *SearchBridge) Start() {
	if b.searches == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unregister == nil {
		b.unregister = b.searches.AddListener(b)
	}
}

// SearchStarted implements engine.SearchListener.
func (b *SearchBridge) SearchStarted(q engine.Query) {
	b.metrics.ObserveEngineEvent("search_started")
	b.logger.Debug("search started", "query_id", q.ID())
}

// SearchStopped releases the result listener of a finished query.
func (b *SearchBridge) SearchStopped(q engine.Query) {
	b.metrics.ObserveEngineEvent("search_stopped")
	b.logger.Debug("search stopped", "query_id", q.ID())
	b.Forget(q.ID())
}

// Listening reports whether a result listener is registered for queryID.
func (b *SearchBridge) Listening(queryID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.listeners[queryID]
	return ok
}

// Listen registers a listener scoped to q. Results are published on the
// channel named by q.ID(). Listening twice to the same query is a no-op.
func (b *SearchBridge) Listen(q engine.Query) string {
	channel := q.ID()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.listeners[channel]; exists {
		return channel
	}
	b.listeners[channel] = q.AddResultListener(&queryListener{bridge: b, channel: channel})
	return channel
}

// Forget unregisters the listener for queryID.
func (b *SearchBridge) Forget(queryID string) {
	b.mu.Lock()
	unregister, ok := b.listeners[queryID]
	delete(b.listeners, queryID)
	b.mu.Unlock()
	if ok {
		unregister()
	}
}

// Close unregisters every query listener and stops watching the service.
func (b *SearchBridge) Close() {
	b.mu.Lock()
	if b.unregister != nil {
		b.unregister()
		b.unregister = nil
	}
	listeners := b.listeners
	b.listeners = make(map[string]func())
	b.mu.Unlock()
	for _, unregister := range listeners {
		unregister()
	}
}

// HandleSearchResult publishes a single result on the query channel.
func (b *SearchBridge) HandleSearchResult(q engine.Query, result engine.SearchResult) {
	b.publishResult(q.ID(), result)
}

// HandleSearchResults publishes each result of a batch in order. The outcome
// is identical to delivering the same results one by one.
func (b *SearchBridge) HandleSearchResults(q engine.Query, results []engine.SearchResult) {
	for _, result := range results {
		b.HandleSearchResult(q, result)
	}
}

// Record normalises an engine result into the published record.
func (b *SearchBridge) Record(queryID string, result engine.SearchResult) models.SearchResultRecord {
	inLibrary := false
	if b.library != nil && result.ContentID != "" {
		_, inLibrary = b.library.Lookup(result.ContentID)
	}
	sources := make([]models.Source, len(result.Sources))
	copy(sources, result.Sources)
	return models.SearchResultRecord{
		QueryID:    queryID,
		ContentID:  result.ContentID,
		FileName:   result.FileName,
		MagnetLink: result.MagnetLink,
		Category:   result.Category,
		IsSpam:     result.IsSpam,
		SizeBytes:  result.SizeBytes,
		Properties: result.Properties,
		InLibrary:  inLibrary,
		Sources:    sources,
		ReceivedAt: time.Now().UTC(),
	}
}

func (b *SearchBridge) publishResult(channel string, result engine.SearchResult) {
	b.metrics.ObserveEngineEvent("result")
	record := b.Record(channel, result)
	msg := broker.Message{Type: MessageTypeResult, Data: record}
	if err := b.publisher.Publish(channel, msg, ""); err != nil {
		b.logger.Warn("publish search result failed", "query_id", channel, "content_id", result.ContentID, "error", err)
	}
}

type queryListener struct {
	bridge  *SearchBridge
	channel string
}

func (l *queryListener) HandleSearchResult(_ engine.Query, result engine.SearchResult) {
	l.bridge.publishResult(l.channel, result)
}

func (l *queryListener) HandleSearchResults(_ engine.Query, results []engine.SearchResult) {
	for _, result := range results {
		l.bridge.publishResult(l.channel, result)
	}
}
