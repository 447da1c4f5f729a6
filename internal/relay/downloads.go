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

// DownloadBridgeConfig configures a DownloadBridge.
type DownloadBridgeConfig struct {
	Manager   engine.DownloadManager
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// ProgressInterval throttles snapshots triggered by property changes.
	// Zero publishes on state transitions only.
	ProgressInterval time.Duration
}

// DownloadBridge publishes a full DownloadRecord on the content id channel
// whenever a tracked download is added, changes state or is removed.
type DownloadBridge struct {
	manager          engine.DownloadManager
	publisher        Publisher
	logger           *slog.Logger
	metrics          *metrics.Recorder
	progressInterval time.Duration

	mu      sync.Mutex
	tracked map[string]*tracking
	// removed holds the download last removed per content id. The same
	// download reported again is a stray event; a new one for that id is a
	// fresh download.
	removed    map[string]engine.Download
	unregister func()
}

type tracking struct {
	contentID string

	mu           sync.Mutex
	terminated   bool
	unregister   []func()
	lastProgress time.Time
}

// NewDownloadBridge constructs a bridge. Start attaches it to the manager.
func NewDownloadBridge(cfg DownloadBridgeConfig) *DownloadBridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &DownloadBridge{
		manager:          cfg.Manager,
		publisher:        cfg.Publisher,
		logger:           logging.WithComponent(logger, "relay.downloads"),
		metrics:          recorder,
		progressInterval: cfg.ProgressInterval,
		tracked:          make(map[string]*tracking),
		removed:          make(map[string]engine.Download),
	}
}

// Start registers the bridge with the manager and begins tracking downloads
// that already exist.
func (b *DownloadBridge) Start() {
	b.mu.Lock()
	if b.unregister != nil {
		b.mu.Unlock()
		return
	}
	b.unregister = b.manager.AddListener(b)
	b.mu.Unlock()
	for _, d := range b.manager.Downloads() {
		b.DownloadAdded(d)
	}
}

// Close detaches from the manager and every tracked download.
func (b *DownloadBridge) Close() {
	b.mu.Lock()
	if b.unregister != nil {
		b.unregister()
		b.unregister = nil
	}
	tracked := b.tracked
	b.tracked = make(map[string]*tracking)
	b.removed = make(map[string]engine.Download)
	b.mu.Unlock()
	for _, t := range tracked {
		t.mu.Lock()
		t.terminated = true
		t.release()
		t.mu.Unlock()
	}
}

// Tracking reports whether the bridge currently tracks contentID.
func (b *DownloadBridge) Tracking(contentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tracked[contentID]
	return ok
}

// DownloadAdded publishes the initial snapshot and registers listeners.
func (b *DownloadBridge) DownloadAdded(d engine.Download) {
	contentID := d.ContentID()
	b.metrics.ObserveEngineEvent("added")

	b.mu.Lock()
	if _, exists := b.tracked[contentID]; exists {
		b.mu.Unlock()
		b.logger.Debug("download already tracked", "content_id", contentID)
		return
	}
	if prev, ok := b.removed[contentID]; ok {
		if prev == d {
			b.mu.Unlock()
			b.logger.Debug("stray add for removed download ignored", "content_id", contentID)
			return
		}
		delete(b.removed, contentID)
	}
	t := &tracking{contentID: contentID}
	b.tracked[contentID] = t
	b.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return
	}
	b.publish(d.Snapshot())
	t.unregister = append(t.unregister,
		d.AddStateListener(func(_ engine.Download, state models.DownloadState) {
			b.handleState(t, state)
		}),
		d.AddPropertyListener(func(_ engine.Download, property string) {
			b.handleProperty(t, property)
		}),
	)
	b.logger.Info("tracking download", "content_id", contentID, "title", d.Title())
}

// DownloadRemoved publishes the terminal Removed snapshot and releases the
// listeners. Events arriving afterwards for the same content id are ignored.
func (b *DownloadBridge) DownloadRemoved(d engine.Download) {
	contentID := d.ContentID()
	b.metrics.ObserveEngineEvent("removed")

	b.mu.Lock()
	t, ok := b.tracked[contentID]
	delete(b.tracked, contentID)
	b.removed[contentID] = d
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("removal for untracked download ignored", "content_id", contentID)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return
	}
	t.terminated = true
	record := d.Snapshot()
	record.State = models.DownloadStateRemoved
	b.publish(record)
	t.release()
	b.logger.Info("download removed", "content_id", contentID)
}

// DownloadsCompleted is informational only.
func (b *DownloadBridge) DownloadsCompleted() {
	b.metrics.ObserveEngineEvent("completed_batch")
	b.logger.Info("downloads completed")
}

func (b *DownloadBridge) handleState(t *tracking, state models.DownloadState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return
	}
	b.metrics.ObserveEngineEvent("state")
	b.logger.Debug("download state changed", "content_id", t.contentID, "state", state)
	b.publishResolved(t.contentID)
}

func (b *DownloadBridge) handleProperty(t *tracking, property string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return
	}
	b.logger.Debug("download property changed", "content_id", t.contentID, "property", property)
	if b.progressInterval <= 0 {
		return
	}
	now := time.Now()
	if !t.lastProgress.IsZero() && now.Sub(t.lastProgress) < b.progressInterval {
		return
	}
	if b.publishResolved(t.contentID) {
		t.lastProgress = now
	}
}

// publishResolved re-resolves the download so the snapshot reflects the
// engine's current view. A miss is transient and only skips this publish.
func (b *DownloadBridge) publishResolved(contentID string) bool {
	d, ok := b.manager.Find(contentID)
	if !ok {
		b.logger.Debug("download not resolvable, skipping publish", "content_id", contentID)
		return false
	}
	b.publish(d.Snapshot())
	return true
}

func (b *DownloadBridge) publish(record models.DownloadRecord) {
	msg := broker.Message{Type: MessageTypeDownload, Data: record}
	if err := b.publisher.Publish(record.ContentID, msg, ""); err != nil {
		b.logger.Warn("publish download snapshot failed", "content_id", record.ContentID, "error", err)
	}
}

func (t *tracking) release() {
	for _, fn := range t.unregister {
		fn()
	}
	t.unregister = nil
}
