package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"peerstream/internal/broker"
	"peerstream/internal/engine"
	"peerstream/internal/models"
	"peerstream/internal/observability/logging"
)

// ErrDownloadNotFound is returned when neither the engine nor the snapshot
// store knows a content id.
var ErrDownloadNotFound = errors.New("download not found")

// ErrQueryTextRequired is returned for blank search requests.
var ErrQueryTextRequired = errors.New("query text is required")

// SnapshotStore serves the last known record of downloads the engine no
// longer tracks.
type SnapshotStore interface {
	GetDownload(ctx context.Context, contentID string) (models.DownloadRecord, bool, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Broker    Broker
	Downloads engine.DownloadManager
	Searches  engine.SearchService
	Bridge    *SearchBridge
	Snapshots SnapshotStore
	Logger    *slog.Logger
}

// Dispatcher executes client commands against the broker and the engine.
type Dispatcher struct {
	broker    Broker
	downloads engine.DownloadManager
	searches  engine.SearchService
	bridge    *SearchBridge
	snapshots SnapshotStore
	logger    *slog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		broker:    cfg.Broker,
		downloads: cfg.Downloads,
		searches:  cfg.Searches,
		bridge:    cfg.Bridge,
		snapshots: cfg.Snapshots,
		logger:    logging.WithComponent(logger, "relay.dispatch"),
	}
}

// Subscribe subscribes clientID to channel.
func (d *Dispatcher) Subscribe(clientID, channel string) error {
	return d.broker.Subscribe(channel, clientID)
}

// Unsubscribe removes the subscription if present.
func (d *Dispatcher) Unsubscribe(clientID, channel string) {
	d.broker.Unsubscribe(channel, clientID)
}

// Download resolves the current record for contentID, falling back to the
// snapshot store once the engine has forgotten the download.
func (d *Dispatcher) Download(ctx context.Context, contentID string) (models.DownloadRecord, error) {
	if contentID == "" {
		return models.DownloadRecord{}, broker.ErrChannelRequired
	}
	if d.downloads != nil {
		if dl, ok := d.downloads.Find(contentID); ok {
			return dl.Snapshot(), nil
		}
	}
	if d.snapshots != nil {
		record, ok, err := d.snapshots.GetDownload(ctx, contentID)
		if err != nil {
			return models.DownloadRecord{}, fmt.Errorf("load snapshot %s: %w", contentID, err)
		}
		if ok {
			return record, nil
		}
	}
	return models.DownloadRecord{}, fmt.Errorf("%s: %w", contentID, ErrDownloadNotFound)
}

// Status replies to clientID alone with the current record for contentID.
func (d *Dispatcher) Status(ctx context.Context, clientID, requestID, contentID string) error {
	record, err := d.Download(ctx, contentID)
	if err != nil {
		return err
	}
	msg := broker.Message{Type: MessageTypeStatus, RequestID: requestID, Data: record}
	return d.broker.Publish(contentID, msg, clientID)
}

// Search creates a query on behalf of clientID. The requester is subscribed
// to the query channel and receives the acknowledgement before the query is
// started, so no result can precede the ack.
func (d *Dispatcher) Search(ctx context.Context, clientID, requestID, text string) (models.QueryAck, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return models.QueryAck{}, ErrQueryTextRequired
	}
	q, err := d.searches.NewQuery(ctx, trimmed)
	if err != nil {
		return models.QueryAck{}, fmt.Errorf("create query: %w", err)
	}
	channel := d.bridge.Listen(q)
	ack := models.QueryAck{QueryID: channel, Text: trimmed}

	if clientID != "" {
		if err := d.broker.Subscribe(channel, clientID); err != nil {
			d.bridge.Forget(channel)
			return models.QueryAck{}, fmt.Errorf("subscribe to query %s: %w", channel, err)
		}
		msg := broker.Message{Type: MessageTypeSearchAck, RequestID: requestID, Data: ack}
		if err := d.broker.Publish(channel, msg, clientID); err != nil {
			d.logger.Warn("search ack not delivered", "query_id", channel, "client_id", clientID, "error", err)
		}
	}

	q.Start()
	d.logger.Info("search started", "query_id", channel, "client_id", clientID)
	return ack, nil
}

// ReleaseSearch stops queryID once no client subscribes to its channel. Push
// sessions call it for the queries they created when they disconnect.
func (d *Dispatcher) ReleaseSearch(queryID string) bool {
	if len(d.broker.Subscribers(queryID)) > 0 {
		return false
	}
	if q, ok := d.searches.Query(queryID); ok {
		q.Stop()
	}
	d.bridge.Forget(queryID)
	d.logger.Debug("search released", "query_id", queryID)
	return true
}

// StopSearch stops a running query and releases its listener.
func (d *Dispatcher) StopSearch(queryID string) error {
	q, ok := d.searches.Query(queryID)
	if !ok {
		return fmt.Errorf("%s: %w", queryID, engine.ErrQueryNotFound)
	}
	q.Stop()
	d.bridge.Forget(queryID)
	return nil
}
