package storage

import (
	"context"
	"log/slog"

	"peerstream/internal/journal"
	"peerstream/internal/models"
	"peerstream/internal/observability/logging"
	"peerstream/internal/relay"
)

// Worker consumes journal entries and applies them to a repository.
type Worker struct {
	queue  journal.Queue
	store  Repository
	logger *slog.Logger
}

// NewWorker prepares a worker that persists entries delivered via queue.
func NewWorker(store Repository, queue journal.Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, store: store, logger: logging.WithComponent(logger, "storage")}
}

// Run blocks until the context is cancelled or the journal closes.
func (w *Worker) Run(ctx context.Context) {
	if w.queue == nil || w.store == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.Entries():
			if !ok {
				return
			}
			if err := w.Apply(ctx, entry); err != nil {
				w.logger.Error("failed to apply journal entry", "type", entry.Type, "channel", entry.Channel, "error", err)
			}
		}
	}
}

// Apply persists a single entry. Entry types other than download
// snapshots and search results are skipped.
func (w *Worker) Apply(ctx context.Context, entry journal.Entry) error {
	switch entry.Type {
	case relay.MessageTypeDownload:
		var record models.DownloadRecord
		if err := entry.Decode(&record); err != nil {
			return err
		}
		return w.store.UpsertDownload(ctx, record)
	case relay.MessageTypeResult:
		var record models.SearchResultRecord
		if err := entry.Decode(&record); err != nil {
			return err
		}
		if record.QueryID == "" {
			record.QueryID = entry.Channel
		}
		return w.store.AppendSearchResult(ctx, record)
	default:
		return nil
	}
}
