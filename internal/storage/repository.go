package storage

import (
	"context"
	"errors"

	"peerstream/internal/models"
)

var (
	// ErrContentIDRequired is returned when a record has no content id.
	ErrContentIDRequired = errors.New("content id is required")
	// ErrQueryIDRequired is returned when a result has no query id.
	ErrQueryIDRequired = errors.New("query id is required")
)

// Repository persists the last known state of downloads and the results
// each query produced. Implementations are safe for concurrent use.
type Repository interface {
	// UpsertDownload stores record unless a newer observation of the same
	// download is already stored.
	UpsertDownload(ctx context.Context, record models.DownloadRecord) error
	GetDownload(ctx context.Context, contentID string) (models.DownloadRecord, bool, error)
	ListDownloads(ctx context.Context) ([]models.DownloadRecord, error)
	// AppendSearchResult adds a result to its query. Results are append-only
	// and mirror the live query channel, repeats included.
	AppendSearchResult(ctx context.Context, record models.SearchResultRecord) error
	// ListSearchResults returns results in arrival order. A limit of zero
	// or less returns everything.
	ListSearchResults(ctx context.Context, queryID string, limit int) ([]models.SearchResultRecord, error)
	Close(ctx context.Context) error
}

func validateDownload(record models.DownloadRecord) error {
	if record.ContentID == "" {
		return ErrContentIDRequired
	}
	return nil
}

func validateResult(record models.SearchResultRecord) error {
	if record.QueryID == "" {
		return ErrQueryIDRequired
	}
	if record.ContentID == "" {
		return ErrContentIDRequired
	}
	return nil
}
