// Package engine declares the surface of the peer-to-peer engine that the
// relay and the streamer depend on. Implementations live in the torrent and
// catalog subpackages; tests use the fakes in testsupport/enginestub.
package engine

import (
	"context"
	"errors"
	"time"

	"peerstream/internal/models"
)

var (
	// ErrQueryNotFound is returned when a query id is unknown to the search
	// service.
	ErrQueryNotFound = errors.New("query not found")
	// ErrUnknownDownload is returned for content ids the download manager
	// does not track.
	ErrUnknownDownload = errors.New("unknown download")
)

// StreamableFile is the on-disk file backing an in-flight download.
type StreamableFile interface {
	Path() string
	// AvailableBytes is the number of contiguous bytes from offset zero that
	// are safe to read.
	AvailableBytes() int64
}

// StateListener is told when a download changes lifecycle state.
type StateListener func(d Download, state models.DownloadState)

// PropertyListener is told when a download property such as progress or
// speed changes.
type PropertyListener func(d Download, property string)

// Download is a live view of one download tracked by the engine.
type Download interface {
	ContentID() string
	Title() string
	State() models.DownloadState
	CurrentBytes() int64
	TotalBytes() int64
	Percent() float64
	Speed() int64
	SourceCount() int
	RemainingTime() time.Duration
	FileName() string
	// StreamableFile returns false until the engine has allocated the file.
	StreamableFile() (StreamableFile, bool)
	// Snapshot returns every field above read under a single lock, so the
	// record never mixes two progress samples.
	Snapshot() models.DownloadRecord
	AddStateListener(StateListener) (unregister func())
	AddPropertyListener(PropertyListener) (unregister func())
}

// DownloadListener receives download manager lifecycle notifications.
type DownloadListener interface {
	DownloadAdded(d Download)
	DownloadRemoved(d Download)
	DownloadsCompleted()
}

// DownloadManager owns the engine's downloads.
type DownloadManager interface {
	AddListener(DownloadListener) (unregister func())
	Find(contentID string) (Download, bool)
	Downloads() []Download
	CreateFromResult(ctx context.Context, q Query, result SearchResult) (Download, error)
}

// SearchResult is a single raw result as produced by the search engine.
type SearchResult struct {
	ContentID  string
	FileName   string
	MagnetLink string
	Category   string
	IsSpam     bool
	SizeBytes  int64
	Properties models.ResultProperties
	Sources    []models.Source
}

// ResultListener receives results for one query. Batches are delivered in
// order.
type ResultListener interface {
	HandleSearchResult(q Query, result SearchResult)
	HandleSearchResults(q Query, results []SearchResult)
}

// Query is a running or finished search.
type Query interface {
	ID() string
	Text() string
	AddResultListener(ResultListener) (unregister func())
	Start()
	Stop()
	Result(contentID string) (SearchResult, bool)
}

// SearchListener is told when queries start and stop.
type SearchListener interface {
	SearchStarted(q Query)
	SearchStopped(q Query)
}

// SearchService creates and tracks queries.
type SearchService interface {
	NewQuery(ctx context.Context, text string) (Query, error)
	Query(id string) (Query, bool)
	AddListener(SearchListener) (unregister func())
}

// LibraryFile is a completed file known to the library index.
type LibraryFile struct {
	ContentID string
	Path      string
	Size      int64
}

// Library resolves content ids to completed files.
type Library interface {
	Lookup(contentID string) (LibraryFile, bool)
}
