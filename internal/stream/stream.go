// Package stream serves files over HTTP while the engine is still writing
// them. A request resolves its content id to a completed library file, an
// in-flight download, or a download created from a search result, then
// forwards bytes as they become safe to read. Content-Length is always the
// full size, so a client sees one ordinary response that simply arrives
// slowly.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"peerstream/internal/engine"
	"peerstream/internal/models"
	"peerstream/internal/observability/logging"
	"peerstream/internal/observability/metrics"
)

// ErrResourceNotFound is returned when no source can serve the content id.
var ErrResourceNotFound = errors.New("resource not found")

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultReadyAttempts = 20
	defaultMinChunk      = 1024
	defaultChunkSize     = 64 * 1024
)

// Stream outcomes recorded in metrics and logs.
const (
	OutcomeCompleted  = "completed"
	OutcomeNotFound   = "not_found"
	OutcomeReadError  = "read_error"
	OutcomeClientGone = "client_gone"
)

// Config configures a Streamer. Zero durations and sizes take the defaults.
type Config struct {
	Library   engine.Library
	Downloads engine.DownloadManager
	Searches  engine.SearchService
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	// PollInterval is the wait between readiness and growth checks.
	PollInterval time.Duration
	// ReadyAttempts bounds how many times the streamer waits for an
	// in-flight download to expose its file before proceeding anyway.
	ReadyAttempts int
	// MinChunk is the smallest increment forwarded while the source is
	// still growing.
	MinChunk int64
	// ChunkSize caps a single read.
	ChunkSize int
}

// Streamer is the progressive file streaming HTTP handler.
type Streamer struct {
	library   engine.Library
	downloads engine.DownloadManager
	searches  engine.SearchService
	logger    *slog.Logger
	metrics   *metrics.Recorder

	pollInterval  time.Duration
	readyAttempts int
	minChunk      int64
	chunkSize     int
}

// New constructs a Streamer.
func New(cfg Config) *Streamer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	s := &Streamer{
		library:       cfg.Library,
		downloads:     cfg.Downloads,
		searches:      cfg.Searches,
		logger:        logging.WithComponent(logger, "stream"),
		metrics:       recorder,
		pollInterval:  cfg.PollInterval,
		readyAttempts: cfg.ReadyAttempts,
		minChunk:      cfg.MinChunk,
		chunkSize:     cfg.ChunkSize,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.readyAttempts <= 0 {
		s.readyAttempts = defaultReadyAttempts
	}
	if s.minChunk <= 0 {
		s.minChunk = defaultMinChunk
	}
	if s.chunkSize <= 0 {
		s.chunkSize = defaultChunkSize
	}
	return s
}

// Request identifies what a client wants to stream.
type Request struct {
	ContentID string
	QueryID   string
}

// RequestFromHTTP reads the content id from the {contentId} path value or
// the contentId query parameter, and the optional queryId parameter.
func RequestFromHTTP(r *http.Request) Request {
	contentID := r.PathValue("contentId")
	if contentID == "" {
		contentID = r.URL.Query().Get("contentId")
	}
	return Request{ContentID: contentID, QueryID: r.URL.Query().Get("queryId")}
}

// ServeHTTP implements http.Handler.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req := RequestFromHTTP(r)
	ctx := logging.ContextWithContentID(r.Context(), req.ContentID)
	logger := logging.WithContext(ctx, s.logger)

	src, err := s.Resolve(ctx, req)
	if err != nil {
		s.metrics.ObserveStreamOutcome(OutcomeNotFound)
		if !errors.Is(err, ErrResourceNotFound) {
			logger.Warn("stream resolution failed", "error", err)
		}
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer src.Close()

	total, ok := s.waitForTotal(ctx, src)
	if !ok {
		s.metrics.ObserveStreamOutcome(OutcomeClientGone)
		return
	}
	if total <= 0 {
		// The source ended before its size was known, so there is nothing
		// to stream.
		s.metrics.ObserveStreamOutcome(OutcomeNotFound)
		logger.Warn("source finished without a known size", "source", src.kind, "file", src.name)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	header := w.Header()
	header.Set("Content-Length", strconv.FormatInt(total, 10))
	header.Set("Content-Type", contentType(src.name))
	header.Set("Cache-Control", "no-store")
	header.Set("X-Content-Source", src.kind)
	if src.name != "" {
		header.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": src.name}))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	s.metrics.StreamStarted()
	logger.Info("stream started", "source", src.kind, "total_bytes", total)
	sent, err := s.pump(ctx, flushWriter{w: w, rc: rc}, src, total)
	outcome := classify(err)
	s.metrics.StreamFinished(outcome)
	switch outcome {
	case OutcomeReadError:
		logger.Error("stream aborted", "error", err, "sent_bytes", sent, "total_bytes", total)
	case OutcomeClientGone:
		logger.Debug("client went away", "sent_bytes", sent, "total_bytes", total)
	default:
		logger.Info("stream completed", "sent_bytes", sent)
	}
}

// Resolve picks the source for req: the library first, then an in-flight
// download, then a download created from the query's result.
func (s *Streamer) Resolve(ctx context.Context, req Request) (*Source, error) {
	if req.ContentID == "" {
		return nil, ErrResourceNotFound
	}
	if s.library != nil {
		if file, ok := s.library.Lookup(req.ContentID); ok {
			src, err := librarySource(file)
			if err == nil {
				return src, nil
			}
			s.logger.Warn("library entry unreadable, falling back", "content_id", req.ContentID, "error", err)
		}
	}
	if s.downloads == nil {
		return nil, ErrResourceNotFound
	}
	if d, ok := s.downloads.Find(req.ContentID); ok {
		return s.downloadSource(ctx, d), nil
	}
	if req.QueryID == "" || s.searches == nil {
		return nil, ErrResourceNotFound
	}
	q, ok := s.searches.Query(req.QueryID)
	if !ok {
		return nil, ErrResourceNotFound
	}
	result, ok := q.Result(req.ContentID)
	if !ok {
		return nil, ErrResourceNotFound
	}
	d, err := s.downloads.CreateFromResult(ctx, q, result)
	if err != nil {
		return nil, fmt.Errorf("create download %s: %w", req.ContentID, err)
	}
	s.logger.Info("download created for stream", "content_id", req.ContentID, "query_id", req.QueryID)
	return s.downloadSource(ctx, d), nil
}

// downloadSource waits a bounded number of polls for the engine to expose
// the file. When the bound runs out the stream proceeds anyway and keeps
// looking for the file while it waits for data.
func (s *Streamer) downloadSource(ctx context.Context, d engine.Download) *Source {
	for attempt := 0; attempt < s.readyAttempts; attempt++ {
		if _, ok := d.StreamableFile(); ok {
			break
		}
		if !sleep(ctx, s.pollInterval) {
			break
		}
	}
	if _, ok := d.StreamableFile(); !ok {
		s.logger.Warn("download file not ready, streaming anyway", "content_id", d.ContentID(), "attempts", s.readyAttempts)
	}
	return &Source{kind: "download", name: d.FileName(), download: d}
}

func (s *Streamer) waitForTotal(ctx context.Context, src *Source) (int64, bool) {
	for {
		if total := src.Total(); total > 0 {
			return total, true
		}
		if src.Complete() {
			return 0, true
		}
		if !sleep(ctx, s.pollInterval) {
			return 0, false
		}
	}
}

// pump forwards [offset, available) repeatedly until total bytes have been
// written. Bytes are never re-sent and never read past the safely known
// length.
func (s *Streamer) pump(ctx context.Context, w io.Writer, src *Source, total int64) (int64, error) {
	buf := make([]byte, s.chunkSize)
	var offset int64
	for offset < total {
		if err := ctx.Err(); err != nil {
			return offset, err
		}
		available := src.Available()
		if available > total {
			available = total
		}
		complete := src.Complete()
		if available-offset < s.minChunk && available < total && !complete {
			if !sleep(ctx, s.pollInterval) {
				return offset, ctx.Err()
			}
			continue
		}
		if available <= offset {
			if complete {
				return offset, fmt.Errorf("source completed at %d of %d bytes: %w", available, total, io.ErrUnexpectedEOF)
			}
			if !sleep(ctx, s.pollInterval) {
				return offset, ctx.Err()
			}
			continue
		}

		want := available - offset
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := src.ReadAt(buf[:want], offset)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return offset, &clientError{err: werr}
			}
			offset += int64(n)
			s.metrics.AddStreamedBytes(n)
		}
		if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
			return offset, fmt.Errorf("read %s at %d: %w", src.name, offset, err)
		}
	}
	return offset, nil
}

// Source is a resolved stream source.
type Source struct {
	kind     string
	name     string
	path     string
	size     int64
	download engine.Download
	file     *os.File
}

func librarySource(f engine.LibraryFile) (*Source, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, err
	}
	size := f.Size
	if size <= 0 || size > info.Size() {
		size = info.Size()
	}
	return &Source{kind: "library", name: filepath.Base(f.Path), path: f.Path, size: size}, nil
}

// Kind reports "library" or "download".
func (s *Source) Kind() string { return s.kind }

// Total is the full size of the content.
func (s *Source) Total() int64 {
	if s.download != nil {
		return s.download.TotalBytes()
	}
	return s.size
}

// Available is the number of contiguous bytes from offset zero that are safe
// to read.
func (s *Source) Available() int64 {
	if s.download == nil {
		return s.size
	}
	file, ok := s.download.StreamableFile()
	if !ok {
		return 0
	}
	return file.AvailableBytes()
}

// Complete reports whether the source will not grow any further.
func (s *Source) Complete() bool {
	if s.download == nil {
		return true
	}
	switch s.download.State() {
	case models.DownloadStateCompleted, models.DownloadStateRemoved, models.DownloadStateError:
		return true
	}
	return false
}

// ReadAt reads from the backing file, opening it on first use.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if s.file == nil {
		path := s.path
		if s.download != nil {
			file, ok := s.download.StreamableFile()
			if !ok {
				return 0, errors.New("download file not allocated")
			}
			path = file.Path()
		}
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		s.file = f
	}
	return s.file.ReadAt(p, off)
}

// Close releases the backing file.
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

type clientError struct {
	err error
}

func (e *clientError) Error() string { return "write to client: " + e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

func classify(err error) string {
	var ce *clientError
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.As(err, &ce), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeClientGone
	default:
		return OutcomeReadError
	}
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if ferr := f.rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
		return n, ferr
	}
	return n, nil
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
