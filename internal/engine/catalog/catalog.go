// Package catalog implements the search service over a local catalog of
// magnet links. Results are delivered asynchronously in batches so callers
// observe the same ordering as a network search.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerstream/internal/engine"
	"peerstream/internal/models"
	"peerstream/internal/observability/logging"
)

// Entry is one catalog record as stored on disk.
type Entry struct {
	ContentID  string                  `json:"contentId"`
	FileName   string                  `json:"fileName"`
	MagnetLink string                  `json:"magnetLink"`
	Category   string                  `json:"category,omitempty"`
	IsSpam     bool                    `json:"isSpam,omitempty"`
	SizeBytes  int64                   `json:"size"`
	Properties models.ResultProperties `json:"properties"`
	Sources    []models.Source         `json:"sources,omitempty"`
}

func (e Entry) result() engine.SearchResult {
	return engine.SearchResult{
		ContentID:  e.ContentID,
		FileName:   e.FileName,
		MagnetLink: e.MagnetLink,
		Category:   e.Category,
		IsSpam:     e.IsSpam,
		SizeBytes:  e.SizeBytes,
		Properties: e.Properties,
		Sources:    append([]models.Source(nil), e.Sources...),
	}
}

// Config configures a Service.
type Config struct {
	Entries []Entry
	// BatchSize is the number of results per delivery. A batch of one is
	// delivered through HandleSearchResult.
	BatchSize int
	// BatchDelay spaces deliveries apart.
	BatchDelay time.Duration
	// MaxResults caps the results of a single query.
	MaxResults int
	// MaxQueries bounds how many stopped queries are retained for
	// Query and Result lookups.
	MaxQueries int
	Logger     *slog.Logger
}

// LoadEntries reads a JSON array of entries from path.
func LoadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	for i, e := range entries {
		if strings.TrimSpace(e.ContentID) == "" {
			return nil, fmt.Errorf("catalog entry %d: content id is required", i)
		}
	}
	return entries, nil
}

type indexed struct {
	entry Entry
	terms []string
}

// Service implements engine.SearchService.
type Service struct {
	entries    []indexed
	batchSize  int
	batchDelay time.Duration
	maxResults int
	maxQueries int
	logger     *slog.Logger

	mu        sync.RWMutex
	queries   map[string]*Query
	order     []string
	listeners map[int]engine.SearchListener
	nextID    int
}

// New indexes the configured entries.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 200
	}
	maxQueries := cfg.MaxQueries
	if maxQueries <= 0 {
		maxQueries = 128
	}
	entries := make([]indexed, 0, len(cfg.Entries))
	for _, e := range cfg.Entries {
		text := e.FileName + " " + e.Properties.Title + " " + e.Properties.Author + " " + e.Properties.Album + " " + e.Properties.Genre
		entries = append(entries, indexed{entry: e, terms: terms(text)})
	}
	return &Service{
		entries:    entries,
		batchSize:  batchSize,
		batchDelay: cfg.BatchDelay,
		maxResults: maxResults,
		maxQueries: maxQueries,
		logger:     logging.WithComponent(logger, "engine.catalog"),
		queries:    make(map[string]*Query),
		listeners:  make(map[int]engine.SearchListener),
	}
}

// NewQuery creates a query that has not started yet.
func (s *Service) NewQuery(ctx context.Context, text string) (engine.Query, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("query text is required")
	}
	q := &Query{
		id:        uuid.NewString(),
		text:      text,
		service:   s,
		listeners: make(map[int]engine.ResultListener),
		results:   make(map[string]engine.SearchResult),
		stop:      make(chan struct{}),
	}
	s.mu.Lock()
	s.queries[q.id] = q
	s.order = append(s.order, q.id)
	s.evictLocked()
	s.mu.Unlock()
	return q, nil
}

func (s *Service) Query(id string) (engine.Query, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queries[id]
	if !ok {
		return nil, false
	}
	return q, true
}

func (s *Service) AddListener(l engine.SearchListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// evictLocked drops the oldest stopped queries beyond the retention bound.
// Running queries are never evicted.
func (s *Service) evictLocked() {
	for len(s.order) > s.maxQueries {
		evicted := false
		for i, id := range s.order {
			q := s.queries[id]
			if q != nil && !q.isDone() {
				continue
			}
			delete(s.queries, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

func (s *Service) searchListeners() []engine.SearchListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.SearchListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func (s *Service) match(text string) []engine.SearchResult {
	query := terms(text)
	var out []engine.SearchResult
	for _, e := range s.entries {
		if !matches(query, e.terms) {
			continue
		}
		out = append(out, e.entry.result())
		if len(out) >= s.maxResults {
			break
		}
	}
	return out
}

// Query is a catalog search.
type Query struct {
	id      string
	text    string
	service *Service

	mu        sync.RWMutex
	listeners map[int]engine.ResultListener
	nextID    int
	results   map[string]engine.SearchResult
	started   bool
	done      bool

	stop     chan struct{}
	stopOnce sync.Once
}

func (q *Query) ID() string   { return q.id }
func (q *Query) Text() string { return q.text }

func (q *Query) AddResultListener(l engine.ResultListener) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = l
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Start begins delivering results. Calling Start more than once has no
// effect.
func (q *Query) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for _, l := range q.service.searchListeners() {
		l.SearchStarted(q)
	}
	go q.run()
}

// Stop halts delivery. Results already delivered stay available through
// Result.
func (q *Query) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *Query) Result(contentID string) (engine.SearchResult, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.results[contentID]
	return r, ok
}

func (q *Query) isDone() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.done
}

func (q *Query) run() {
	defer q.finish()
	matched := q.service.match(q.text)
	q.service.logger.Debug("query matched", "query_id", q.id, "results", len(matched))
	for start := 0; start < len(matched); start += q.service.batchSize {
		if start > 0 && q.service.batchDelay > 0 {
			timer := time.NewTimer(q.service.batchDelay)
			select {
			case <-q.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		select {
		case <-q.stop:
			return
		default:
		}
		end := start + q.service.batchSize
		if end > len(matched) {
			end = len(matched)
		}
		q.deliver(matched[start:end])
	}
}

func (q *Query) deliver(batch []engine.SearchResult) {
	q.mu.Lock()
	for _, r := range batch {
		q.results[r.ContentID] = r
	}
	listeners := make([]engine.ResultListener, 0, len(q.listeners))
	for _, l := range q.listeners {
		listeners = append(listeners, l)
	}
	q.mu.Unlock()

	for _, l := range listeners {
		if len(batch) == 1 {
			l.HandleSearchResult(q, batch[0])
			continue
		}
		l.HandleSearchResults(q, append([]engine.SearchResult(nil), batch...))
	}
}

func (q *Query) finish() {
	q.mu.Lock()
	q.done = true
	q.mu.Unlock()
	for _, l := range q.service.searchListeners() {
		l.SearchStopped(q)
	}
}
