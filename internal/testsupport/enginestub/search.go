package enginestub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"peerstream/internal/engine"
)

// Query is an in-memory engine.Query. Results are delivered by the test.
type Query struct {
	id   string
	text string

	mu        sync.RWMutex
	listeners map[int]engine.ResultListener
	nextID    int
	results   map[string]engine.SearchResult

	started atomic.Int32
	stopped atomic.Int32
	// OnStart runs synchronously inside Start when set.
	OnStart func(q *Query)
}

// NewQuery constructs a Query with a fixed id.
func NewQuery(id, text string) *Query {
	return &Query{
		id:        id,
		text:      text,
		listeners: make(map[int]engine.ResultListener),
		results:   make(map[string]engine.SearchResult),
	}
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

func (q *Query) Start() {
	q.started.Add(1)
	if q.OnStart != nil {
		q.OnStart(q)
	}
}

func (q *Query) Stop() { q.stopped.Add(1) }

// Started reports how many times Start was called.
func (q *Query) Started() int { return int(q.started.Load()) }

// Stopped reports how many times Stop was called.
func (q *Query) Stopped() int { return int(q.stopped.Load()) }

func (q *Query) Result(contentID string) (engine.SearchResult, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.results[contentID]
	return r, ok
}

// Remember makes a result resolvable through Result without delivering it.
func (q *Query) Remember(results ...engine.SearchResult) {
	q.mu.Lock()
	for _, r := range results {
		q.results[r.ContentID] = r
	}
	q.mu.Unlock()
}

// Deliver hands each result to the listeners one at a time.
func (q *Query) Deliver(results ...engine.SearchResult) {
	q.Remember(results...)
	for _, r := range results {
		for _, l := range q.snapshotListeners() {
			l.HandleSearchResult(q, r)
		}
	}
}

// DeliverBatch hands all results to the listeners in one call.
func (q *Query) DeliverBatch(results ...engine.SearchResult) {
	q.Remember(results...)
	for _, l := range q.snapshotListeners() {
		l.HandleSearchResults(q, results)
	}
}

// ListenerCount reports registered result listeners.
func (q *Query) ListenerCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.listeners)
}

func (q *Query) snapshotListeners() []engine.ResultListener {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]engine.ResultListener, 0, len(q.listeners))
	for _, l := range q.listeners {
		out = append(out, l)
	}
	return out
}

// SearchService is an in-memory engine.SearchService issuing sequential ids.
type SearchService struct {
	mu        sync.RWMutex
	queries   map[string]*Query
	listeners map[int]engine.SearchListener
	nextID    int
	seq       int

	// NewQueryErr is returned from NewQuery when set.
	NewQueryErr error
	// Prepare, when set, runs on each new query before it is returned.
	Prepare func(q *Query)
}

// NewSearchService constructs an empty SearchService.
func NewSearchService() *SearchService {
	return &SearchService{
		queries:   make(map[string]*Query),
		listeners: make(map[int]engine.SearchListener),
	}
}

func (s *SearchService) NewQuery(_ context.Context, text string) (engine.Query, error) {
	if s.NewQueryErr != nil {
		return nil, s.NewQueryErr
	}
	s.mu.Lock()
	s.seq++
	q := NewQuery(fmt.Sprintf("query-%d", s.seq), text)
	s.queries[q.id] = q
	s.mu.Unlock()
	if s.Prepare != nil {
		s.Prepare(q)
	}
	return q, nil
}

// Track registers an existing query so Query can resolve it.
func (s *SearchService) Track(q *Query) {
	s.mu.Lock()
	s.queries[q.id] = q
	s.mu.Unlock()
}

func (s *SearchService) Query(id string) (engine.Query, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queries[id]
	if !ok {
		return nil, false
	}
	return q, true
}

// Lookup returns the concrete fake for id.
func (s *SearchService) Lookup(id string) (*Query, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queries[id]
	return q, ok
}

func (s *SearchService) AddListener(l engine.SearchListener) func() {
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

// Finish reports q as stopped to every search listener, as the engine does
// when a query runs out of results.
func (s *SearchService) Finish(q *Query) {
	s.mu.RLock()
	listeners := make([]engine.SearchListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()
	for _, l := range listeners {
		l.SearchStopped(q)
	}
}

// ListenerCount reports registered search listeners.
func (s *SearchService) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}
