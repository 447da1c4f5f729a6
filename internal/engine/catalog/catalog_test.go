package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerstream/internal/engine"
	"peerstream/internal/models"
)

type collector struct {
	mu      sync.Mutex
	batches [][]engine.SearchResult
	singles []engine.SearchResult
}

func (c *collector) HandleSearchResult(_ engine.Query, r engine.SearchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.singles = append(c.singles, r)
}

func (c *collector) HandleSearchResults(_ engine.Query, rs []engine.SearchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, rs)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.batches {
		for _, r := range b {
			out = append(out, r.ContentID)
		}
	}
	for _, r := range c.singles {
		out = append(out, r.ContentID)
	}
	return out
}

type lifecycle struct {
	started chan string
	stopped chan string
}

func newLifecycle() *lifecycle {
	return &lifecycle{started: make(chan string, 8), stopped: make(chan string, 8)}
}

func (l *lifecycle) SearchStarted(q engine.Query) { l.started <- q.ID() }
func (l *lifecycle) SearchStopped(q engine.Query) { l.stopped <- q.ID() }

func sampleEntries() []Entry {
	return []Entry{
		{ContentID: "urn:btih:01", FileName: "Café del Mar - Volume 1.mp3", MagnetLink: "magnet:?xt=urn:btih:01", Properties: models.ResultProperties{Author: "Various"}},
		{ContentID: "urn:btih:02", FileName: "cafe-society.mkv", MagnetLink: "magnet:?xt=urn:btih:02", Category: "video"},
		{ContentID: "urn:btih:03", FileName: "Jazz Standards.flac", Properties: models.ResultProperties{Genre: "Jazz"}},
		{ContentID: "urn:btih:04", FileName: "CAFÉ TACVBA live.ogg"},
	}
}

func TestFoldStripsAccentsAndCase(t *testing.T) {
	assert.Equal(t, []string{"cafe", "del", "mar"}, terms("Café DEL-Mar"))
}

func TestMatchesRequiresEveryTermAsPrefix(t *testing.T) {
	entry := terms("Cafe del Mar Volume 1")
	assert.True(t, matches(terms("caf vol"), entry))
	assert.False(t, matches(terms("caf jazz"), entry))
	assert.False(t, matches(nil, entry))
}

func TestQueryDeliversMatchesInBatches(t *testing.T) {
	svc := New(Config{Entries: sampleEntries(), BatchSize: 2})
	events := newLifecycle()
	svc.AddListener(events)

	q, err := svc.NewQuery(context.Background(), "cafe")
	require.NoError(t, err)
	c := &collector{}
	q.AddResultListener(c)
	q.Start()

	select {
	case id := <-events.stopped:
		assert.Equal(t, q.ID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("query did not finish")
	}
	assert.Equal(t, q.ID(), <-events.started)
	assert.Equal(t, []string{"urn:btih:01", "urn:btih:02", "urn:btih:04"}, c.ids())
	require.Len(t, c.batches, 1)
	require.Len(t, c.singles, 1)

	r, ok := q.Result("urn:btih:02")
	require.True(t, ok)
	assert.Equal(t, "video", r.Category)
	_, ok = q.Result("urn:btih:03")
	assert.False(t, ok)

	found, ok := svc.Query(q.ID())
	require.True(t, ok)
	assert.Equal(t, "cafe", found.Text())
}

func TestStopHaltsDelivery(t *testing.T) {
	svc := New(Config{Entries: sampleEntries(), BatchSize: 1, BatchDelay: time.Hour})
	events := newLifecycle()
	svc.AddListener(events)
	q, err := svc.NewQuery(context.Background(), "cafe")
	require.NoError(t, err)
	c := &collector{}
	q.AddResultListener(c)
	q.Start()

	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, time.Second, 5*time.Millisecond)
	q.Stop()
	select {
	case <-events.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not end the query")
	}
	assert.Len(t, c.ids(), 1)
}

func TestNewQueryRejectsBlankText(t *testing.T) {
	svc := New(Config{})
	_, err := svc.NewQuery(context.Background(), "   ")
	assert.Error(t, err)
}

func TestStoppedQueriesAreEvicted(t *testing.T) {
	svc := New(Config{MaxQueries: 1})
	events := newLifecycle()
	svc.AddListener(events)

	first, err := svc.NewQuery(context.Background(), "one")
	require.NoError(t, err)
	first.Start()
	<-events.stopped

	second, err := svc.NewQuery(context.Background(), "two")
	require.NoError(t, err)
	_, ok := svc.Query(first.ID())
	assert.False(t, ok)
	_, ok = svc.Query(second.ID())
	assert.True(t, ok)
}

func TestLoadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"contentId":"urn:btih:aa","fileName":"a.mp4","magnetLink":"magnet:?xt=urn:btih:aa","size":10,"properties":{"title":"A"}}]`), 0o600))
	entries, err := LoadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].SizeBytes)
	assert.Equal(t, "A", entries[0].Properties.Title)

	require.NoError(t, os.WriteFile(path, []byte(`[{"fileName":"x"}]`), 0o600))
	_, err = LoadEntries(path)
	assert.Error(t, err)
}
