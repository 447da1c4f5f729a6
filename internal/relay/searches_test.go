package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerstream/internal/engine"
	"peerstream/internal/models"
	"peerstream/internal/observability/metrics"
	"peerstream/internal/testsupport/enginestub"
)

func sampleResults() []engine.SearchResult {
	return []engine.SearchResult{
		{
			ContentID:  "urn:btih:01",
			FileName:   "song.mp3",
			MagnetLink: "magnet:?xt=urn:btih:01",
			Category:   "audio",
			SizeBytes:  4096,
			Properties: models.ResultProperties{Album: "Live", Author: "Band", Genre: "rock"},
			Sources:    []models.Source{{PresenceID: "peer-1", DisplayLocation: "10.0.0.1"}},
		},
		{ContentID: "urn:btih:02", FileName: "spam.exe", IsSpam: true, Category: "program"},
		{ContentID: "urn:btih:01", FileName: "song.mp3", Category: "audio"},
	}
}

func withoutTimestamps(records []models.SearchResultRecord) []models.SearchResultRecord {
	out := make([]models.SearchResultRecord, len(records))
	for i, r := range records {
		r.ReceivedAt = time.Time{}
		out[i] = r
	}
	return out
}

func TestBatchDeliveryMatchesSingleDelivery(t *testing.T) {
	singlePub := &recordingPublisher{}
	batchPub := &recordingPublisher{}
	single := NewSearchBridge(SearchBridgeConfig{Publisher: singlePub, Metrics: metrics.New()})
	batch := NewSearchBridge(SearchBridgeConfig{Publisher: batchPub, Metrics: metrics.New()})

	qa := enginestub.NewQuery("query-1", "song")
	qb := enginestub.NewQuery("query-1", "song")
	single.Listen(qa)
	batch.Listen(qb)

	qa.Deliver(sampleResults()...)
	qb.DeliverBatch(sampleResults()...)

	singles := withoutTimestamps(singlePub.results())
	batched := withoutTimestamps(batchPub.results())
	require.Len(t, singles, 3)
	assert.Equal(t, singles, batched)

	for _, entry := range batchPub.all() {
		assert.Equal(t, "query-1", entry.channel)
		assert.Equal(t, MessageTypeResult, entry.msg.Type)
	}
}

func TestResultsAreNotDeduplicated(t *testing.T) {
	pub := &recordingPublisher{}
	bridge := NewSearchBridge(SearchBridgeConfig{Publisher: pub, Metrics: metrics.New()})
	q := enginestub.NewQuery("query-2", "song")
	bridge.HandleSearchResults(q, sampleResults())

	records := pub.results()
	require.Len(t, records, 3)
	assert.Equal(t, records[0].ContentID, records[2].ContentID)
}

func TestResultRecordIsNormalised(t *testing.T) {
	library := enginestub.NewLibrary()
	library.Put(engine.LibraryFile{ContentID: "urn:btih:01", Path: "/lib/song.mp3", Size: 4096})
	pub := &recordingPublisher{}
	bridge := NewSearchBridge(SearchBridgeConfig{Publisher: pub, Library: library, Metrics: metrics.New()})
	q := enginestub.NewQuery("query-3", "song")

	bridge.HandleSearchResult(q, sampleResults()[0])
	bridge.HandleSearchResult(q, sampleResults()[1])

	records := pub.results()
	require.Len(t, records, 2)
	first := records[0]
	assert.Equal(t, "query-3", first.QueryID)
	assert.Equal(t, "magnet:?xt=urn:btih:01", first.MagnetLink)
	assert.Equal(t, "Live", first.Properties.Album)
	assert.True(t, first.InLibrary)
	assert.Equal(t, []models.Source{{PresenceID: "peer-1", DisplayLocation: "10.0.0.1"}}, first.Sources)
	assert.False(t, first.ReceivedAt.IsZero())

	assert.True(t, records[1].IsSpam)
	assert.False(t, records[1].InLibrary)
	assert.NotNil(t, records[1].Sources)
}

func TestForgetStopsPublishing(t *testing.T) {
	pub := &recordingPublisher{}
	bridge := NewSearchBridge(SearchBridgeConfig{Publisher: pub, Metrics: metrics.New()})
	q := enginestub.NewQuery("query-4", "song")

	assert.Equal(t, "query-4", bridge.Listen(q))
	bridge.Listen(q)
	assert.Equal(t, 1, q.ListenerCount())

	q.Deliver(sampleResults()[0])
	bridge.Forget("query-4")
	q.Deliver(sampleResults()[1])

	assert.Len(t, pub.results(), 1)
	assert.Zero(t, q.ListenerCount())
}

func TestFinishedQueryReleasesListener(t *testing.T) {
	searches := enginestub.NewSearchService()
	bridge := NewSearchBridge(SearchBridgeConfig{
		Publisher: &recordingPublisher{},
		Searches:  searches,
		Metrics:   metrics.New(),
	})
	bridge.Start()
	bridge.Start()
	assert.Equal(t, 1, searches.ListenerCount())

	q := enginestub.NewQuery("q-done", "song")
	searches.Track(q)
	bridge.Listen(q)
	require.True(t, bridge.Listening("q-done"))

	searches.Finish(q)
	assert.False(t, bridge.Listening("q-done"))
	assert.Zero(t, q.ListenerCount())

	bridge.Close()
	assert.Zero(t, searches.ListenerCount())
}
