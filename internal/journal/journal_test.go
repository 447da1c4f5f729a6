package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerstream/internal/broker"
	"peerstream/internal/models"
)

func TestEntryFromMessageKeepsPayloadEncoded(t *testing.T) {
	sent := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entry, err := EntryFromMessage(broker.Message{
		Type:    "download",
		Channel: "urn:btih:aa",
		Data:    models.DownloadRecord{ContentID: "urn:btih:aa", State: models.DownloadStateDownloading, RemainingTime: 90 * time.Second},
		SentAt:  sent,
	})
	require.NoError(t, err)
	assert.Equal(t, "download", entry.Type)
	assert.Equal(t, sent, entry.SentAt)
	assert.Contains(t, string(entry.Data), `"remainingTimeEstimate":90`)

	var record models.DownloadRecord
	require.NoError(t, entry.Decode(&record))
	assert.Equal(t, 90*time.Second, record.RemainingTime)
	assert.Equal(t, models.DownloadStateDownloading, record.State)
}

func TestEntryFromMessageRequiresType(t *testing.T) {
	_, err := EntryFromMessage(broker.Message{Channel: "x"})
	assert.ErrorIs(t, err, ErrTypeRequired)
}

func TestDecodeWithoutPayload(t *testing.T) {
	var v map[string]any
	assert.Error(t, Entry{Type: "status", Channel: "c"}.Decode(&v))
}

func TestMemoryQueueFanout(t *testing.T) {
	q := NewMemoryQueue(4)
	first := q.Subscribe()
	second := q.Subscribe()
	t.Cleanup(func() { _ = q.Close() })

	require.NoError(t, q.Append(context.Background(), broker.Message{Type: "result", Channel: "query-1", Data: map[string]string{"contentId": "a"}}))

	for _, sub := range []Subscription{first, second} {
		select {
		case entry := <-sub.Entries():
			assert.Equal(t, "query-1", entry.Channel)
			assert.JSONEq(t, `{"contentId":"a"}`, string(entry.Data))
		case <-time.After(time.Second):
			t.Fatal("entry not delivered")
		}
	}
}

func TestMemoryQueueDropsWhenSubscriberIsFull(t *testing.T) {
	q := NewMemoryQueue(1)
	sub := q.Subscribe()
	ctx := context.Background()
	require.NoError(t, q.Append(ctx, broker.Message{Type: "a", Channel: "c"}))
	require.NoError(t, q.Append(ctx, broker.Message{Type: "b", Channel: "c"}))

	entry := <-sub.Entries()
	assert.Equal(t, "a", entry.Type)
	sub.Close()
	_, ok := <-sub.Entries()
	assert.False(t, ok)
}

func TestMemoryQueueCloseEndsSubscriptions(t *testing.T) {
	q := NewMemoryQueue(1)
	sub := q.Subscribe()
	require.NoError(t, q.Close())
	_, ok := <-sub.Entries()
	assert.False(t, ok)
	assert.ErrorIs(t, q.Append(context.Background(), broker.Message{Type: "a"}), ErrJournalClosed)
}
