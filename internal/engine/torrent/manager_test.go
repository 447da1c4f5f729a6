package torrent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerstream/internal/engine"
)

func TestContentIDIsLowercaseURN(t *testing.T) {
	assert.Equal(t, "urn:btih:abcdef0123", ContentID("ABCDEF0123"))
}

func TestNewRequiresDataDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestManagerWithoutNetworkTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a torrent client")
	}
	m, err := New(Config{DataDir: t.TempDir(), ListenPort: 0, NoUpload: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.CreateFromResult(context.Background(), nil, engine.SearchResult{ContentID: "urn:btih:00"})
	assert.Error(t, err, "results without a magnet link are rejected")

	assert.ErrorIs(t, m.Pause("urn:btih:missing"), ErrUnknownDownload)
	assert.ErrorIs(t, m.Remove("urn:btih:missing"), ErrUnknownDownload)
	_, ok := m.Find("urn:btih:missing")
	assert.False(t, ok)
	assert.Empty(t, m.Downloads())
}
