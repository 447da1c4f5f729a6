package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerstream/internal/api"
	"peerstream/internal/broker"
	"peerstream/internal/engine"
	"peerstream/internal/models"
	"peerstream/internal/relay"
	"peerstream/internal/stream"
	"peerstream/internal/testsupport/enginestub"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	broker   *broker.Broker
	manager  *enginestub.Manager
	searches *enginestub.SearchService
	library  *enginestub.Library
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		broker:   broker.New(broker.Config{}),
		manager:  enginestub.NewManager(),
		searches: enginestub.NewSearchService(),
		library:  enginestub.NewLibrary(),
	}
	t.Cleanup(func() { _ = f.broker.Close(context.Background()) })

	downloads := relay.NewDownloadBridge(relay.DownloadBridgeConfig{Manager: f.manager, Publisher: f.broker})
	downloads.Start()
	t.Cleanup(downloads.Close)

	dispatcher := relay.NewDispatcher(relay.DispatcherConfig{
		Broker:    f.broker,
		Downloads: f.manager,
		Searches:  f.searches,
		Bridge:    relay.NewSearchBridge(relay.SearchBridgeConfig{Publisher: f.broker, Library: f.library}),
	})
	mux := http.NewServeMux()
	mux.Handle("GET /api/push", api.NewPushHandler(api.PushConfig{Clients: f.broker, Commands: dispatcher}))
	streamer := stream.New(stream.Config{
		Library:      f.library,
		Downloads:    f.manager,
		Searches:     f.searches,
		PollInterval: 5 * time.Millisecond,
	})
	mux.Handle("GET /api/stream/{contentId}", streamer)
	control := &api.Handler{Downloads: dispatcher, Searches: dispatcher, Control: f.manager}
	mux.HandleFunc("POST /api/downloads/{contentId}/pause", control.PauseDownload)
	mux.HandleFunc("POST /api/downloads/{contentId}/resume", control.ResumeDownload)
	mux.HandleFunc("DELETE /api/downloads/{contentId}", control.RemoveDownload)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) run(ctx context.Context, out, errOut *syncBuffer, args ...string) error {
	cmd := NewPeerctlCommand(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--server", f.server.URL, "--timeout", "3s"}, args...))
	return cmd.ExecuteContext(ctx)
}

func TestStatusPrintsCurrentRecord(t *testing.T) {
	f := newFixture(t)
	f.manager.Add(enginestub.NewDownload("urn:btih:abc", "Big Movie", 2048))

	var out, errOut syncBuffer
	require.NoError(t, f.run(context.Background(), &out, &errOut, "status", "urn:btih:abc"))
	assert.Contains(t, out.String(), "urn:btih:abc")
	assert.Contains(t, out.String(), "Big Movie")
	assert.Contains(t, out.String(), "2.0KiB")
}

func TestStatusUnknownDownloadFails(t *testing.T) {
	f := newFixture(t)
	var out, errOut syncBuffer
	err := f.run(context.Background(), &out, &errOut, "status", "urn:btih:missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSearchPrintsAckResultsAndStops(t *testing.T) {
	f := newFixture(t)
	f.library.Put(engine.LibraryFile{ContentID: "urn:btih:b", Path: "/tmp/b", Size: 1})
	f.searches.Prepare = func(q *enginestub.Query) {
		q.OnStart = func(q *enginestub.Query) {
			q.Deliver(
				engine.SearchResult{ContentID: "urn:btih:a", FileName: "jazz-a.mp3", SizeBytes: 4096},
				engine.SearchResult{ContentID: "urn:btih:b", FileName: "jazz-b.mp3", SizeBytes: 10},
			)
		}
	}

	var out, errOut syncBuffer
	require.NoError(t, f.run(context.Background(), &out, &errOut, "search", "--limit", "2", "--wait", "3s", "smooth", "jazz"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "query\tquery-1\tsmooth jazz", lines[0])
	assert.Contains(t, lines[1], "jazz-a.mp3")
	assert.Contains(t, lines[2], "jazz-b.mp3 [library]")
	assert.Equal(t, "2 results", lines[3])

	q, ok := f.searches.Lookup("query-1")
	require.True(t, ok)
	assert.Equal(t, 1, q.Stopped())
}

func TestWatchPrintsPublishedSnapshots(t *testing.T) {
	f := newFixture(t)
	d := enginestub.NewDownload("urn:btih:w", "Watched", 100)
	f.manager.Add(d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out, errOut syncBuffer
	done := make(chan error, 1)
	go func() { done <- f.run(ctx, &out, &errOut, "watch", "urn:btih:w") }()

	require.Eventually(t, func() bool {
		return len(f.broker.Subscribers("urn:btih:w")) == 1
	}, 3*time.Second, 10*time.Millisecond)
	d.Transition(models.DownloadStateCompleted)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "completed")
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}

func TestFetchWritesStreamToFile(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	data := bytes.Repeat([]byte("peerstream"), 1000)
	src := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(src, data, 0o644))
	f.library.Put(engine.LibraryFile{ContentID: "urn:sha1:LIB", Path: src, Size: int64(len(data))})

	dst := filepath.Join(dir, "copy.bin")
	var out, errOut syncBuffer
	require.NoError(t, f.run(context.Background(), &out, &errOut, "fetch", "urn:sha1:LIB", "-o", dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Contains(t, errOut.String(), "fetched 9.8KiB")
}

func TestFetchUnknownContentFails(t *testing.T) {
	f := newFixture(t)
	var out, errOut syncBuffer
	err := f.run(context.Background(), &out, &errOut, "fetch", "urn:sha1:NOPE", "-o", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content not found")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.0KiB", formatBytes(1024))
	assert.Equal(t, "1.5MiB", formatBytes(3<<19))
}

func TestControlCommandsDriveDownloadLifecycle(t *testing.T) {
	f := newFixture(t)
	d := enginestub.NewDownload("urn:btih:ctl", "Show", 100)
	f.manager.Add(d)

	var out, errOut syncBuffer
	require.NoError(t, f.run(context.Background(), &out, &errOut, "pause", "urn:btih:ctl"))
	assert.Equal(t, models.DownloadStatePaused, d.State())
	require.NoError(t, f.run(context.Background(), &out, &errOut, "resume", "urn:btih:ctl"))
	assert.Equal(t, models.DownloadStateDownloading, d.State())
	require.NoError(t, f.run(context.Background(), &out, &errOut, "remove", "urn:btih:ctl"))
	assert.Equal(t, models.DownloadStateRemoved, d.State())

	assert.Equal(t, "paused\turn:btih:ctl\nresumed\turn:btih:ctl\nremoved\turn:btih:ctl\n", out.String())

	err := f.run(context.Background(), &out, &errOut, "remove", "urn:btih:ctl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown download")
}
