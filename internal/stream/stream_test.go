package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerstream/internal/engine"
	"peerstream/internal/models"
	"peerstream/internal/observability/metrics"
	"peerstream/internal/testsupport/enginestub"
)

type fixture struct {
	library  *enginestub.Library
	manager  *enginestub.Manager
	searches *enginestub.SearchService
	recorder *metrics.Recorder
	streamer *Streamer
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		library:  enginestub.NewLibrary(),
		manager:  enginestub.NewManager(),
		searches: enginestub.NewSearchService(),
		recorder: metrics.New(),
		dir:      t.TempDir(),
	}
	f.streamer = New(Config{
		Library:       f.library,
		Downloads:     f.manager,
		Searches:      f.searches,
		Metrics:       f.recorder,
		PollInterval:  5 * time.Millisecond,
		ReadyAttempts: 4,
		MinChunk:      16,
		ChunkSize:     32,
	})
	return f
}

func (f *fixture) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (f *fixture) serve(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /api/stream", f.streamer)
	mux.Handle("GET /api/stream/{contentId}", f.streamer)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%26)
	}
	return out
}

func TestLibraryFileIsStreamedWhole(t *testing.T) {
	f := newFixture(t)
	data := payload(300)
	path := f.writeFile(t, "song.mp3", data)
	f.library.Put(engine.LibraryFile{ContentID: "urn:sha1:LIB", Path: path, Size: int64(len(data))})
	srv := f.serve(t)

	resp, err := http.Get(srv.URL + "/api/stream?contentId=urn:sha1:LIB")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, strconv.Itoa(len(data)), resp.Header.Get("Content-Length"))
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "library", resp.Header.Get("X-Content-Source"))
	assert.Equal(t, data, body)
	assert.EqualValues(t, 1, f.recorder.StreamOutcomes()[OutcomeCompleted])
}

func TestLibraryWinsOverPausedDownload(t *testing.T) {
	f := newFixture(t)
	libPath := f.writeFile(t, "lib.bin", []byte("from-library"))
	dlPath := f.writeFile(t, "dl.bin", []byte("from-download"))
	f.library.Put(engine.LibraryFile{ContentID: "urn:btih:same", Path: libPath})

	d := enginestub.NewDownload("urn:btih:same", "dl.bin", 13)
	d.SetFile(enginestub.NewFile(dlPath, 13))
	d.Transition(models.DownloadStatePaused)
	f.manager.Add(d)
	srv := f.serve(t)

	resp, err := http.Get(srv.URL + "/api/stream/urn:btih:same")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "from-library", string(body))
}

func TestUnknownContentReturnsImmediately(t *testing.T) {
	f := newFixture(t)
	f.streamer.pollInterval = time.Second
	srv := f.serve(t)

	start := time.Now()
	resp, err := http.Get(srv.URL + "/api/stream?contentId=urn:btih:missing&queryId=query-9")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, body)
	assert.EqualValues(t, 1, f.recorder.StreamOutcomes()[OutcomeNotFound])
}

func TestResolveRequiresContentID(t *testing.T) {
	f := newFixture(t)
	_, err := f.streamer.Resolve(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestGrowingDownloadIsStreamedMonotonically(t *testing.T) {
	f := newFixture(t)
	data := payload(1000)
	path := filepath.Join(f.dir, "movie.mkv")
	fh, err := os.Create(path)
	require.NoError(t, err)
	defer fh.Close()

	file := enginestub.NewFile(path, 0)
	d := enginestub.NewDownload("urn:btih:grow", "movie.mkv", int64(len(data)))
	d.SetFile(file)
	d.Transition(models.DownloadStateDownloading)
	f.manager.Add(d)
	srv := f.serve(t)

	go func() {
		for written := 0; written < len(data); written += 100 {
			_, _ = fh.WriteAt(data[written:written+100], int64(written))
			file.SetAvailable(int64(written + 100))
			time.Sleep(10 * time.Millisecond)
		}
		d.Transition(models.DownloadStateCompleted)
	}()

	resp, err := http.Get(srv.URL + "/api/stream/urn:btih:grow")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "1000", resp.Header.Get("Content-Length"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
}

func TestDownloadCreatedFromQueryResult(t *testing.T) {
	f := newFixture(t)
	data := payload(120)
	path := f.writeFile(t, "talk.ogg", data)

	q := enginestub.NewQuery("query-1", "talk")
	q.Remember(engine.SearchResult{ContentID: "urn:btih:new", FileName: "talk.ogg", SizeBytes: int64(len(data))})
	f.searches.Track(q)
	f.manager.OnCreate = func(d *enginestub.Download) {
		d.SetFile(enginestub.NewFile(path, int64(len(data))))
	}
	srv := f.serve(t)

	resp, err := http.Get(srv.URL + "/api/stream?contentId=urn:btih:new&queryId=query-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, data, body)
	assert.Equal(t, []string{"urn:btih:new"}, f.manager.Created())
	assert.Equal(t, "download", resp.Header.Get("X-Content-Source"))
}

func TestCreateFailureIsNotFound(t *testing.T) {
	f := newFixture(t)
	q := enginestub.NewQuery("query-1", "talk")
	q.Remember(engine.SearchResult{ContentID: "urn:btih:new"})
	f.searches.Track(q)
	f.manager.CreateErr = errors.New("disk full")

	rr := httptest.NewRecorder()
	f.streamer.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stream?contentId=urn:btih:new&queryId=query-1", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Zero(t, rr.Body.Len())
}

func TestFailedDownloadWithoutSizeIsNotFound(t *testing.T) {
	f := newFixture(t)
	d := enginestub.NewDownload("urn:btih:broken", "broken.bin", 0)
	d.Transition(models.DownloadStateError)
	f.manager.Add(d)

	rr := httptest.NewRecorder()
	f.streamer.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stream?contentId=urn:btih:broken", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("Content-Length"))
	assert.Empty(t, rr.Header().Get("X-Content-Source"))
	assert.Zero(t, rr.Body.Len())
	assert.EqualValues(t, 1, f.recorder.StreamOutcomes()[OutcomeNotFound])
}

func TestStreamProceedsAfterReadinessBound(t *testing.T) {
	f := newFixture(t)
	data := payload(64)
	path := f.writeFile(t, "late.bin", data)
	d := enginestub.NewDownload("urn:btih:late", "late.bin", int64(len(data)))
	d.Transition(models.DownloadStateDownloading)
	f.manager.Add(d)
	srv := f.serve(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		d.SetFile(enginestub.NewFile(path, int64(len(data))))
		d.Transition(models.DownloadStateCompleted)
	}()

	resp, err := http.Get(srv.URL + "/api/stream/urn:btih:late")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
}

func TestReadFailureTruncatesResponse(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "short.bin", payload(40))
	d := enginestub.NewDownload("urn:btih:short", "short.bin", 100)
	d.SetFile(enginestub.NewFile(path, 100))
	f.manager.Add(d)
	srv := f.serve(t)

	resp, err := http.Get(srv.URL + "/api/stream/urn:btih:short")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Len(t, body, 40)

	require.Eventually(t, func() bool {
		return f.recorder.StreamOutcomes()[OutcomeReadError] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClientDisconnectStopsStream(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "stall.bin", nil)
	d := enginestub.NewDownload("urn:btih:stall", "stall.bin", 1000)
	d.SetFile(enginestub.NewFile(path, 0))
	d.Transition(models.DownloadStateDownloading)
	f.manager.Add(d)
	srv := f.serve(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream/urn:btih:stall", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return f.recorder.StreamOutcomes()[OutcomeClientGone] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.recorder.ActiveStreams())
}

type chunkWriter struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunks = append(w.chunks, append([]byte(nil), p...))
	return len(p), nil
}

func (w *chunkWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.chunks)
}

func TestPumpWaitsForMinimumIncrement(t *testing.T) {
	f := newFixture(t)
	data := payload(100)
	path := f.writeFile(t, "slow.bin", data)
	file := enginestub.NewFile(path, 10)
	d := enginestub.NewDownload("urn:btih:slow", "slow.bin", int64(len(data)))
	d.SetFile(file)
	d.Transition(models.DownloadStateDownloading)

	src := &Source{kind: "download", name: "slow.bin", download: d}
	defer src.Close()
	w := &chunkWriter{}
	done := make(chan error, 1)
	go func() {
		_, err := f.streamer.pump(context.Background(), w, src, int64(len(data)))
		done <- err
	}()

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, w.count(), "increments below the minimum must wait")

	file.SetAvailable(50)
	require.Eventually(t, func() bool { return w.count() > 0 }, time.Second, 2*time.Millisecond)

	// The remaining tail is below the minimum but the download is complete.
	file.SetAvailable(100)
	d.Transition(models.DownloadStateCompleted)
	require.NoError(t, <-done)

	var joined bytes.Buffer
	var offsets []int
	for _, chunk := range w.chunks {
		offsets = append(offsets, joined.Len())
		joined.Write(chunk)
	}
	assert.Equal(t, data, joined.Bytes())
	assert.Equal(t, 0, offsets[0])
	assert.Len(t, w.chunks[0], 32, "reads are capped at the chunk size")
}
