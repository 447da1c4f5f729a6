package enginestub

import (
	"sync"
	"sync/atomic"
	"time"

	"peerstream/internal/engine"
	"peerstream/internal/models"
)

// File is a StreamableFile whose available length is set by the test.
type File struct {
	path      string
	available atomic.Int64
}

// NewFile constructs a File rooted at path with the given available length.
func NewFile(path string, available int64) *File {
	f := &File{path: path}
	f.available.Store(available)
	return f
}

// Path implements engine.StreamableFile.
func (f *File) Path() string { return f.path }

// AvailableBytes implements engine.StreamableFile.
func (f *File) AvailableBytes() int64 { return f.available.Load() }

// SetAvailable updates the contiguous length reported to readers.
func (f *File) SetAvailable(n int64) { f.available.Store(n) }

// Download is a mutable engine.Download.
type Download struct {
	mu        sync.RWMutex
	contentID string
	title     string
	fileName  string
	state     models.DownloadState
	current   int64
	total     int64
	speed     int64
	sources   int
	remaining time.Duration
	file      *File

	nextID   int
	stateFns map[int]engine.StateListener
	propFns  map[int]engine.PropertyListener
}

// NewDownload constructs a connecting download with the given total size.
func NewDownload(contentID, title string, total int64) *Download {
	return &Download{
		contentID: contentID,
		title:     title,
		fileName:  title,
		state:     models.DownloadStateConnecting,
		total:     total,
		stateFns:  make(map[int]engine.StateListener),
		propFns:   make(map[int]engine.PropertyListener),
	}
}

func (d *Download) ContentID() string { return d.contentID }

func (d *Download) Title() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.title
}

func (d *Download) FileName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fileName
}

func (d *Download) State() models.DownloadState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Download) CurrentBytes() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

func (d *Download) TotalBytes() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.total
}

func (d *Download) Percent() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return models.Percent(d.current, d.total)
}

func (d *Download) Speed() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.speed
}

func (d *Download) SourceCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sources
}

func (d *Download) RemainingTime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remaining
}

func (d *Download) StreamableFile() (engine.StreamableFile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.file == nil {
		return nil, false
	}
	return d.file, true
}

// Snapshot implements engine.Download.
func (d *Download) Snapshot() models.DownloadRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return models.DownloadRecord{
		ContentID:       d.contentID,
		Title:           d.title,
		State:           d.state,
		CurrentBytes:    d.current,
		TotalBytes:      d.total,
		PercentComplete: models.Percent(d.current, d.total),
		DownloadSpeed:   d.speed,
		SourceCount:     d.sources,
		RemainingTime:   d.remaining,
		FileName:        d.fileName,
		ObservedAt:      time.Now().UTC(),
	}
}

// SetFile attaches the streamable file, as the engine does once storage is
// allocated.
func (d *Download) SetFile(f *File) {
	d.mu.Lock()
	d.file = f
	d.mu.Unlock()
}

// SetStats updates the transfer statistics without notifying listeners.
func (d *Download) SetStats(current, speed int64, sources int, remaining time.Duration) {
	d.mu.Lock()
	d.current = current
	d.speed = speed
	d.sources = sources
	d.remaining = remaining
	d.mu.Unlock()
}

// SetFileName changes the reported file name.
func (d *Download) SetFileName(name string) {
	d.mu.Lock()
	d.fileName = name
	d.mu.Unlock()
}

// Transition moves the download to state and notifies state listeners.
func (d *Download) Transition(state models.DownloadState) {
	d.mu.Lock()
	d.state = state
	listeners := make([]engine.StateListener, 0, len(d.stateFns))
	for _, fn := range d.stateFns {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(d, state)
	}
}

// Progress updates the byte counter and notifies property listeners.
func (d *Download) Progress(current int64) {
	d.mu.Lock()
	d.current = current
	listeners := make([]engine.PropertyListener, 0, len(d.propFns))
	for _, fn := range d.propFns {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(d, "progress")
	}
}

func (d *Download) AddStateListener(fn engine.StateListener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.stateFns[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.stateFns, id)
		d.mu.Unlock()
	}
}

func (d *Download) AddPropertyListener(fn engine.PropertyListener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.propFns[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.propFns, id)
		d.mu.Unlock()
	}
}

// ListenerCount reports how many state and property listeners are
// registered.
func (d *Download) ListenerCount() (state, property int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.stateFns), len(d.propFns)
}
