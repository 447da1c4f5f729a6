package torrent

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"peerstream/internal/engine"
	"peerstream/internal/models"
)

// Download wraps one anacrolix torrent. Its counters are refreshed by the
// manager's monitor goroutine; listeners are called without locks held.
type Download struct {
	contentID string
	t         *torrent.Torrent
	dataDir   string
	stop      chan struct{}
	stopOnce  sync.Once

	mu        sync.RWMutex
	title     string
	state     models.DownloadState
	current   int64
	total     int64
	speed     int64
	peers     int
	remaining time.Duration
	paused    bool
	file      *pieceFile

	nextID   int
	stateFns map[int]engine.StateListener
	propFns  map[int]engine.PropertyListener
}

func newDownload(contentID, title, dataDir string, t *torrent.Torrent) *Download {
	return &Download{
		contentID: contentID,
		t:         t,
		dataDir:   dataDir,
		stop:      make(chan struct{}),
		title:     title,
		state:     models.DownloadStateConnecting,
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
	return d.peers
}

func (d *Download) RemainingTime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remaining
}

// FileName is the display path of the streamed file, or the torrent name
// before metadata arrives.
func (d *Download) FileName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.file != nil {
		return filepath.Base(d.file.f.DisplayPath())
	}
	return d.title
}

func (d *Download) StreamableFile() (engine.StreamableFile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.file == nil {
		return nil, false
	}
	return d.file, true
}

func (d *Download) Snapshot() models.DownloadRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name := d.title
	if d.file != nil {
		name = filepath.Base(d.file.f.DisplayPath())
	}
	return models.DownloadRecord{
		ContentID:       d.contentID,
		Title:           d.title,
		State:           d.state,
		CurrentBytes:    d.current,
		TotalBytes:      d.total,
		PercentComplete: models.Percent(d.current, d.total),
		DownloadSpeed:   d.speed,
		SourceCount:     d.peers,
		RemainingTime:   d.remaining,
		FileName:        name,
		ObservedAt:      time.Now().UTC(),
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

// apply stores a derived progress and notifies listeners about what changed.
// It returns true when the download just became complete.
func (d *Download) apply(smp sample, p progress) bool {
	d.mu.Lock()
	previous := d.state
	changed := d.current != smp.completed || d.speed != p.speed || d.peers != smp.peers || d.total != smp.total
	d.current = smp.completed
	d.total = smp.total
	d.speed = p.speed
	d.peers = smp.peers
	d.remaining = p.remaining
	if d.state != models.DownloadStateRemoved && d.state != models.DownloadStateError {
		d.state = p.state
	}
	state := d.state
	stateFns := d.stateListenersLocked()
	propFns := d.propertyListenersLocked()
	d.mu.Unlock()

	if state != previous {
		for _, fn := range stateFns {
			fn(d, state)
		}
	}
	if changed {
		for _, fn := range propFns {
			fn(d, "progress")
		}
	}
	return state == models.DownloadStateCompleted && previous != models.DownloadStateCompleted
}

// setState forces a state, used for pause, resume, failure and removal.
func (d *Download) setState(state models.DownloadState) {
	d.mu.Lock()
	if d.state == state {
		d.mu.Unlock()
		return
	}
	d.state = state
	if state == models.DownloadStatePaused || state == models.DownloadStateRemoved {
		d.speed = 0
		d.remaining = 0
	}
	fns := d.stateListenersLocked()
	d.mu.Unlock()
	for _, fn := range fns {
		fn(d, state)
	}
}

func (d *Download) setPaused(paused bool) {
	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
}

func (d *Download) isPaused() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.paused
}

func (d *Download) setFile(f *torrent.File) {
	d.mu.Lock()
	d.file = &pieceFile{f: f, path: filepath.Join(d.dataDir, filepath.FromSlash(f.Path()))}
	d.mu.Unlock()
}

func (d *Download) setTitle(title string) {
	if title == "" {
		return
	}
	d.mu.Lock()
	d.title = title
	d.mu.Unlock()
}

func (d *Download) halt() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *Download) stateListenersLocked() []engine.StateListener {
	out := make([]engine.StateListener, 0, len(d.stateFns))
	for _, fn := range d.stateFns {
		out = append(out, fn)
	}
	return out
}

func (d *Download) propertyListenersLocked() []engine.PropertyListener {
	out := make([]engine.PropertyListener, 0, len(d.propFns))
	for _, fn := range d.propFns {
		out = append(out, fn)
	}
	return out
}

// pieceFile exposes a torrent file to the streamer. Only bytes covered by
// verified pieces from the start of the file are reported as available.
type pieceFile struct {
	f    *torrent.File
	path string
}

func (p *pieceFile) Path() string { return p.path }

func (p *pieceFile) AvailableBytes() int64 {
	states := p.f.State()
	spans := make([]span, len(states))
	for i, st := range states {
		spans[i] = span{bytes: st.Bytes, complete: st.Complete}
	}
	n := contiguousBytes(spans)
	if length := p.f.Length(); n > length {
		n = length
	}
	return n
}
