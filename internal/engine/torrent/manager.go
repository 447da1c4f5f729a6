// Package torrent implements the download engine on top of the anacrolix
// BitTorrent client. Content ids are urn:btih:<hex info hash>.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"

	"peerstream/internal/engine"
	"peerstream/internal/models"
	"peerstream/internal/observability/logging"
)

// ErrUnknownDownload is returned for content ids the manager does not track.
var ErrUnknownDownload = engine.ErrUnknownDownload

// Registrar receives completed files.
type Registrar interface {
	Register(contentID, path string) error
}

// Config configures a Manager.
type Config struct {
	DataDir    string
	ListenPort int
	NoUpload   bool
	Seed       bool
	// DownloadRateLimit and UploadRateLimit are bytes per second. Zero
	// means unlimited.
	DownloadRateLimit int64
	UploadRateLimit   int64
	// SampleInterval is how often transfer counters are sampled.
	SampleInterval time.Duration
	// SpeedWindow is the number of samples averaged into the reported
	// speed.
	SpeedWindow int
	// AddTimeout bounds AddMagnet, which can block on the client lock.
	AddTimeout time.Duration
	Library    Registrar
	Logger     *slog.Logger
}

// Manager implements engine.DownloadManager.
type Manager struct {
	client         *torrent.Client
	dataDir        string
	sampleInterval time.Duration
	speedWindow    int
	addTimeout     time.Duration
	library        Registrar
	logger         *slog.Logger

	mu        sync.RWMutex
	downloads map[string]*Download
	listeners map[int]engine.DownloadListener
	nextID    int
	wg        sync.WaitGroup
	closed    bool
}

// New starts an anacrolix client configured from cfg.
func New(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, errors.New("torrent data dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := torrent.NewDefaultClientConfig()
	clientCfg.DataDir = cfg.DataDir
	clientCfg.NoUpload = cfg.NoUpload
	clientCfg.Seed = cfg.Seed
	if cfg.ListenPort > 0 {
		clientCfg.ListenPort = cfg.ListenPort
	}
	if cfg.DownloadRateLimit > 0 {
		clientCfg.DownloadRateLimiter = rate.NewLimiter(rate.Limit(cfg.DownloadRateLimit), int(cfg.DownloadRateLimit))
	}
	if cfg.UploadRateLimit > 0 {
		clientCfg.UploadRateLimiter = rate.NewLimiter(rate.Limit(cfg.UploadRateLimit), int(cfg.UploadRateLimit))
	}
	client, err := torrent.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	sampleInterval := cfg.SampleInterval
	if sampleInterval <= 0 {
		sampleInterval = time.Second
	}
	addTimeout := cfg.AddTimeout
	if addTimeout <= 0 {
		addTimeout = 30 * time.Second
	}
	return &Manager{
		client:         client,
		dataDir:        cfg.DataDir,
		sampleInterval: sampleInterval,
		speedWindow:    cfg.SpeedWindow,
		addTimeout:     addTimeout,
		library:        cfg.Library,
		logger:         logging.WithComponent(logger, "engine.torrent"),
		downloads:      make(map[string]*Download),
		listeners:      make(map[int]engine.DownloadListener),
	}, nil
}

func (m *Manager) AddListener(l engine.DownloadListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) Find(contentID string) (engine.Download, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.downloads[contentID]
	if !ok {
		return nil, false
	}
	return d, true
}

func (m *Manager) Downloads() []engine.Download {
	m.mu.RLock()
	ids := make([]string, 0, len(m.downloads))
	for id := range m.downloads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]engine.Download, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.downloads[id])
	}
	m.mu.RUnlock()
	return out
}

// CreateFromResult starts downloading the result's magnet link.
func (m *Manager) CreateFromResult(ctx context.Context, _ engine.Query, result engine.SearchResult) (engine.Download, error) {
	if result.MagnetLink == "" {
		return nil, fmt.Errorf("result %s has no magnet link", result.ContentID)
	}
	return m.AddMagnet(ctx, result.MagnetLink, result.FileName)
}

type addResult struct {
	t   *torrent.Torrent
	err error
}

// AddMagnet adds a magnet link. Adding a torrent that is already tracked
// returns the existing download.
func (m *Manager) AddMagnet(ctx context.Context, uri, title string) (*Download, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errors.New("torrent manager closed")
	}

	ctx, cancel := context.WithTimeout(ctx, m.addTimeout)
	defer cancel()
	results := make(chan addResult, 1)
	go func() {
		t, err := m.client.AddMagnet(uri)
		results <- addResult{t: t, err: err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-results:
		if res.err != nil {
			return nil, fmt.Errorf("add magnet: %w", res.err)
		}
		t = res.t
	case <-ctx.Done():
		go func() {
			if res := <-results; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, fmt.Errorf("add magnet: %w", ctx.Err())
	}

	contentID := ContentID(t.InfoHash().HexString())
	if title == "" {
		title = t.Name()
	}

	m.mu.Lock()
	if existing, ok := m.downloads[contentID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	d := newDownload(contentID, title, m.dataDir, t)
	m.downloads[contentID] = d
	listeners := m.snapshotListenersLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	go m.monitor(d)
	m.logger.Info("download added", "content_id", contentID, "title", title)
	for _, l := range listeners {
		l.DownloadAdded(d)
	}
	return d, nil
}

// Pause stops requesting data for the download.
func (m *Manager) Pause(contentID string) error {
	d, err := m.lookup(contentID)
	if err != nil {
		return err
	}
	d.t.DisallowDataDownload()
	d.setPaused(true)
	if d.State() != models.DownloadStateCompleted {
		d.setState(models.DownloadStatePaused)
	}
	return nil
}

// Resume re-enables data requests for a paused download.
func (m *Manager) Resume(contentID string) error {
	d, err := m.lookup(contentID)
	if err != nil {
		return err
	}
	d.t.AllowDataDownload()
	d.setPaused(false)
	if d.State() == models.DownloadStatePaused {
		d.setState(models.DownloadStateConnecting)
	}
	return nil
}

// Remove drops the torrent and notifies listeners. Downloaded data stays on
// disk.
func (m *Manager) Remove(contentID string) error {
	m.mu.Lock()
	d, ok := m.downloads[contentID]
	delete(m.downloads, contentID)
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", contentID, ErrUnknownDownload)
	}
	d.halt()
	d.t.Drop()
	d.setState(models.DownloadStateRemoved)
	m.logger.Info("download removed", "content_id", contentID)
	for _, l := range listeners {
		l.DownloadRemoved(d)
	}
	return nil
}

// Close drops every torrent and shuts the client down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, d := range m.downloads {
		d.halt()
	}
	m.mu.Unlock()
	m.wg.Wait()
	errs := m.client.Close()
	return errors.Join(errs...)
}

func (m *Manager) lookup(contentID string) (*Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.downloads[contentID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", contentID, ErrUnknownDownload)
	}
	return d, nil
}

func (m *Manager) monitor(d *Download) {
	defer m.wg.Done()
	t := d.t

	select {
	case <-t.GotInfo():
	case <-d.stop:
		return
	}
	d.setTitle(t.Name())
	t.DownloadAll()
	if f := largestFile(t.Files()); f != nil {
		d.setFile(f)
	}

	smp := newSampler(m.speedWindow)
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.Closed():
			return
		case now := <-ticker.C:
			stats := t.Stats()
			current := sample{
				at:        now,
				completed: t.BytesCompleted(),
				total:     t.Length(),
				read:      stats.BytesReadUsefulData.Int64(),
				peers:     stats.ActivePeers,
				paused:    d.isPaused(),
				hasInfo:   t.Info() != nil,
			}
			if d.apply(current, smp.observe(current)) {
				m.completed(d)
			}
		}
	}
}

func (m *Manager) completed(d *Download) {
	m.logger.Info("download completed", "content_id", d.ContentID())
	if m.library != nil {
		if file, ok := d.StreamableFile(); ok {
			if err := m.library.Register(d.ContentID(), file.Path()); err != nil {
				m.logger.Warn("register completed file failed", "content_id", d.ContentID(), "error", err)
			}
		}
	}

	m.mu.RLock()
	all := true
	for _, other := range m.downloads {
		if other.State() != models.DownloadStateCompleted {
			all = false
			break
		}
	}
	listeners := m.snapshotListenersLocked()
	m.mu.RUnlock()
	if !all {
		return
	}
	for _, l := range listeners {
		l.DownloadsCompleted()
	}
}

func (m *Manager) snapshotListenersLocked() []engine.DownloadListener {
	out := make([]engine.DownloadListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

// ContentID formats a hex info hash as a content id.
func ContentID(infoHashHex string) string {
	return "urn:btih:" + strings.ToLower(infoHashHex)
}

func largestFile(files []*torrent.File) *torrent.File {
	var best *torrent.File
	for _, f := range files {
		if best == nil || f.Length() > best.Length() {
			best = f
		}
	}
	return best
}
