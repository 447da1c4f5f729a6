package enginestub

import (
	"context"
	"fmt"
	"sync"

	"peerstream/internal/engine"
	"peerstream/internal/models"
)

// Manager is an in-memory engine.DownloadManager.
type Manager struct {
	mu        sync.RWMutex
	downloads map[string]*Download
	order     []string
	listeners map[int]engine.DownloadListener
	nextID    int

	// CreateErr is returned from CreateFromResult when set.
	CreateErr error
	// OnCreate, when set, runs on each download built by CreateFromResult
	// before it is added.
	OnCreate func(*Download)
	created  []string
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{
		downloads: make(map[string]*Download),
		listeners: make(map[int]engine.DownloadListener),
	}
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
	defer m.mu.RUnlock()
	out := make([]engine.Download, 0, len(m.order))
	for _, id := range m.order {
		if d, ok := m.downloads[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (m *Manager) CreateFromResult(_ context.Context, _ engine.Query, result engine.SearchResult) (engine.Download, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	d := NewDownload(result.ContentID, result.FileName, result.SizeBytes)
	if m.OnCreate != nil {
		m.OnCreate(d)
	}
	m.mu.Lock()
	m.created = append(m.created, result.ContentID)
	m.mu.Unlock()
	m.Add(d)
	return d, nil
}

// Created lists the content ids passed through CreateFromResult.
func (m *Manager) Created() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.created...)
}

// Add tracks d and fires DownloadAdded.
func (m *Manager) Add(d *Download) {
	m.mu.Lock()
	if _, exists := m.downloads[d.ContentID()]; !exists {
		m.order = append(m.order, d.ContentID())
	}
	m.downloads[d.ContentID()] = d
	listeners := m.snapshotListeners()
	m.mu.Unlock()
	for _, l := range listeners {
		l.DownloadAdded(d)
	}
}

// Remove marks the download removed, forgets it and fires DownloadRemoved.
func (m *Manager) Remove(contentID string) error {
	m.mu.Lock()
	d, ok := m.downloads[contentID]
	delete(m.downloads, contentID)
	listeners := m.snapshotListeners()
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", contentID, engine.ErrUnknownDownload)
	}
	d.mu.Lock()
	d.state = models.DownloadStateRemoved
	d.mu.Unlock()
	for _, l := range listeners {
		l.DownloadRemoved(d)
	}
	return nil
}

// Pause moves a tracked download to Paused.
func (m *Manager) Pause(contentID string) error {
	d, err := m.lookup(contentID)
	if err != nil {
		return err
	}
	d.Transition(models.DownloadStatePaused)
	return nil
}

// Resume moves a tracked download back to Downloading.
func (m *Manager) Resume(contentID string) error {
	d, err := m.lookup(contentID)
	if err != nil {
		return err
	}
	d.Transition(models.DownloadStateDownloading)
	return nil
}

func (m *Manager) lookup(contentID string) (*Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.downloads[contentID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", contentID, engine.ErrUnknownDownload)
	}
	return d, nil
}

// Forget drops the download from lookups without any notification, which
// makes Find fail the way a transient engine miss does.
func (m *Manager) Forget(contentID string) {
	m.mu.Lock()
	delete(m.downloads, contentID)
	m.mu.Unlock()
}

// Restore puts a forgotten download back into lookups silently.
func (m *Manager) Restore(d *Download) {
	m.mu.Lock()
	m.downloads[d.ContentID()] = d
	m.mu.Unlock()
}

// CompleteAll fires DownloadsCompleted.
func (m *Manager) CompleteAll() {
	m.mu.RLock()
	listeners := m.snapshotListeners()
	m.mu.RUnlock()
	for _, l := range listeners {
		l.DownloadsCompleted()
	}
}

// ListenerCount reports registered manager listeners.
func (m *Manager) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

func (m *Manager) snapshotListeners() []engine.DownloadListener {
	out := make([]engine.DownloadListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}
