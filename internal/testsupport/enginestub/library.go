package enginestub

import (
	"sync"

	"peerstream/internal/engine"
)

// Library is a map-backed engine.Library.
type Library struct {
	mu    sync.RWMutex
	files map[string]engine.LibraryFile
}

// NewLibrary constructs an empty Library.
func NewLibrary() *Library {
	return &Library{files: make(map[string]engine.LibraryFile)}
}

// Put registers a completed file.
func (l *Library) Put(f engine.LibraryFile) {
	l.mu.Lock()
	l.files[f.ContentID] = f
	l.mu.Unlock()
}

func (l *Library) Lookup(contentID string) (engine.LibraryFile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.files[contentID]
	return f, ok
}
