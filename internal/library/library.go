// Package library indexes completed files by content id.
package library

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"peerstream/internal/engine"
	"peerstream/internal/observability/logging"
)

// Config configures an Index.
type Config struct {
	Logger *slog.Logger
	// HashWorkers bounds concurrent file hashing during Scan. Defaults to
	// GOMAXPROCS.
	HashWorkers int
}

// Index is a concurrency-safe content id -> file map. It implements
// engine.Library.
type Index struct {
	logger  *slog.Logger
	workers int64

	mu    sync.RWMutex
	files map[string]engine.LibraryFile
}

// New constructs an empty Index.
func New(cfg Config) *Index {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.HashWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Index{
		logger:  logging.WithComponent(logger, "library"),
		workers: int64(workers),
		files:   make(map[string]engine.LibraryFile),
	}
}

// Lookup implements engine.Library.
func (i *Index) Lookup(contentID string) (engine.LibraryFile, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	f, ok := i.files[contentID]
	return f, ok
}

// Register adds or replaces the file for contentID.
func (i *Index) Register(contentID, path string) error {
	if contentID == "" {
		return fmt.Errorf("register %s: content id is required", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("register %s: %w", contentID, err)
	}
	if info.IsDir() {
		return fmt.Errorf("register %s: %s is a directory", contentID, path)
	}
	i.mu.Lock()
	i.files[contentID] = engine.LibraryFile{ContentID: contentID, Path: path, Size: info.Size()}
	i.mu.Unlock()
	i.logger.Info("library file registered", "content_id", contentID, "path", path, "size", info.Size())
	return nil
}

// Remove forgets contentID.
func (i *Index) Remove(contentID string) {
	i.mu.Lock()
	delete(i.files, contentID)
	i.mu.Unlock()
}

// Files returns every indexed file sorted by content id.
func (i *Index) Files() []engine.LibraryFile {
	i.mu.RLock()
	out := make([]engine.LibraryFile, 0, len(i.files))
	for _, f := range i.files {
		out = append(out, f)
	}
	i.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ContentID < out[b].ContentID })
	return out
}

// Scan walks root and indexes every regular file under its SHA-1 content id.
// Hashing runs in parallel, bounded by HashWorkers. It returns the number of
// files indexed.
func (i *Index) Scan(ctx context.Context, root string) (int, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if path != root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", root, err)
	}

	sem := semaphore.NewWeighted(i.workers)
	group, gctx := errgroup.WithContext(ctx)
	found := make([]engine.LibraryFile, len(paths))
	for idx, path := range paths {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			id, size, err := HashFile(path)
			if err != nil {
				return err
			}
			found[idx] = engine.LibraryFile{ContentID: id, Path: path, Size: size}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", root, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", root, err)
	}

	i.mu.Lock()
	for _, f := range found {
		i.files[f.ContentID] = f
	}
	i.mu.Unlock()
	i.logger.Info("library scanned", "root", root, "files", len(found))
	return len(found), nil
}

// HashFile computes the urn:sha1 content id of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha1.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return SHA1URN(h.Sum(nil)), n, nil
}

// SHA1URN formats a raw SHA-1 digest as urn:sha1:<base32>.
func SHA1URN(sum []byte) string {
	return "urn:sha1:" + base32.StdEncoding.EncodeToString(sum)
}
