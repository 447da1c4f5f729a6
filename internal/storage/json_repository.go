package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"peerstream/internal/models"
)

type dataset struct {
	Downloads map[string]models.DownloadRecord       `json:"downloads"`
	Results   map[string][]models.SearchResultRecord `json:"results"`
}

func newDataset() dataset {
	return dataset{
		Downloads: make(map[string]models.DownloadRecord),
		Results:   make(map[string][]models.SearchResultRecord),
	}
}

// JSONRepository keeps everything in memory and rewrites a JSON file after
// every change.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewJSONRepository opens the JSON-backed datastore at path, creating it on
// first write.
func NewJSONRepository(path string) (*JSONRepository, error) {
	repo := &JSONRepository{filePath: path}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *JSONRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		r.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&r.data); err != nil {
		if errors.Is(err, io.EOF) {
			r.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if r.data.Downloads == nil {
		r.data.Downloads = make(map[string]models.DownloadRecord)
	}
	if r.data.Results == nil {
		r.data.Results = make(map[string][]models.SearchResultRecord)
	}
	return nil
}

func (r *JSONRepository) persistLocked() error {
	if r.persistOverride != nil {
		if err := r.persistOverride(r.data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (r *JSONRepository) UpsertDownload(_ context.Context, record models.DownloadRecord) error {
	if err := validateDownload(record); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, exists := r.data.Downloads[record.ContentID]
	if exists && previous.ObservedAt.After(record.ObservedAt) {
		return nil
	}
	r.data.Downloads[record.ContentID] = record
	if err := r.persistLocked(); err != nil {
		if exists {
			r.data.Downloads[record.ContentID] = previous
		} else {
			delete(r.data.Downloads, record.ContentID)
		}
		return err
	}
	return nil
}

func (r *JSONRepository) GetDownload(_ context.Context, contentID string) (models.DownloadRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.data.Downloads[contentID]
	return record, ok, nil
}

func (r *JSONRepository) ListDownloads(_ context.Context) ([]models.DownloadRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DownloadRecord, 0, len(r.data.Downloads))
	for _, record := range r.data.Downloads {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentID < out[j].ContentID })
	return out, nil
}

func (r *JSONRepository) AppendSearchResult(_ context.Context, record models.SearchResultRecord) error {
	if err := validateResult(record); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.data.Results[record.QueryID]
	r.data.Results[record.QueryID] = append(existing, record)
	if err := r.persistLocked(); err != nil {
		if len(existing) == 0 {
			delete(r.data.Results, record.QueryID)
		} else {
			r.data.Results[record.QueryID] = existing
		}
		return err
	}
	return nil
}

func (r *JSONRepository) ListSearchResults(_ context.Context, queryID string, limit int) ([]models.SearchResultRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.data.Results[queryID]
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	out := make([]models.SearchResultRecord, len(stored))
	copy(out, stored)
	return out, nil
}

func (r *JSONRepository) Close(context.Context) error {
	return nil
}

// Export returns a copy of the stored data for migration into another
// repository.
func (r *JSONRepository) Export() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := Snapshot{
		Downloads: make([]models.DownloadRecord, 0, len(r.data.Downloads)),
		Results:   make(map[string][]models.SearchResultRecord, len(r.data.Results)),
	}
	for _, record := range r.data.Downloads {
		snapshot.Downloads = append(snapshot.Downloads, record)
	}
	sort.Slice(snapshot.Downloads, func(i, j int) bool {
		return snapshot.Downloads[i].ContentID < snapshot.Downloads[j].ContentID
	})
	for queryID, results := range r.data.Results {
		snapshot.Results[queryID] = append([]models.SearchResultRecord(nil), results...)
	}
	return snapshot
}
