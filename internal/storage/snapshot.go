package storage

import (
	"context"
	"fmt"

	"peerstream/internal/models"
)

// Snapshot is a complete copy of a repository's contents, used to move data
// between backends.
type Snapshot struct {
	Downloads []models.DownloadRecord                `json:"downloads"`
	Results   map[string][]models.SearchResultRecord `json:"results"`
}

// SnapshotCounts summarises the size of a Snapshot.
type SnapshotCounts struct {
	Downloads int
	Queries   int
	Results   int
}

// Counts reports how many records the snapshot holds.
func (s Snapshot) Counts() SnapshotCounts {
	counts := SnapshotCounts{Downloads: len(s.Downloads), Queries: len(s.Results)}
	for _, results := range s.Results {
		counts.Results += len(results)
	}
	return counts
}

// LoadSnapshotFromJSON reads a JSON datastore without keeping it open.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	repo, err := NewJSONRepository(path)
	if err != nil {
		return Snapshot{}, err
	}
	return repo.Export(), nil
}

// Import writes every record of snapshot into repo. Downloads are upserted.
// Results are appended unless repo can replace each imported query's results
// in one transaction, as Postgres does.
func Import(ctx context.Context, repo Repository, snapshot Snapshot) error {
	if bulk, ok := repo.(interface {
		importSnapshot(context.Context, Snapshot) error
	}); ok {
		return bulk.importSnapshot(ctx, snapshot)
	}
	for _, record := range snapshot.Downloads {
		if err := repo.UpsertDownload(ctx, record); err != nil {
			return fmt.Errorf("import download %s: %w", record.ContentID, err)
		}
	}
	for queryID, results := range snapshot.Results {
		for _, record := range results {
			if err := repo.AppendSearchResult(ctx, record); err != nil {
				return fmt.Errorf("import result %s/%s: %w", queryID, record.ContentID, err)
			}
		}
	}
	return nil
}
