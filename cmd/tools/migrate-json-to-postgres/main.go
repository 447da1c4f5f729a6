// Command migrate-json-to-postgres copies a JSON snapshot store into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"peerstream/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/peerstream.json", "path to the JSON snapshot store to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("PEERSTREAM_STORAGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, PEERSTREAM_STORAGE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "downloads", counts.Downloads, "queries", counts.Queries, "results", counts.Results)

	ctx := context.Background()
	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: dsn, ApplicationName: "peerstream-migrate"})
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() { _ = repo.Close(context.Background()) }()

	if err := storage.Import(ctx, repo, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(ctx, repo.Pool(), counts); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "downloads", counts.Downloads, "queries", counts.Queries, "results", counts.Results)
}

// verifyCounts expects an empty target. Rows that existed before the import
// show up as a mismatch.
func verifyCounts(ctx context.Context, pool *pgxpool.Pool, counts storage.SnapshotCounts) error {
	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"downloads", "SELECT COUNT(*) FROM downloads", counts.Downloads},
		{"queries", "SELECT COUNT(DISTINCT query_id) FROM search_results", counts.Queries},
		{"search_results", "SELECT COUNT(*) FROM search_results", counts.Results},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual != check.expected {
			return fmt.Errorf("mismatch for %s: expected %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
