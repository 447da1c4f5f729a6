package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peerstream/internal/models"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	// SkipMigrations leaves the schema untouched on open.
	SkipMigrations bool
}

// PostgresRepository stores records in Postgres.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewPostgresRepository opens a pool and applies pending migrations unless
// the config says otherwise.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if !cfg.SkipMigrations {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &PostgresRepository{pool: pool, acquireTimeout: cfg.AcquireTimeout}, nil
}

// withConn runs fn on a pooled connection, bounding the acquire wait.
func (r *PostgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	acquireCtx := ctx
	if r.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

const upsertDownloadSQL = `INSERT INTO downloads (content_id, title, state, current_bytes, total_bytes, percent_complete, download_speed, source_count, remaining_seconds, file_name, observed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (content_id) DO UPDATE SET
    title = EXCLUDED.title,
    state = EXCLUDED.state,
    current_bytes = EXCLUDED.current_bytes,
    total_bytes = EXCLUDED.total_bytes,
    percent_complete = EXCLUDED.percent_complete,
    download_speed = EXCLUDED.download_speed,
    source_count = EXCLUDED.source_count,
    remaining_seconds = EXCLUDED.remaining_seconds,
    file_name = EXCLUDED.file_name,
    observed_at = EXCLUDED.observed_at
WHERE downloads.observed_at <= EXCLUDED.observed_at`

func (r *PostgresRepository) UpsertDownload(ctx context.Context, record models.DownloadRecord) error {
	if err := validateDownload(record); err != nil {
		return err
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, upsertDownloadSQL, downloadArgs(record)...); err != nil {
			return fmt.Errorf("upsert download %s: %w", record.ContentID, err)
		}
		return nil
	})
}

func downloadArgs(record models.DownloadRecord) []any {
	observed := record.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	return []any{
		record.ContentID,
		record.Title,
		string(record.State),
		record.CurrentBytes,
		record.TotalBytes,
		record.PercentComplete,
		record.DownloadSpeed,
		record.SourceCount,
		int64(record.RemainingTime / time.Second),
		record.FileName,
		observed.UTC(),
	}
}

const selectDownloadColumns = `SELECT content_id, title, state, current_bytes, total_bytes, percent_complete, download_speed, source_count, remaining_seconds, file_name, observed_at FROM downloads`

func scanDownload(row pgx.Row) (models.DownloadRecord, error) {
	var (
		record    models.DownloadRecord
		state     string
		remaining int64
	)
	err := row.Scan(
		&record.ContentID,
		&record.Title,
		&state,
		&record.CurrentBytes,
		&record.TotalBytes,
		&record.PercentComplete,
		&record.DownloadSpeed,
		&record.SourceCount,
		&remaining,
		&record.FileName,
		&record.ObservedAt,
	)
	if err != nil {
		return models.DownloadRecord{}, err
	}
	record.State = models.DownloadState(state)
	record.RemainingTime = time.Duration(remaining) * time.Second
	record.ObservedAt = record.ObservedAt.UTC()
	return record, nil
}

func (r *PostgresRepository) GetDownload(ctx context.Context, contentID string) (models.DownloadRecord, bool, error) {
	var (
		record models.DownloadRecord
		found  bool
	)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		record, err = scanDownload(conn.QueryRow(ctx, selectDownloadColumns+" WHERE content_id = $1", contentID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get download %s: %w", contentID, err)
		}
		found = true
		return nil
	})
	return record, found, err
}

func (r *PostgresRepository) ListDownloads(ctx context.Context) ([]models.DownloadRecord, error) {
	var out []models.DownloadRecord
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, selectDownloadColumns+" ORDER BY content_id")
		if err != nil {
			return fmt.Errorf("list downloads: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			record, err := scanDownload(rows)
			if err != nil {
				return fmt.Errorf("scan download: %w", err)
			}
			out = append(out, record)
		}
		return rows.Err()
	})
	return out, err
}

const insertResultSQL = `INSERT INTO search_results (query_id, content_id, record, received_at) VALUES ($1, $2, $3, $4)`

const deleteQueryResultsSQL = `DELETE FROM search_results WHERE query_id = $1`

func (r *PostgresRepository) AppendSearchResult(ctx context.Context, record models.SearchResultRecord) error {
	if err := validateResult(record); err != nil {
		return err
	}
	args, err := resultArgs(record)
	if err != nil {
		return err
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, insertResultSQL, args...); err != nil {
			return fmt.Errorf("append result %s/%s: %w", record.QueryID, record.ContentID, err)
		}
		return nil
	})
}

func resultArgs(record models.SearchResultRecord) ([]any, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode result %s: %w", record.ContentID, err)
	}
	received := record.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	return []any{record.QueryID, record.ContentID, payload, received.UTC()}, nil
}

func (r *PostgresRepository) ListSearchResults(ctx context.Context, queryID string, limit int) ([]models.SearchResultRecord, error) {
	query := "SELECT record FROM search_results WHERE query_id = $1 ORDER BY seq"
	args := []any{queryID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	var out []models.SearchResultRecord
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list results %s: %w", queryID, err)
		}
		defer rows.Close()
		for rows.Next() {
			var payload []byte
			if err := rows.Scan(&payload); err != nil {
				return fmt.Errorf("scan result: %w", err)
			}
			var record models.SearchResultRecord
			if err := json.Unmarshal(payload, &record); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			out = append(out, record)
		}
		return rows.Err()
	})
	return out, err
}

// Close releases the pool, giving up when ctx ends first.
func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Pool exposes the underlying pool for verification queries.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) importSnapshot(ctx context.Context, snapshot Snapshot) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin snapshot transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		batch := &pgx.Batch{}
		for _, record := range snapshot.Downloads {
			if err := validateDownload(record); err != nil {
				return err
			}
			batch.Queue(upsertDownloadSQL, downloadArgs(record)...)
		}
		queryIDs := make([]string, 0, len(snapshot.Results))
		for id := range snapshot.Results {
			queryIDs = append(queryIDs, id)
		}
		sort.Strings(queryIDs)
		for _, id := range queryIDs {
			batch.Queue(deleteQueryResultsSQL, id)
			for _, record := range snapshot.Results[id] {
				if err := validateResult(record); err != nil {
					return err
				}
				args, err := resultArgs(record)
				if err != nil {
					return err
				}
				batch.Queue(insertResultSQL, args...)
			}
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("import snapshot: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit snapshot import: %w", err)
		}
		return nil
	})
}
