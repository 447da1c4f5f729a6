package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"peerstream/internal/models"
)

// runRepositoryScenarios exercises behaviour every Repository must share.
func runRepositoryScenarios(t *testing.T, open func(t *testing.T) Repository) {
	t.Run("upsert keeps newest observation", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

		newer := models.DownloadRecord{ContentID: "urn:btih:aa", Title: "Film", State: models.DownloadStateDownloading, CurrentBytes: 50, TotalBytes: 100, PercentComplete: 50, RemainingTime: 30 * time.Second, ObservedAt: base.Add(time.Minute)}
		older := newer
		older.CurrentBytes = 10
		older.ObservedAt = base

		if err := repo.UpsertDownload(ctx, newer); err != nil {
			t.Fatalf("upsert newer: %v", err)
		}
		if err := repo.UpsertDownload(ctx, older); err != nil {
			t.Fatalf("upsert older: %v", err)
		}
		got, ok, err := repo.GetDownload(ctx, "urn:btih:aa")
		if err != nil || !ok {
			t.Fatalf("get download: ok=%v err=%v", ok, err)
		}
		if got.CurrentBytes != 50 || got.RemainingTime != 30*time.Second || got.State != models.DownloadStateDownloading {
			t.Fatalf("unexpected record: %+v", got)
		}
		if !got.ObservedAt.Equal(newer.ObservedAt) {
			t.Fatalf("expected observedAt %v, got %v", newer.ObservedAt, got.ObservedAt)
		}
	})

	t.Run("missing download", func(t *testing.T) {
		repo := open(t)
		_, ok, err := repo.GetDownload(context.Background(), "urn:btih:none")
		if err != nil || ok {
			t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("list downloads sorted", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		for _, id := range []string{"urn:btih:bb", "urn:btih:aa"} {
			if err := repo.UpsertDownload(ctx, models.DownloadRecord{ContentID: id, State: models.DownloadStateCompleted, ObservedAt: time.Now()}); err != nil {
				t.Fatalf("upsert %s: %v", id, err)
			}
		}
		list, err := repo.ListDownloads(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].ContentID != "urn:btih:aa" || list[1].ContentID != "urn:btih:bb" {
			t.Fatalf("unexpected list: %+v", list)
		}
	})

	t.Run("results are append-only in arrival order", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b", "a"} {
			record := models.SearchResultRecord{QueryID: "q1", ContentID: id, FileName: id + ".mp4", ReceivedAt: time.Now()}
			if err := repo.AppendSearchResult(ctx, record); err != nil {
				t.Fatalf("append %s: %v", id, err)
			}
		}
		results, err := repo.ListSearchResults(ctx, "q1", 0)
		if err != nil {
			t.Fatalf("list results: %v", err)
		}
		var ids []string
		for _, r := range results {
			ids = append(ids, r.ContentID)
		}
		if strings.Join(ids, ",") != "c,a,b,a" {
			t.Fatalf("unexpected order: %v", ids)
		}
		limited, err := repo.ListSearchResults(ctx, "q1", 2)
		if err != nil || len(limited) != 2 {
			t.Fatalf("expected 2 limited results, got %d (%v)", len(limited), err)
		}
		other, err := repo.ListSearchResults(ctx, "q2", 0)
		if err != nil || len(other) != 0 {
			t.Fatalf("expected no results for q2, got %d (%v)", len(other), err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		repo := open(t)
		ctx := context.Background()
		if err := repo.UpsertDownload(ctx, models.DownloadRecord{}); err != ErrContentIDRequired {
			t.Fatalf("expected ErrContentIDRequired, got %v", err)
		}
		if err := repo.AppendSearchResult(ctx, models.SearchResultRecord{ContentID: "x"}); err != ErrQueryIDRequired {
			t.Fatalf("expected ErrQueryIDRequired, got %v", err)
		}
	})
}
