package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"peerstream/internal/broker"
	"peerstream/internal/models"
	"peerstream/internal/relay"
	"peerstream/internal/storage"
	"peerstream/internal/testsupport/enginestub"
)

func newTestMux(t *testing.T) (*http.ServeMux, *enginestub.Manager, *storage.JSONRepository) {
	t.Helper()
	b := broker.New(broker.Config{})
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	manager := enginestub.NewManager()
	searches := enginestub.NewSearchService()
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	dispatcher := relay.NewDispatcher(relay.DispatcherConfig{
		Broker:    b,
		Downloads: manager,
		Searches:  searches,
		Bridge:    relay.NewSearchBridge(relay.SearchBridgeConfig{Publisher: b}),
		Snapshots: repo,
	})
	h := &Handler{
		Downloads: dispatcher,
		Searches:  dispatcher,
		Results:   repo,
		Engine:    manager,
		Control:   manager,
		Health: map[string]HealthCheck{
			"broker": func(context.Context) error { return nil },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/downloads", h.ListDownloads)
	mux.HandleFunc("GET /api/downloads/{contentId}", h.GetDownload)
	mux.HandleFunc("DELETE /api/downloads/{contentId}", h.RemoveDownload)
	mux.HandleFunc("POST /api/downloads/{contentId}/pause", h.PauseDownload)
	mux.HandleFunc("POST /api/downloads/{contentId}/resume", h.ResumeDownload)
	mux.HandleFunc("POST /api/searches", h.CreateSearch)
	mux.HandleFunc("DELETE /api/searches/{queryId}", h.StopSearch)
	mux.HandleFunc("GET /api/searches/{queryId}/results", h.ListResults)
	mux.HandleFunc("GET /healthz", h.Healthz)
	return mux, manager, repo
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGetDownloadLiveAndStored(t *testing.T) {
	mux, manager, repo := newTestMux(t)
	manager.Add(enginestub.NewDownload("urn:btih:live", "Live", 10))
	if err := repo.UpsertDownload(context.Background(), models.DownloadRecord{ContentID: "urn:btih:gone", State: models.DownloadStateRemoved, ObservedAt: time.Now()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := serve(mux, http.MethodGet, "/api/downloads/urn:btih:live", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var live models.DownloadRecord
	if err := json.NewDecoder(rec.Body).Decode(&live); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if live.Title != "Live" {
		t.Fatalf("unexpected live record: %+v", live)
	}

	rec = serve(mux, http.MethodGet, "/api/downloads/urn:btih:gone", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"removed"`) {
		t.Fatalf("expected stored record, got %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(mux, http.MethodGet, "/api/downloads/urn:btih:none", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListDownloads(t *testing.T) {
	mux, manager, _ := newTestMux(t)
	manager.Add(enginestub.NewDownload("urn:btih:a", "A", 1))
	manager.Add(enginestub.NewDownload("urn:btih:b", "B", 1))

	rec := serve(mux, http.MethodGet, "/api/downloads", "")
	var records []models.DownloadRecord
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestPauseResumeAndRemoveDownload(t *testing.T) {
	mux, manager, _ := newTestMux(t)
	d := enginestub.NewDownload("urn:btih:ctl", "Ctl", 10)
	manager.Add(d)

	if rec := serve(mux, http.MethodPost, "/api/downloads/urn:btih:ctl/pause", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("pause: expected 204, got %d", rec.Code)
	}
	if got := d.State(); got != models.DownloadStatePaused {
		t.Fatalf("expected paused, got %s", got)
	}
	if rec := serve(mux, http.MethodPost, "/api/downloads/urn:btih:ctl/resume", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("resume: expected 204, got %d", rec.Code)
	}
	if got := d.State(); got != models.DownloadStateDownloading {
		t.Fatalf("expected downloading, got %s", got)
	}

	if rec := serve(mux, http.MethodDelete, "/api/downloads/urn:btih:ctl", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("remove: expected 204, got %d", rec.Code)
	}
	if _, ok := manager.Find("urn:btih:ctl"); ok {
		t.Fatal("download still tracked after removal")
	}
	if got := d.State(); got != models.DownloadStateRemoved {
		t.Fatalf("expected removed, got %s", got)
	}

	for _, target := range []string{"/api/downloads/urn:btih:ctl/pause", "/api/downloads/urn:btih:ctl/resume"} {
		if rec := serve(mux, http.MethodPost, target, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, rec.Code)
		}
	}
	if rec := serve(mux, http.MethodDelete, "/api/downloads/urn:btih:ctl", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second remove: expected 404, got %d", rec.Code)
	}
}

func TestDownloadControlUnavailable(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodDelete, "/api/downloads/urn:btih:x", nil)
	req.SetPathValue("contentId", "urn:btih:x")
	rec := httptest.NewRecorder()
	h.RemoveDownload(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestCreateAndStopSearch(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec := serve(mux, http.MethodPost, "/api/searches", `{"text":"jazz"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var ack models.QueryAck
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.QueryID == "" || ack.Text != "jazz" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	rec = serve(mux, http.MethodDelete, "/api/searches/"+ack.QueryID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = serve(mux, http.MethodDelete, "/api/searches/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	for _, body := range []string{`{"text":"  "}`, `{"query":"x"}`, `not json`, `{"text":"a"} {"text":"b"}`} {
		if rec := serve(mux, http.MethodPost, "/api/searches", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestListResults(t *testing.T) {
	mux, _, repo := newTestMux(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := repo.AppendSearchResult(context.Background(), models.SearchResultRecord{QueryID: "q", ContentID: id}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rec := serve(mux, http.MethodGet, "/api/searches/q/results?limit=2", "")
	var results []models.SearchResultRecord
	if err := json.NewDecoder(rec.Body).Decode(&results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 2 || results[0].ContentID != "a" {
		t.Fatalf("unexpected results: %+v", results)
	}

	rec = serve(mux, http.MethodGet, "/api/searches/empty/results", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
	if rec := serve(mux, http.MethodGet, "/api/searches/q/results?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthzReportsDegradedComponents(t *testing.T) {
	h := &Handler{Health: map[string]HealthCheck{
		"journal": func(context.Context) error { return errors.New("redis unreachable") },
		"storage": func(context.Context) error { return nil },
	}}
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || len(resp.Components) != 2 || resp.Components[0].Component != "journal" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestErrorBodyRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusTooManyRequests, errors.New("slow down"))
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store, got %q", got)
	}

	resp := rec.Result()
	defer resp.Body.Close()
	if err := DecodeErrorBody(resp); err == nil || err.Error() != "slow down" {
		t.Fatalf("expected decoded error, got %v", err)
	}

	plain := &http.Response{Status: "502 Bad Gateway", Body: io.NopCloser(strings.NewReader("<html>"))}
	if err := DecodeErrorBody(plain); err == nil || err.Error() != "502 Bad Gateway" {
		t.Fatalf("expected status text, got %v", err)
	}
}
