package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"peerstream/internal/engine"
	"peerstream/internal/models"
	"peerstream/internal/observability/logging"
	"peerstream/internal/relay"
)

// Downloads resolves download records, live or stored.
type Downloads interface {
	Download(ctx context.Context, contentID string) (models.DownloadRecord, error)
}

// Searches starts and stops queries outside a push session.
type Searches interface {
	Search(ctx context.Context, clientID, requestID, text string) (models.QueryAck, error)
	StopSearch(queryID string) error
}

// DownloadControl changes the lifecycle of engine downloads.
type DownloadControl interface {
	Pause(contentID string) error
	Resume(contentID string) error
	Remove(contentID string) error
}

// ResultStore lists stored search results.
type ResultStore interface {
	ListSearchResults(ctx context.Context, queryID string, limit int) ([]models.SearchResultRecord, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler serves the REST endpoints.
type Handler struct {
	Downloads Downloads
	Searches  Searches
	Results   ResultStore
	// Engine lists live downloads. Optional.
	Engine engine.DownloadManager
	// Control pauses, resumes and removes downloads. Without it those
	// routes answer 501.
	Control DownloadControl
	Health  map[string]HealthCheck
	Logger  *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return logging.WithComponent(slog.Default(), "api")
	}
	return h.Logger
}

// ListDownloads handles GET /api/downloads.
func (h *Handler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		writeJSON(w, http.StatusOK, []models.DownloadRecord{})
		return
	}
	live := h.Engine.Downloads()
	records := make([]models.DownloadRecord, 0, len(live))
	for _, d := range live {
		records = append(records, d.Snapshot())
	}
	writeJSON(w, http.StatusOK, records)
}

// GetDownload handles GET /api/downloads/{contentId}.
func (h *Handler) GetDownload(w http.ResponseWriter, r *http.Request) {
	contentID := strings.TrimSpace(r.PathValue("contentId"))
	if contentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("contentId is required"))
		return
	}
	record, err := h.Downloads.Download(r.Context(), contentID)
	if errors.Is(err, relay.ErrDownloadNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		logging.WithContext(r.Context(), h.logger()).Error("load download failed", "content_id", contentID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to load download"))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// PauseDownload handles POST /api/downloads/{contentId}/pause.
func (h *Handler) PauseDownload(w http.ResponseWriter, r *http.Request) {
	h.controlDownload(w, r, "pause", func(c DownloadControl, id string) error { return c.Pause(id) })
}

// ResumeDownload handles POST /api/downloads/{contentId}/resume.
func (h *Handler) ResumeDownload(w http.ResponseWriter, r *http.Request) {
	h.controlDownload(w, r, "resume", func(c DownloadControl, id string) error { return c.Resume(id) })
}

// RemoveDownload handles DELETE /api/downloads/{contentId}. The engine
// publishes the final Removed snapshot.
func (h *Handler) RemoveDownload(w http.ResponseWriter, r *http.Request) {
	h.controlDownload(w, r, "remove", func(c DownloadControl, id string) error { return c.Remove(id) })
}

func (h *Handler) controlDownload(w http.ResponseWriter, r *http.Request, action string, fn func(DownloadControl, string) error) {
	if h.Control == nil {
		writeError(w, http.StatusNotImplemented, errors.New("download control is not available"))
		return
	}
	contentID := strings.TrimSpace(r.PathValue("contentId"))
	if contentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("contentId is required"))
		return
	}
	if err := fn(h.Control, contentID); err != nil {
		if errors.Is(err, engine.ErrUnknownDownload) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		logging.WithContext(r.Context(), h.logger()).Error("download "+action+" failed", "content_id", contentID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to %s download", action))
		return
	}
	logging.WithContext(r.Context(), h.logger()).Info("download "+action, "content_id", contentID)
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Text string `json:"text"`
}

// CreateSearch handles POST /api/searches. Results are only observable by
// subscribing to the returned query id.
func (h *Handler) CreateSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	ack, err := h.Searches.Search(r.Context(), "", "", req.Text)
	if errors.Is(err, relay.ErrQueryTextRequired) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		logging.WithContext(r.Context(), h.logger()).Error("create search failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to start search"))
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

// StopSearch handles DELETE /api/searches/{queryId}.
func (h *Handler) StopSearch(w http.ResponseWriter, r *http.Request) {
	queryID := strings.TrimSpace(r.PathValue("queryId"))
	if err := h.Searches.StopSearch(queryID); err != nil {
		if errors.Is(err, engine.ErrQueryNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListResults handles GET /api/searches/{queryId}/results?limit=N.
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	queryID := strings.TrimSpace(r.PathValue("queryId"))
	if queryID == "" {
		writeError(w, http.StatusBadRequest, errors.New("queryId is required"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	if h.Results == nil {
		writeJSON(w, http.StatusOK, []models.SearchResultRecord{})
		return
	}
	results, err := h.Results.ListSearchResults(r.Context(), queryID, limit)
	if err != nil {
		logging.WithContext(r.Context(), h.logger()).Error("list results failed", "query_id", queryID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to list results"))
		return
	}
	if results == nil {
		results = []models.SearchResultRecord{}
	}
	writeJSON(w, http.StatusOK, results)
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	components, overall, code := h.componentHealth(ctx)
	writeJSON(w, code, healthResponse{Status: overall, Components: components, CheckedAt: time.Now().UTC()})
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	names := make([]string, 0, len(h.Health))
	for name := range h.Health {
		names = append(names, name)
	}
	sort.Strings(names)
	components := make([]componentStatus, 0, len(names))
	for _, name := range names {
		status := componentStatus{Component: name, Status: "ok"}
		if err := h.Health[name](ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	return components, overallStatus, statusCode
}
