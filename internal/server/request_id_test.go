package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"peerstream/internal/observability/logging"
)

func TestRequestIDMiddlewareAnnotatesContextAndHeaders(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		contentID, _ := logging.ContentIDFromContext(r.Context())
		if contentID != "urn:btih:abc" {
			t.Fatalf("expected content id \"urn:btih:abc\", got %q", contentID)
		}
		if logging.LoggerFromContext(r.Context()) == nil {
			t.Fatal("expected logger on context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stream/urn:btih:abc", nil)
	req.Header.Set("X-Request-Id", "incoming")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestContentIDFromRequest(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/api/stream?contentId=urn:btih:q":  "urn:btih:q",
		"/api/stream/urn:btih:p":            "urn:btih:p",
		"/api/downloads/urn:btih:d":         "urn:btih:d",
		"/api/searches/query-1/results":     "",
		"/api/downloads":                    "",
		"/api/stream/urn:btih:p/unexpected": "",
	}
	for target, want := range cases {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if got := contentIDFromRequest(req); got != want {
			t.Fatalf("%s: expected %q, got %q", target, want, got)
		}
	}
}

func TestRequestLoggerEmitsRequestMetadata(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logged := logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true})
	handlerChain := requestIDMiddlewareWithGenerator(logger, func() string { return "generated-id" }, logged(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/downloads/urn:btih:abc", nil)
	handlerChain.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if payload["request_id"] != "generated-id" {
		t.Fatalf("expected request_id to be propagated, got %v", payload["request_id"])
	}
	if payload["content_id"] != "urn:btih:abc" {
		t.Fatalf("expected content_id to be propagated, got %v", payload["content_id"])
	}
	if payload["status"] != float64(http.StatusNoContent) {
		t.Fatalf("expected status 204, got %v", payload["status"])
	}
}
