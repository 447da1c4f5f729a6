package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"peerstream/internal/observability/logging"
)

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID, next)
}

// requestIDMiddlewareWithGenerator stores the request id and, for stream
// and download routes, the content id on the request context.
func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = generator()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if contentID := contentIDFromRequest(r); contentID != "" {
			ctx = logging.ContextWithContentID(ctx, contentID)
		}
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// contentIDFromRequest runs before routing, so path values are not yet set.
func contentIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("contentId")); id != "" {
		return id
	}
	for _, prefix := range []string{"/api/stream/", "/api/downloads/"} {
		if rest, ok := strings.CutPrefix(r.URL.Path, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			return rest
		}
	}
	return ""
}

func newRequestID() string {
	return uuid.NewString()
}
