package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeadersMiddlewareUsesDefaults(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/downloads", nil)

	securityHeadersMiddleware(SecurityConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rec, req)

	assertHeaderEquals(t, rec.Result(), "Content-Security-Policy", defaultContentSecurityPolicy)
	assertHeaderEquals(t, rec.Result(), "X-Frame-Options", defaultFrameOptions)
	assertHeaderEquals(t, rec.Result(), "Referrer-Policy", defaultReferrerPolicy)
	assertHeaderEquals(t, rec.Result(), "X-Content-Type-Options", defaultContentTypeOptions)
}

func TestSecurityHeadersCanBeOverridden(t *testing.T) {
	t.Parallel()

	cfg := SecurityConfig{
		ContentSecurityPolicy: "default-src 'self'",
		FrameOptions:          "SAMEORIGIN",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(cfg, http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	res := rec.Result()
	assertHeaderEquals(t, res, "Content-Security-Policy", cfg.ContentSecurityPolicy)
	assertHeaderEquals(t, res, "X-Frame-Options", cfg.FrameOptions)
	assertHeaderEquals(t, res, "Referrer-Policy", cfg.ReferrerPolicy)
	assertHeaderEquals(t, res, "X-Content-Type-Options", defaultContentTypeOptions)
}

func assertHeaderEquals(t *testing.T, res *http.Response, name, want string) {
	t.Helper()
	if got := res.Header.Get(name); got != want {
		t.Fatalf("expected %s %q, got %q", name, want, got)
	}
}
