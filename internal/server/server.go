package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"peerstream/internal/api"
	"peerstream/internal/observability/logging"
	"peerstream/internal/observability/metrics"
	"peerstream/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr            string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	CORS            CORSConfig
	Security        SecurityConfig
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	ShutdownTimeout time.Duration
	// RequestGrace bounds how long open streams survive shutdown.
	RequestGrace time.Duration
}

// Routes are the handlers mounted by the server. API is required; Push and
// Stream are mounted when set.
type Routes struct {
	API    *api.Handler
	Push   http.Handler
	Stream http.Handler
}

type Server struct {
	httpServer      *http.Server
	handler         http.Handler
	logger          *slog.Logger
	metrics         *metrics.Recorder
	rateLimiter     *rateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
	requestGrace    time.Duration
	drainers        []serverutil.Drainer
}

func New(routes Routes, cfg Config) (*Server, error) {
	if routes.API == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", routes.API.Healthz)
	mux.Handle("GET /metrics", recorder.Handler())
	mux.HandleFunc("GET /api/downloads", routes.API.ListDownloads)
	mux.HandleFunc("GET /api/downloads/{contentId}", routes.API.GetDownload)
	mux.HandleFunc("DELETE /api/downloads/{contentId}", routes.API.RemoveDownload)
	mux.HandleFunc("POST /api/downloads/{contentId}/pause", routes.API.PauseDownload)
	mux.HandleFunc("POST /api/downloads/{contentId}/resume", routes.API.ResumeDownload)
	mux.HandleFunc("POST /api/searches", routes.API.CreateSearch)
	mux.HandleFunc("DELETE /api/searches/{queryId}", routes.API.StopSearch)
	mux.HandleFunc("GET /api/searches/{queryId}/results", routes.API.ListResults)
	if routes.Push != nil {
		mux.Handle("GET /api/push", routes.Push)
	}
	if routes.Stream != nil {
		mux.Handle("GET /api/stream", routes.Stream)
		mux.Handle("GET /api/stream/{contentId}", routes.Stream)
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
		DisableRemoteAddr: true,
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	// No WriteTimeout: progressive streams and push sessions outlive any
	// fixed bound.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:      httpServer,
		handler:         handlerChain,
		logger:          logger,
		metrics:         recorder,
		rateLimiter:     rl,
		tls:             TLSConfig{CertFile: strings.TrimSpace(cfg.TLS.CertFile), KeyFile: strings.TrimSpace(cfg.TLS.KeyFile)},
		shutdownTimeout: cfg.ShutdownTimeout,
		requestGrace:    cfg.RequestGrace,
	}
	if d, ok := routes.Push.(serverutil.Drainer); ok {
		srv.drainers = append(srv.drainers, d)
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. ready is
// closed once the listener is bound and may be nil.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	defer func() {
		if err := s.rateLimiter.Close(context.Background()); err != nil {
			s.logger.Warn("close rate limiter", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", s.httpServer.Addr, "tls", s.tls.CertFile != "")
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tls.CertFile, KeyFile: s.tls.KeyFile},
		ShutdownTimeout: s.shutdownTimeout,
		RequestGrace:    s.requestGrace,
		Drainers:        s.drainers,
		Ready:           ready,
		Logger:          s.logger,
	})
}

// rateLimitMiddleware leaves health and metrics scrapes unthrottled.
func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/searches" {
			allowed, retryAfter, err := rl.AllowSearch(r.Context(), extractClientIP(r))
			if err != nil {
				logging.WithContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					seconds := int((retryAfter + time.Second - 1) / time.Second)
					w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many searches")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
