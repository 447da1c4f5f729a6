package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key served when both are set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Drainer ends long-lived work that http.Server.Shutdown neither waits for
// nor closes, such as hijacked WebSocket connections.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Config controls how Run serves and shuts down.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// RequestGrace is how long in-flight requests, progressive streams
	// included, may keep running after shutdown starts before their
	// contexts are cancelled. Zero means half of ShutdownTimeout. It has no
	// effect when Server.BaseContext is already set.
	RequestGrace time.Duration
	// Drainers run in order, before the listener closes.
	Drainers []Drainer
	// Ready is closed once the listener is bound. Server.Addr is rewritten
	// to the bound address first, so ":0" resolves to the real port.
	Ready  chan<- struct{}
	Logger *slog.Logger
}

const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or the server fails. On cancellation it
// drains, gives in-flight requests RequestGrace to finish, cancels the rest
// and waits for Shutdown within ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	grace := cfg.RequestGrace
	if grace <= 0 || grace > timeout {
		grace = timeout / 2
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}

	requests, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	if cfg.Server.BaseContext == nil {
		cfg.Server.BaseContext = func(net.Listener) context.Context { return requests }
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}
	served := make(chan error, 1)
	go func() { served <- cfg.Server.Serve(ln) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server", "addr", cfg.Server.Addr, "timeout", timeout, "request_grace", grace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, d := range cfg.Drainers {
		if err := d.Drain(shutdownCtx); err != nil {
			logger.Warn("drain failed", "error", err)
		}
	}
	cutoff := time.AfterFunc(grace, func() {
		logger.Info("cancelling in-flight requests", "after", grace)
		cancelRequests()
	})
	defer cutoff.Stop()

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)
	select {
	case err := <-served:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return shutdownErr
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
}

// listen binds srv.Addr, wrapping the listener in TLS when configured, and
// records the bound address on srv.
func listen(srv *http.Server, certs TLSConfig) (net.Listener, error) {
	var pair tls.Certificate
	if certs.CertFile != "" {
		var err error
		pair, err = tls.LoadX509KeyPair(certs.CertFile, certs.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	srv.Addr = ln.Addr().String()
	if certs.CertFile == "" {
		return ln, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if srv.TLSConfig != nil {
		tlsCfg = srv.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{pair}, tlsCfg.Certificates...)
	srv.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
