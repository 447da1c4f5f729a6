package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"peerstream/internal/journal"
	"peerstream/internal/testsupport/redisstub"
)

func TestRedisStoreAllowPlain(t *testing.T) {
	runRedisStoreScenario(t, false)
}

func TestRedisStoreAllowTLS(t *testing.T) {
	runRedisStoreScenario(t, true)
}

func runRedisStoreScenario(t *testing.T, useTLS bool) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	cfg := redisStoreConfig{
		Addr:     srv.Addr(),
		Password: "secret",
		Timeout:  time.Second,
	}
	if useTLS {
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
			t.Fatalf("write ca: %v", err)
		}
		cfg.TLS = journal.RedisTLSConfig{CAFile: caPath, ServerName: "127.0.0.1"}
	}
	store, err := newRedisStore(cfg)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		allowed, retry, err := store.Allow(ctx, "search:test", 2, 30*time.Second)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("attempt %d unexpected: allowed=%v retry=%v err=%v", i+1, allowed, retry, err)
		}
	}
	allowed, retry, err := store.Allow(ctx, "search:test", 2, 30*time.Second)
	if err != nil {
		t.Fatalf("third allow err: %v", err)
	}
	if allowed {
		t.Fatal("expected throttle on third attempt")
	}
	if retry <= 0 || retry > 30*time.Second {
		t.Fatalf("expected retry within the window, got %v", retry)
	}
}

func TestNewRedisStoreRequiresAddress(t *testing.T) {
	if _, err := newRedisStore(redisStoreConfig{}); err == nil {
		t.Fatal("expected error without address")
	}
}
