// Command peerstream serves the push relay, progressive streams and the REST
// API on top of the torrent engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"peerstream/internal/config"
	"peerstream/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerstream: %v\n", err)
		os.Exit(2)
	}
	if err := parseFlags(flag.CommandLine, os.Args[1:], &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "peerstream: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("peerstream stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("peerstream stopped")
}

// parseFlags overrides environment values with command-line flags. Flags
// that are not passed keep the value loaded from the environment.
func parseFlags(fs *flag.FlagSet, args []string, cfg *config.Config) error {
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or text)")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "path to TLS private key file")
	origins := fs.String("allowed-origins", strings.Join(cfg.AllowedOrigins, ","), "comma separated origins allowed for CORS and push")

	fs.StringVar(&cfg.Torrent.DataDir, "data-dir", cfg.Torrent.DataDir, "directory for downloaded content")
	fs.IntVar(&cfg.Torrent.ListenPort, "listen-port", cfg.Torrent.ListenPort, "peer listen port (0 picks one)")
	fs.BoolVar(&cfg.Torrent.NoUpload, "no-upload", cfg.Torrent.NoUpload, "never upload to peers")
	fs.BoolVar(&cfg.Torrent.Seed, "seed", cfg.Torrent.Seed, "keep seeding completed downloads")
	fs.StringVar(&cfg.Catalog.Path, "catalog", cfg.Catalog.Path, "path to the JSON search catalog")
	fs.StringVar(&cfg.Library.Dir, "library-dir", cfg.Library.Dir, "directory of completed files to index at startup")

	fs.StringVar(&cfg.Journal.Driver, "journal-driver", cfg.Journal.Driver, "event journal driver (memory or redis)")
	fs.StringVar(&cfg.Journal.RedisAddr, "journal-redis-addr", cfg.Journal.RedisAddr, "Redis address for the event journal")
	fs.StringVar(&cfg.Storage.Driver, "storage-driver", cfg.Storage.Driver, "snapshot storage driver (json or postgres)")
	fs.StringVar(&cfg.Storage.Path, "data", cfg.Storage.Path, "path to the JSON snapshot store")
	fs.StringVar(&cfg.Storage.Postgres.DSN, "postgres-dsn", cfg.Storage.Postgres.DSN, "Postgres connection string")

	fs.DurationVar(&cfg.Broker.ProgressInterval, "progress-interval", cfg.Broker.ProgressInterval, "minimum spacing of progress snapshots (0 disables them)")
	fs.Float64Var(&cfg.RateLimit.GlobalRPS, "rate-global-rps", cfg.RateLimit.GlobalRPS, "global request rate limit in requests per second")
	fs.IntVar(&cfg.RateLimit.GlobalBurst, "rate-global-burst", cfg.RateLimit.GlobalBurst, "global rate limit burst allowance")
	fs.IntVar(&cfg.RateLimit.SearchLimit, "rate-search-limit", cfg.RateLimit.SearchLimit, "searches per window for a single client address")
	fs.StringVar(&cfg.RateLimit.RedisAddr, "rate-redis-addr", cfg.RateLimit.RedisAddr, "Redis address for shared search throttling")

	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.AllowedOrigins = splitList(*origins)
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	return cfg.Validate()
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func closeWith(logger *slog.Logger, name string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn("close failed", "component", name, "error", err)
	}
}
