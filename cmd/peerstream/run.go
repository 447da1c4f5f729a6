package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"peerstream/internal/api"
	"peerstream/internal/broker"
	"peerstream/internal/config"
	"peerstream/internal/engine/catalog"
	"peerstream/internal/engine/torrent"
	"peerstream/internal/journal"
	"peerstream/internal/library"
	"peerstream/internal/observability/metrics"
	"peerstream/internal/relay"
	"peerstream/internal/server"
	"peerstream/internal/storage"
	"peerstream/internal/stream"
)

// run wires every component, serves until ctx is cancelled and tears the
// components down in reverse dependency order.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.Default()

	store, err := openRepository(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeWith(logger, "storage", func() error { return store.Close(context.Background()) })

	queue, err := openJournal(cfg.Journal, logger)
	if err != nil {
		return err
	}
	defer closeWith(logger, "journal", queue.Close)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		storage.NewWorker(store, queue, logger).Run(workerCtx)
	}()
	defer func() {
		stopWorker()
		workers.Wait()
	}()

	index := library.New(library.Config{Logger: logger, HashWorkers: cfg.Library.HashWorkers})
	if dir := strings.TrimSpace(cfg.Library.Dir); dir != "" {
		go func() {
			n, err := index.Scan(ctx, dir)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("library scan failed", "dir", dir, "error", err)
				return
			}
			logger.Info("library scan finished", "dir", dir, "files", n)
		}()
	}

	manager, err := torrent.New(torrent.Config{
		DataDir:           cfg.Torrent.DataDir,
		ListenPort:        cfg.Torrent.ListenPort,
		NoUpload:          cfg.Torrent.NoUpload,
		Seed:              cfg.Torrent.Seed,
		DownloadRateLimit: cfg.Torrent.DownloadRateLimit,
		UploadRateLimit:   cfg.Torrent.UploadRateLimit,
		Library:           index,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("start torrent engine: %w", err)
	}
	defer closeWith(logger, "torrent", manager.Close)

	var entries []catalog.Entry
	if path := strings.TrimSpace(cfg.Catalog.Path); path != "" {
		entries, err = catalog.LoadEntries(path)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
	}
	searches := catalog.New(catalog.Config{
		Entries:    entries,
		BatchSize:  cfg.Catalog.BatchSize,
		BatchDelay: cfg.Catalog.BatchDelay,
		MaxResults: cfg.Catalog.MaxResults,
		Logger:     logger,
	})

	b := broker.New(broker.Config{
		Logger:      logger,
		Metrics:     recorder,
		QueueSize:   cfg.Broker.QueueSize,
		SendTimeout: cfg.Broker.SendTimeout,
		Journal:     queue,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeWith(logger, "broker", func() error { return b.Close(shutdownCtx) })
	}()

	downloads := relay.NewDownloadBridge(relay.DownloadBridgeConfig{
		Manager:          manager,
		Publisher:        b,
		Logger:           logger,
		Metrics:          recorder,
		ProgressInterval: cfg.Broker.ProgressInterval,
	})
	downloads.Start()
	defer downloads.Close()

	results := relay.NewSearchBridge(relay.SearchBridgeConfig{
		Publisher: b,
		Searches:  searches,
		Library:   index,
		Logger:    logger,
		Metrics:   recorder,
	})
	results.Start()
	defer results.Close()

	dispatcher := relay.NewDispatcher(relay.DispatcherConfig{
		Broker:    b,
		Downloads: manager,
		Searches:  searches,
		Bridge:    results,
		Snapshots: store,
		Logger:    logger,
	})

	streamer := stream.New(stream.Config{
		Library:       index,
		Downloads:     manager,
		Searches:      searches,
		Logger:        logger,
		Metrics:       recorder,
		PollInterval:  cfg.Stream.PollInterval,
		ReadyAttempts: cfg.Stream.ReadyAttempts,
		MinChunk:      cfg.Stream.MinChunk,
		ChunkSize:     cfg.Stream.ChunkSize,
	})

	push := api.NewPushHandler(api.PushConfig{
		Clients:        b,
		Commands:       dispatcher,
		Logger:         logger,
		Metrics:        recorder,
		AllowedOrigins: cfg.AllowedOrigins,
		WriteTimeout:   cfg.Push.WriteTimeout,
		PongTimeout:    cfg.Push.PongTimeout,
		PingInterval:   cfg.Push.PingInterval,
	})

	handler := &api.Handler{
		Downloads: dispatcher,
		Searches:  dispatcher,
		Results:   store,
		Engine:    manager,
		Control:   manager,
		Health:    healthChecks(store),
		Logger:    logger,
	}

	srv, err := server.New(server.Routes{API: handler, Push: push, Stream: streamer}, server.Config{
		Addr:            cfg.Addr,
		TLS:             server.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		CORS:            server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
		RateLimit:       rateLimitConfig(cfg.RateLimit),
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: cfg.ShutdownTimeout,
		RequestGrace:    cfg.RequestGrace,
	})
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}
	return srv.Run(ctx, nil)
}

func openRepository(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.Driver {
	case "postgres":
		repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:                 cfg.Postgres.DSN,
			MaxConnections:      cfg.Postgres.MaxConns,
			MinConnections:      cfg.Postgres.MinConns,
			MaxConnLifetime:     cfg.Postgres.MaxConnLifetime,
			MaxConnIdleTime:     cfg.Postgres.MaxConnIdle,
			HealthCheckInterval: cfg.Postgres.HealthInterval,
			AcquireTimeout:      cfg.Postgres.AcquireTimeout,
			ApplicationName:     cfg.Postgres.AppName,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres repository: %w", err)
		}
		logger.Info("using postgres snapshot storage")
		return repo, nil
	default:
		repo, err := storage.NewJSONRepository(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open json repository: %w", err)
		}
		logger.Info("using json snapshot storage", "path", cfg.Path)
		return repo, nil
	}
}

func openJournal(cfg config.JournalConfig, logger *slog.Logger) (journal.Queue, error) {
	if cfg.Driver != "redis" {
		return journal.NewMemoryQueue(cfg.Buffer), nil
	}
	queue, err := journal.NewRedisQueue(journal.RedisQueueConfig{
		Addr:         cfg.RedisAddr,
		Addrs:        cfg.RedisAddrs,
		Username:     cfg.RedisUser,
		Password:     cfg.RedisPass,
		MasterName:   cfg.RedisMaster,
		Stream:       cfg.RedisStream,
		Group:        cfg.RedisGroup,
		MaxLen:       cfg.RedisMaxLen,
		Buffer:       cfg.Buffer,
		DialTimeout:  cfg.RedisTimeout,
		ReadTimeout:  cfg.RedisTimeout,
		WriteTimeout: cfg.RedisTimeout,
		Logger:       logger,
		TLS:          redisTLS(cfg.RedisTLS),
	})
	if err != nil {
		return nil, fmt.Errorf("open redis journal: %w", err)
	}
	return queue, nil
}

func healthChecks(store storage.Repository) map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{}
	if pg, ok := store.(*storage.PostgresRepository); ok {
		checks["storage"] = func(ctx context.Context) error { return pg.Pool().Ping(ctx) }
	}
	return checks
}

func rateLimitConfig(cfg config.RateLimitConfig) server.RateLimitConfig {
	return server.RateLimitConfig{
		GlobalRPS:     cfg.GlobalRPS,
		GlobalBurst:   cfg.GlobalBurst,
		SearchLimit:   cfg.SearchLimit,
		SearchWindow:  cfg.SearchWindow,
		RedisAddr:     cfg.RedisAddr,
		RedisUsername: cfg.RedisUsername,
		RedisPassword: cfg.RedisPassword,
		RedisTimeout:  cfg.RedisTimeout,
		RedisTLS:      redisTLS(cfg.RedisTLS),
	}
}

func redisTLS(cfg config.TLSConfig) journal.RedisTLSConfig {
	return journal.RedisTLSConfig{
		CAFile:             cfg.CAFile,
		CertFile:           cfg.CertFile,
		KeyFile:            cfg.KeyFile,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.SkipVerify,
	}
}
