// Package config reads the peerstream runtime configuration from PEERSTREAM_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable name declared below.
const EnvPrefix = "PEERSTREAM_"

// Config is the complete runtime configuration of cmd/peerstream.
type Config struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestGrace    time.Duration `env:"REQUEST_GRACE" envDefault:"5s"`
	TLSCertFile     string        `env:"TLS_CERT"`
	TLSKeyFile      string        `env:"TLS_KEY"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`

	Broker    BrokerConfig    `envPrefix:"BROKER_"`
	Push      PushConfig      `envPrefix:"PUSH_"`
	Stream    StreamConfig    `envPrefix:"STREAM_"`
	Torrent   TorrentConfig   `envPrefix:"TORRENT_"`
	Catalog   CatalogConfig   `envPrefix:"CATALOG_"`
	Library   LibraryConfig   `envPrefix:"LIBRARY_"`
	Journal   JournalConfig   `envPrefix:"JOURNAL_"`
	Storage   StorageConfig   `envPrefix:"STORAGE_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_"`
}

type BrokerConfig struct {
	QueueSize   int           `env:"QUEUE_SIZE" envDefault:"256"`
	SendTimeout time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
	// ProgressInterval throttles snapshots published on property changes.
	// Zero publishes on state transitions only.
	ProgressInterval time.Duration `env:"PROGRESS_INTERVAL" envDefault:"1s"`
}

type PushConfig struct {
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	PongTimeout  time.Duration `env:"PONG_TIMEOUT" envDefault:"60s"`
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
}

type StreamConfig struct {
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	ReadyAttempts int           `env:"READY_ATTEMPTS" envDefault:"20"`
	MinChunk      int64         `env:"MIN_CHUNK" envDefault:"1024"`
	ChunkSize     int           `env:"CHUNK_SIZE" envDefault:"65536"`
}

type TorrentConfig struct {
	DataDir           string `env:"DATA_DIR" envDefault:"data/downloads"`
	ListenPort        int    `env:"LISTEN_PORT" envDefault:"42069"`
	NoUpload          bool   `env:"NO_UPLOAD"`
	Seed              bool   `env:"SEED"`
	DownloadRateLimit int64  `env:"DOWNLOAD_RATE"`
	UploadRateLimit   int64  `env:"UPLOAD_RATE"`
}

type CatalogConfig struct {
	Path       string        `env:"PATH"`
	BatchSize  int           `env:"BATCH_SIZE" envDefault:"10"`
	BatchDelay time.Duration `env:"BATCH_DELAY" envDefault:"200ms"`
	MaxResults int           `env:"MAX_RESULTS" envDefault:"200"`
}

type LibraryConfig struct {
	Dir         string `env:"DIR"`
	HashWorkers int    `env:"HASH_WORKERS"`
}

type JournalConfig struct {
	// Driver is "memory" or "redis". The journal feeds the storage worker.
	Driver       string        `env:"DRIVER" envDefault:"memory"`
	Buffer       int           `env:"BUFFER" envDefault:"1024"`
	RedisAddr    string        `env:"REDIS_ADDR"`
	RedisAddrs   []string      `env:"REDIS_ADDRS" envSeparator:","`
	RedisUser    string        `env:"REDIS_USERNAME"`
	RedisPass    string        `env:"REDIS_PASSWORD"`
	RedisMaster  string        `env:"REDIS_SENTINEL_MASTER"`
	RedisStream  string        `env:"REDIS_STREAM"`
	RedisGroup   string        `env:"REDIS_GROUP"`
	RedisMaxLen  int64         `env:"REDIS_MAXLEN"`
	RedisTimeout time.Duration `env:"REDIS_TIMEOUT" envDefault:"5s"`
	RedisTLS     TLSConfig     `envPrefix:"REDIS_TLS_"`
}

type StorageConfig struct {
	// Driver is "json" or "postgres".
	Driver   string         `env:"DRIVER" envDefault:"json"`
	Path     string         `env:"PATH" envDefault:"data/peerstream.json"`
	Postgres PostgresConfig `envPrefix:"POSTGRES_"`
}

type PostgresConfig struct {
	DSN             string        `env:"DSN"`
	MaxConns        int32         `env:"MAX_CONNS"`
	MinConns        int32         `env:"MIN_CONNS"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME"`
	MaxConnIdle     time.Duration `env:"MAX_CONN_IDLE"`
	HealthInterval  time.Duration `env:"HEALTH_INTERVAL"`
	AcquireTimeout  time.Duration `env:"ACQUIRE_TIMEOUT"`
	AppName         string        `env:"APP_NAME" envDefault:"peerstream"`
}

type RateLimitConfig struct {
	GlobalRPS     float64       `env:"GLOBAL_RPS"`
	GlobalBurst   int           `env:"GLOBAL_BURST"`
	SearchLimit   int           `env:"SEARCH_LIMIT"`
	SearchWindow  time.Duration `env:"SEARCH_WINDOW" envDefault:"1m"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisUsername string        `env:"REDIS_USERNAME"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisTimeout  time.Duration `env:"REDIS_TIMEOUT" envDefault:"2s"`
	RedisTLS      TLSConfig     `envPrefix:"REDIS_TLS_"`
}

type TLSConfig struct {
	CAFile     string `env:"CA"`
	CertFile   string `env:"CERT"`
	KeyFile    string `env:"KEY"`
	ServerName string `env:"SERVER_NAME"`
	SkipVerify bool   `env:"SKIP_VERIFY"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix})
}

// LoadFrom parses the provided variables instead of the process environment.
func LoadFrom(environment map[string]string) (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix, Environment: environment})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Journal.Driver = strings.ToLower(strings.TrimSpace(c.Journal.Driver))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
}

// Validate reports the first inconsistent setting. Callers that override
// values after Load should call it again.
func (c Config) Validate() error {
	switch c.Journal.Driver {
	case "memory":
	case "redis":
		if c.Journal.RedisAddr == "" && len(c.Journal.RedisAddrs) == 0 {
			return errors.New("journal driver redis requires a redis address")
		}
	default:
		return fmt.Errorf("unknown journal driver %q", c.Journal.Driver)
	}
	switch c.Storage.Driver {
	case "json":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage driver json requires a path")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			return errors.New("storage driver postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("both tls cert and key must be set")
	}
	if c.RequestGrace > c.ShutdownTimeout {
		return fmt.Errorf("request grace %s exceeds shutdown timeout %s", c.RequestGrace, c.ShutdownTimeout)
	}
	if c.Push.PingInterval >= c.Push.PongTimeout {
		return fmt.Errorf("push ping interval %s must be shorter than pong timeout %s", c.Push.PingInterval, c.Push.PongTimeout)
	}
	return nil
}
