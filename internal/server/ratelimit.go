package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"peerstream/internal/journal"
)

// RateLimitConfig bounds request throughput. The global limiter applies to
// every API request; the search limit applies per client address to search
// creation and is shared across replicas when RedisAddr is set.
type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	SearchLimit  int
	SearchWindow time.Duration

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisTimeout  time.Duration
	RedisTLS      journal.RedisTLSConfig
}

type rateLimiter struct {
	global        *rate.Limiter
	searchLimit   int
	searchWindow  time.Duration
	searchMu      sync.Mutex
	searchBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close(ctx context.Context) error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		searchLimit:   cfg.SearchLimit,
		searchWindow:  cfg.SearchWindow,
		searchBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.searchLimit < 0 {
		rl.searchLimit = 0
	}
	if rl.searchWindow <= 0 {
		rl.searchWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.searchLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
			TLS:      cfg.RedisTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("search rate limit store: %w", err)
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowSearch reports whether key may start another search, and how long to
// wait before retrying when it may not.
func (r *rateLimiter) AllowSearch(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.searchLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "peerstream:search:"+key, r.searchLimit, r.searchWindow)
	}

	r.searchMu.Lock()
	bucket, exists := r.searchBuckets[key]
	if !exists {
		every := r.searchWindow / time.Duration(r.searchLimit)
		bucket = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), r.searchLimit)}
		r.searchBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.searchMu.Unlock()

	reservation := bucket.limiter.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return true, 0, nil
	}
	reservation.Cancel()
	return false, delay, nil
}

func (r *rateLimiter) Close(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close(ctx)
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.searchWindow)
	for key, bucket := range r.searchBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.searchBuckets, key)
		}
	}
}
