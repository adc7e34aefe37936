package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds task submissions per API key, or per remote
// address when auth is off.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitMiddleware enforces per-key rate limits.
type RateLimitMiddleware struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	return &RateLimitMiddleware{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// StartEviction periodically drops buckets idle for longer than maxAge.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	if !rl.cfg.Enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount returns the number of tracked keys.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) allow(key string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(rl.cfg.RequestsPerMinute) / 60.0)
		b = &bucket{limiter: rate.NewLimiter(perSecond, rl.cfg.BurstSize)}
		rl.buckets[key] = b
	}
	b.lastAccess = rl.now()
	rl.mu.Unlock()
	return b.limiter.Allow()
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := requestToken(r)
		if key == "" {
			key = remoteHost(r)
		}
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
