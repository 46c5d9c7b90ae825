package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/contextkeys"
	"github.com/platinummonkey/modulo/pkg/httputil"
)

// DefaultMaxKeys bounds how many callers a limiter tracks at once
const DefaultMaxKeys = 10000

// RateLimitConfig describes a token bucket: Limit tokens are refilled over
// each Window and a full bucket holds Limit+Burst tokens.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
	Burst  int

	// MaxKeys evicts the least recently seen caller once exceeded
	MaxKeys int
}

// DefaultRateLimitConfig returns the limits for anonymous callers
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Limit: 100, Window: time.Minute, Burst: 10}
}

// PerUserRateLimitConfig returns the limits for identified callers
func PerUserRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Limit: 1000, Window: time.Minute, Burst: 50}
}

// SubmissionRateLimitConfig allows limit submissions per hour with no burst
func SubmissionRateLimitConfig(limit int) RateLimitConfig {
	return RateLimitConfig{Limit: limit, Window: time.Hour}
}

func (c RateLimitConfig) capacity() float64 {
	return float64(c.Limit + c.Burst)
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	seen   time.Time
}

// refill tops the bucket up for the time since it was last seen
func (b *bucket) refill(now time.Time, c RateLimitConfig) {
	b.tokens += now.Sub(b.seen).Seconds() * float64(c.Limit) / c.Window.Seconds()
	if full := c.capacity(); b.tokens > full {
		b.tokens = full
	}
	b.seen = now
}

// RateLimiter keeps one token bucket per key. It is safe for concurrent use.
type RateLimiter struct {
	config  RateLimitConfig
	buckets *lru.Cache[string, *bucket]
	mu      sync.Mutex
	now     func() time.Time
}

// NewRateLimiter creates a limiter. A zero Window means a minute.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = DefaultMaxKeys
	}
	buckets, _ := lru.New[string, *bucket](config.MaxKeys)
	return &RateLimiter{
		config:  config,
		buckets: buckets,
		now:     time.Now,
	}
}

func (rl *RateLimiter) bucketFor(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets.Get(key)
	if !ok {
		b = &bucket{tokens: rl.config.capacity(), seen: rl.now()}
		rl.buckets.Add(key, b)
	}
	return b
}

// Take consumes one token for key and reports whether one was available
func (rl *RateLimiter) Take(key string) bool {
	b := rl.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(rl.now(), rl.config)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Allow is Take shaped as a submission.RateLimiter. It never fails.
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	return rl.Take(key), nil
}

// Remaining returns the whole tokens left for key without consuming any
func (rl *RateLimiter) Remaining(key string) int {
	b, ok := rl.buckets.Peek(key)
	if !ok {
		return int(rl.config.capacity())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(rl.now(), rl.config)
	return int(b.tokens)
}

// Len reports how many keys are tracked
func (rl *RateLimiter) Len() int {
	return rl.buckets.Len()
}

// Cleanup forgets keys idle for more than two windows, which would be full
// again anyway
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	idle := rl.now().Add(-2 * rl.config.Window)
	for _, key := range rl.buckets.Keys() {
		b, ok := rl.buckets.Peek(key)
		if !ok {
			continue
		}
		b.mu.Lock()
		stale := b.seen.Before(idle)
		b.mu.Unlock()
		if stale {
			rl.buckets.Remove(key)
		}
	}
}

// StartCleanup runs Cleanup every window in the background until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rl.config.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup()
			}
		}
	}()
}

// RateLimitMiddleware limits API calls per caller, falling back to the
// client address when no caller is identified
type RateLimitMiddleware struct {
	users     *RateLimiter
	anonymous *RateLimiter
	logger    *logrus.Logger
}

// NewRateLimitMiddleware creates the middleware with the default limits
func NewRateLimitMiddleware(logger *logrus.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &RateLimitMiddleware{
		users:     NewRateLimiter(PerUserRateLimitConfig()),
		anonymous: NewRateLimiter(DefaultRateLimitConfig()),
		logger:    logger,
	}
}

// StartCleanup starts cleanup for both limiters
func (m *RateLimitMiddleware) StartCleanup(ctx context.Context) {
	m.users.StartCleanup(ctx)
	m.anonymous.StartCleanup(ctx)
}

// Handler wraps next with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, key := m.anonymous, "ip:"+clientIP(r)
		if user := contextkeys.GetUserID(r.Context()); user != "" {
			limiter, key = m.users, "user:"+user
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(limiter.config.Limit))
		if !limiter.Take(key) {
			m.logger.WithField("key", key).Info("Request rate limited")
			h.Set("X-RateLimit-Remaining", "0")
			h.Set("Retry-After", strconv.Itoa(int(limiter.config.Window.Seconds())))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}
		h.Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key)))
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of the remote address
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
