package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/modulo/pkg/contextkeys"
)

// clock is a manually advanced time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(config RateLimitConfig) (*RateLimiter, *clock) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(config)
	limiter.now = c.Now
	return limiter, c
}

func TestRateLimiter_Take(t *testing.T) {
	config := RateLimitConfig{Limit: 10, Window: time.Second, Burst: 2}
	limiter, c := newTestLimiter(config)

	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Take("user:alice") {
			allowed++
		}
	}
	assert.Equal(t, 12, allowed, "limit plus burst")
	assert.False(t, limiter.Take("user:alice"))

	// A tenth of the window refills one token
	c.Advance(100 * time.Millisecond)
	assert.True(t, limiter.Take("user:alice"))
	assert.False(t, limiter.Take("user:alice"))

	// Refill never exceeds the capacity
	c.Advance(time.Hour)
	assert.True(t, limiter.Take("user:alice"))
	assert.Equal(t, 11, limiter.Remaining("user:alice"))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(RateLimitConfig{Limit: 1, Window: time.Minute})

	assert.True(t, limiter.Take("a"))
	assert.False(t, limiter.Take("a"))
	assert.True(t, limiter.Take("b"))
}

func TestRateLimiter_AllowAsSubmissionLimiter(t *testing.T) {
	limiter, _ := newTestLimiter(SubmissionRateLimitConfig(2))

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(context.Background(), "dana@example.com")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(context.Background(), "dana@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimiter_Remaining(t *testing.T) {
	limiter, _ := newTestLimiter(RateLimitConfig{Limit: 5, Window: time.Minute, Burst: 1})

	assert.Equal(t, 6, limiter.Remaining("unknown"))
	limiter.Take("k")
	limiter.Take("k")
	assert.Equal(t, 4, limiter.Remaining("k"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter, c := newTestLimiter(RateLimitConfig{Limit: 5, Window: time.Second})

	limiter.Take("old")
	c.Advance(3 * time.Second)
	limiter.Take("fresh")
	limiter.Cleanup()

	assert.False(t, limiter.buckets.Contains("old"))
	assert.True(t, limiter.buckets.Contains("fresh"))
	assert.Equal(t, 1, limiter.Len())
}

func TestRateLimiter_EvictsLeastRecentKey(t *testing.T) {
	limiter, _ := newTestLimiter(RateLimitConfig{Limit: 1, Window: time.Hour, MaxKeys: 2})

	assert.True(t, limiter.Take("a"))
	assert.True(t, limiter.Take("b"))
	assert.True(t, limiter.Take("c"))
	assert.Equal(t, 2, limiter.Len())
	assert.False(t, limiter.buckets.Contains("a"))
	assert.False(t, limiter.Take("c"))
}

func TestRateLimiter_Concurrency(t *testing.T) {
	limiter, _ := newTestLimiter(RateLimitConfig{Limit: 50, Window: time.Hour})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Take("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{Limit: 3})
	assert.Equal(t, time.Minute, limiter.config.Window)
	assert.Equal(t, DefaultMaxKeys, limiter.config.MaxKeys)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{
			name:       "X-Forwarded-For first hop",
			headers:    map[string]string{"X-Forwarded-For": "192.168.1.1, 10.0.0.2"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.1",
		},
		{
			name:       "X-Real-IP header",
			headers:    map[string]string{"X-Real-IP": "192.168.1.2"},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "192.168.1.2",
		},
		{
			name:       "RemoteAddr fallback",
			headers:    map[string]string{},
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "10.0.0.1",
		},
		{
			name:       "RemoteAddr without port",
			headers:    map[string]string{},
			remoteAddr: "10.0.0.1",
			expectedIP: "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expectedIP, clientIP(req))
		})
	}
}

func TestRateLimitMiddleware_Handler(t *testing.T) {
	m := NewRateLimitMiddleware(nil)
	m.anonymous = NewRateLimiter(RateLimitConfig{Limit: 1, Window: time.Hour})
	m.users = NewRateLimiter(RateLimitConfig{Limit: 2, Window: time.Hour})

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	serve := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/renderers", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if userID != "" {
			req = req.WithContext(contextkeys.WithUserID(req.Context(), userID))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, serve("").Code)
	limited := serve("")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "3600", limited.Header().Get("Retry-After"))
	assert.Equal(t, "0", limited.Header().Get("X-RateLimit-Remaining"))

	// Users are keyed by id, not address
	ok := serve("alice")
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "2", ok.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", ok.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusOK, serve("alice").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve("alice").Code)
	assert.Equal(t, http.StatusOK, serve("bob").Code)
}
