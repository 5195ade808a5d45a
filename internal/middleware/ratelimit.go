package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig holds configuration for a specific rate limit
type RateLimitConfig struct {
	Name   string
	Limit  int
	Window time.Duration
	KeyFn  func(*http.Request) string
}

// RateLimit creates a fixed-window rate limiting middleware. Counters live in
// Redis when available so every gateway node shares them.
func (m *Middleware) RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Limit <= 0 {
		cfg.Limit = m.cfg.Security.RateLimiting.DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = m.cfg.Security.RateLimiting.DefaultWindow
	}
	if cfg.KeyFn == nil {
		cfg.KeyFn = m.IPKey
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.cfg.Security.RateLimiting.Enabled || cfg.Limit <= 0 || cfg.Window <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := "ratelimit:" + cfg.Name + ":" + cfg.KeyFn(r)
			count, ttl, err := m.incr(r, key, cfg.Window)
			if err != nil {
				m.log.Error().Err(err).Msg("failed to increment rate limit counter")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, cfg.Limit-int(count))))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))

			if int(count) > cfg.Limit {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(ttl.Seconds())+1, 10))
				writeJSONError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) incr(r *http.Request, key string, window time.Duration) (int64, time.Duration, error) {
	if m.rdb != nil {
		return m.rdb.IncrWindow(r.Context(), m.rdb.Key(key), window)
	}
	count, ttl := m.local.incr(key, window, time.Now())
	return count, ttl, nil
}

// IPKey returns the client address as the rate limit key
func (m *Middleware) IPKey(r *http.Request) string {
	return m.clientIP(r)
}

type window struct {
	count   int64
	resetAt time.Time
}

// localLimiter is the single-node fallback for RateLimit
type localLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	calls   int
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{windows: make(map[string]*window)}
}

func (l *localLimiter) incr(key string, d time.Duration, now time.Time) (int64, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%1024 == 0 {
		for k, w := range l.windows {
			if !now.Before(w.resetAt) {
				delete(l.windows, k)
			}
		}
	}

	w := l.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		l.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now)
}
