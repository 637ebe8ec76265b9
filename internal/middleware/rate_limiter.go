// Package middleware holds the intake HTTP middleware: per-restaurant rate
// limiting and request logging.
package middleware

import (
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter enforces a per-restaurant request budget on the intake API
// using a sliding one-minute window. Windows are garbage collected in the
// background.
type RateLimiter struct {
	mu        sync.RWMutex
	windows   map[string]*window
	perMinute int
	burst     int
	logger    *log.Logger
}

type window struct {
	count atomic.Int64
	start time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 300
	}
	rl := &RateLimiter{
		windows:   make(map[string]*window),
		perMinute: perMinute,
		burst:     perMinute * 2,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under key fits the current window. The
// counter is atomic so concurrent requests under the shared read lock count
// exactly.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	w, ok := rl.windows[key]
	if ok && now.Sub(w.start) <= time.Minute {
		count := w.count.Add(1)
		rl.mu.RUnlock()

		if count > int64(rl.burst) {
			rl.logger.Printf("🚫 rate limit exceeded (burst): key=%s count=%d", key, count)
			return false
		}
		if count > int64(rl.perMinute) {
			rl.logger.Printf("⚠️ rate limit exceeded: key=%s count=%d limit=%d", key, count, rl.perMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok = rl.windows[key]
	if ok && now.Sub(w.start) <= time.Minute {
		return w.count.Add(1) <= int64(rl.burst)
	}
	w = &window{start: now}
	w.count.Store(1)
	rl.windows[key] = w
	return true
}

// Middleware keys the limit by the X-Restaurant-ID header, falling back to
// the client address for unidentified traffic.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Restaurant-ID")
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = "addr:" + host
		}

		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, w := range rl.windows {
			if now.Sub(w.start) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
