// Package middleware provides HTTP middleware for the engine API.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"detection-engine/internal/config"
	"detection-engine/internal/metrics"
)

// RateLimiter is a fixed-window limiter keyed by client IP.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	mu      sync.Mutex
	clients map[string]*window
	now     func() time.Time
	logger  *slog.Logger
}

type window struct {
	count int
	end   time.Time
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*window),
		now:     time.Now,
		logger:  logger,
	}
}

// Allow records a request from key and reports whether it is within the
// limit, the remaining budget and when the window resets.
func (rl *RateLimiter) Allow(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients[key]
	if !ok || !now.Before(w.end) {
		w = &window{end: now.Add(rl.cfg.Window)}
		rl.clients[key] = w
		rl.evictExpired(now)
	}
	if w.count >= rl.cfg.Requests {
		return false, 0, w.end
	}
	w.count++
	return true, rl.cfg.Requests - w.count, w.end
}

// evictExpired drops windows that ended; called when a new window opens so
// the map stays bounded by the number of recently active clients.
func (rl *RateLimiter) evictExpired(now time.Time) {
	for k, w := range rl.clients {
		if !now.Before(w.end) {
			delete(rl.clients, k)
		}
	}
}

// Limit wraps next with the limiter. Rejected requests get 429 with a
// Retry-After header.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.cfg.TrustProxy)
		allowed, remaining, reset := rl.Allow(ip)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.cfg.Requests))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if !allowed {
			metrics.RateLimitedTotal.Inc()
			rl.logger.Warn("rate limit exceeded",
				"ip", ip,
				"path", r.URL.Path,
				"method", r.Method,
			)
			retryAfter := int(reset.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"code":"RATE_LIMITED","error":"too many requests","retry_after":%d}`, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the rightmost X-Forwarded-For entry when the proxy is
// trusted, otherwise the remote address host.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
