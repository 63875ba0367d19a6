package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter pairs a token bucket with the last time it was touched, so
// stale entries can be evicted.
type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// PerIPLimiter applies per-client-IP request rate limiting. Server wraps
// its whole mux with it, so every route (admin, public, health, and new
// SSE subscriptions) is limited.
type PerIPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

// NewPerIPLimiter builds a limiter with the given sustained rate
// (requests/sec) and burst size, evicting entries idle past 10 minutes.
func NewPerIPLimiter(reqPerSec float64, burst int) *PerIPLimiter {
	rl := &PerIPLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
	}
	go rl.evictLoop()
	return rl
}

func (rl *PerIPLimiter) evictLoop() {
	for range time.Tick(5 * time.Minute) {
		rl.mu.Lock()
		for ip, l := range rl.limiters {
			if time.Since(l.lastSeen) > 10*time.Minute {
				delete(rl.limiters, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *PerIPLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.lim
}

// Allow reports whether a request from ip is within its rate limit.
func (rl *PerIPLimiter) Allow(ip string) bool {
	return rl.limiterFor(ip).Allow()
}

// Middleware wraps a handler, rejecting requests over the limit with 429.
func (rl *PerIPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
