package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eaglechat/eaglechat-server/internal/metrics"
)

const (
	// 20 requests per 60 s window, refilled continuously.
	rateLimitBurst  = 20
	rateLimitWindow = 60 * time.Second

	// Idle buckets are dropped to bound memory.
	bucketIdleTimeout = 5 * time.Minute
	janitorInterval   = time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-source-address token bucket.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// NewRateLimiter starts the limiter and its idle-bucket janitor.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Close stops the janitor goroutine.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

// Allow reports whether the source may proceed, and the retry hint if not.
func (rl *RateLimiter) Allow(source string) (bool, time.Duration) {
	rl.mu.Lock()
	b, ok := rl.buckets[source]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(rateLimitWindow/rateLimitBurst), rateLimitBurst),
		}
		rl.buckets[source] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	if b.limiter.Allow() {
		return true, 0
	}

	delay := b.limiter.Reserve()
	wait := delay.Delay()
	delay.Cancel()
	if wait <= 0 {
		wait = time.Second
	}
	if wait > rateLimitWindow {
		wait = rateLimitWindow
	}
	return false, wait
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-bucketIdleTimeout)
			rl.mu.Lock()
			for source, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, source)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// RateLimitMiddleware rejects over-limit sources with 429 and a Retry-After
// hint.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := rl.Allow(clientIP(r))
			if !ok {
				metrics.RateLimitedTotal.Inc()
				w.Header().Set("Retry-After", itoaSeconds(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the source address, honoring proxy headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func itoaSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
