package rpc

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"payfwd/observability"
)

// RateLimitConfig bounds request throughput per client source address.
// Zero values disable limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type rateEntry struct {
	limiter *rate.Limiter
}

// requestLimiter keeps one token bucket per client source. Entries are
// dropped again after a few minutes so the map does not grow unbounded.
type requestLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	visitors map[string]*rateEntry
}

func newRequestLimiter(cfg RateLimitConfig) *requestLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &requestLimiter{
		cfg:      cfg,
		visitors: make(map[string]*rateEntry),
	}
}

// Allow reports whether the source may issue another request now.
func (l *requestLimiter) Allow(source string) bool {
	if l == nil {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	return l.obtainLimiter(source).Allow()
}

func (l *requestLimiter) obtainLimiter(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.visitors[source]
	if ok {
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
	l.visitors[source] = &rateEntry{limiter: limiter}
	go l.cleanup(source)
	return limiter
}

func (l *requestLimiter) cleanup(source string) {
	timer := time.NewTimer(5 * time.Minute)
	defer timer.Stop()
	<-timer.C
	l.mu.Lock()
	delete(l.visitors, source)
	l.mu.Unlock()
}

// Middleware rejects over-limit requests with a JSON-RPC rate limit error
// before the body is read.
func (l *requestLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientSource(r)) {
			observability.RPCMetrics().RecordThrottle("rate_limit")
			w.Header().Set("Content-Type", "application/json")
			writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
