package shield

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimit is a fixed-window budget per client. Requests <= 0 disables
// limiting.
type RateLimit struct {
	Requests int           `json:"requests" yaml:"rate_limit_requests"`
	Window   time.Duration `json:"window" yaml:"rate_limit_window"` // default 1m

	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `json:"trust_proxy" yaml:"trust_proxy"`
}

type bucket struct {
	count   int
	resetAt time.Time
}

// gcThreshold is the bucket count above which expired buckets are swept.
const gcThreshold = 4096

// RateLimiter enforces a RateLimit per client address.
type RateLimiter struct {
	limit  RateLimit
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithLimiterClock replaces time.Now.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// WithLimiterLogger sets the logger used for rejections.
func WithLimiterLogger(l *slog.Logger) LimiterOption {
	return func(rl *RateLimiter) { rl.logger = l }
}

// NewRateLimiter creates a limiter for limit.
func NewRateLimiter(limit RateLimit, opts ...LimiterOption) *RateLimiter {
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	rl := &RateLimiter{
		limit:   limit,
		now:     time.Now,
		logger:  slog.Default(),
		buckets: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// Allow counts one request for key. When the budget is spent it returns
// false and the time until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl.limit.Requests <= 0 {
		return true, 0
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.buckets) >= gcThreshold {
		rl.sweep(now)
	}
	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rl.limit.Window)}
		return true, 0
	}
	if b.count >= rl.limit.Requests {
		return false, b.resetAt.Sub(now)
	}
	b.count++
	return true, 0
}

func (rl *RateLimiter) sweep(now time.Time) {
	for k, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// Middleware rejects over-budget clients with 429, a JSON error body and
// Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, rl.limit.TrustProxy)
		ok, wait := rl.Allow(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
		secs := max(int(math.Ceil(wait.Seconds())), 1)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     "rate limit exceeded",
			"retryable": true,
		})
	})
}
