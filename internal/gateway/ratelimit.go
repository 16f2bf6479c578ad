package gateway

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/butler/internal/auth"
)

// RateLimit throttles task and text generation requests per caller with a
// token bucket. A zero RequestsPerSecond disables it.
type RateLimit struct {
	RequestsPerSecond float64
	// Burst defaults to twice RequestsPerSecond, and at least 1.
	Burst int
}

const maxRateLimitKeys = 10000

type tokenBucket struct {
	tokens float64
	last   time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	rate    float64
	burst   float64
	buckets map[string]*tokenBucket
	now     func() time.Time
}

func newRateLimiter(cfg RateLimit, now func() time.Time) *rateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(int(cfg.RequestsPerSecond*2), 1)
	}
	return &rateLimiter{
		rate:    cfg.RequestsPerSecond,
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
		now:     now,
	}
}

// take spends one token of key's bucket. When the bucket is empty it
// returns false and how long until a token is available.
func (l *rateLimiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxRateLimitKeys {
			l.prune(now)
		}
		b = &tokenBucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := (1 - b.tokens) / l.rate
	return false, time.Duration(wait * float64(time.Second))
}

// prune drops buckets that have refilled, since they carry no state.
func (l *rateLimiter) prune(now time.Time) {
	for key, b := range l.buckets {
		if b.tokens+now.Sub(b.last).Seconds()*l.rate >= l.burst {
			delete(l.buckets, key)
		}
	}
}

// callerKey identifies the caller by user id, falling back to the client
// address for anonymous requests.
func callerKey(r *http.Request) string {
	if user, ok := auth.UserFromContext(r.Context()); ok && user.ID != "" {
		return "user:" + user.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func rateLimitMiddleware(l *rateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := callerKey(r)
			ok, wait := l.take(key)
			if !ok {
				seconds := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
				logger.Debug("rate limited", "caller", key, "path", r.URL.Path)
				writeMessage(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
