package proxy

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	maxRateClients  = 4096
	minRateIdleTime = 10 * time.Minute
)

// tokenBucket is a token-bucket limiter for a single client.
type tokenBucket struct {
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: now,
	}
}

// take consumes one token. When the bucket is empty it reports how long
// until the next token is available.
func (tb *tokenBucket) take(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		tb.lastRefill = now
	}
	if tb.tokens > float64(tb.burst) {
		tb.tokens = float64(tb.burst)
	}

	if tb.tokens < 1.0 {
		wait := (1.0 - tb.tokens) / tb.rate
		return false, time.Duration(wait * float64(time.Second))
	}

	tb.tokens -= 1.0
	return true, 0
}

// RateLimiter enforces a per-client request rate. Clients are keyed by
// their bearer token when present and by remote address otherwise.
type RateLimiter struct {
	rate    float64
	burst   int
	buckets *expirable.LRU[string, *tokenBucket]
	mu      sync.Mutex
	now     func() time.Time
}

// NewRateLimiter returns a limiter allowing rate requests per second with
// the given burst. It returns nil when rate is not positive.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	// An evicted bucket is recreated full, so idle entries must outlive
	// the time a drained bucket needs to refill.
	ttl := time.Duration(float64(burst) / rate * float64(time.Second))
	if ttl < minRateIdleTime {
		ttl = minRateIdleTime
	}
	return &RateLimiter{
		rate:    rate,
		burst:   burst,
		buckets: expirable.NewLRU[string, *tokenBucket](maxRateClients, nil, ttl),
		now:     time.Now,
	}
}

// Allow consumes one request for client.
func (rl *RateLimiter) Allow(client string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	bucket, ok := rl.buckets.Get(client)
	if !ok {
		bucket = newTokenBucket(rl.rate, rl.burst, now)
	}
	// Re-adding refreshes the idle expiry.
	rl.buckets.Add(client, bucket)
	rl.mu.Unlock()

	return bucket.take(now)
}

// Middleware rejects over-limit requests with 429 and a Retry-After header.
// A nil limiter passes every request.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.Allow(clientKey(r))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", errTypeRateLimit)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && tok != "" {
		return "key:" + tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
