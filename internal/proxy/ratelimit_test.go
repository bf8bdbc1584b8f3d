package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	now := time.Unix(1000, 0)
	tb := newTokenBucket(2, 3, now)

	for i := 0; i < 3; i++ {
		ok, _ := tb.take(now)
		require.True(t, ok, "burst request %d", i)
	}
	ok, wait := tb.take(now)
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	ok, _ = tb.take(now.Add(500 * time.Millisecond))
	assert.True(t, ok, "one token refills after 1/rate")

	// Refill is capped at burst.
	later := now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		ok, _ = tb.take(later)
		require.True(t, ok)
	}
	ok, _ = tb.take(later)
	assert.False(t, ok)
}

func TestNewRateLimiterDisabled(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, 10))

	var rl *RateLimiter
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(5000, 0)
	rl.now = func() time.Time { return now }

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	do := func(token, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.RemoteAddr = addr
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("a", "10.0.0.1:1111").Code)
	assert.Equal(t, http.StatusOK, do("a", "10.0.0.2:2222").Code)
	rec := do("a", "10.0.0.3:3333")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), errTypeRateLimit)

	// Other keys and anonymous clients have their own buckets.
	assert.Equal(t, http.StatusOK, do("b", "10.0.0.1:1111").Code)
	assert.Equal(t, http.StatusOK, do("", "10.0.0.9:1").Code)
	assert.Equal(t, http.StatusOK, do("", "10.0.0.9:2").Code)
	assert.Equal(t, http.StatusTooManyRequests, do("", "10.0.0.9:3").Code)

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, do("a", "10.0.0.3:3333").Code)
}
