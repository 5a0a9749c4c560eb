package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubLimiter struct {
	decision Decision
	err      error
	keys     []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (Decision, error) {
	s.keys = append(s.keys, key)
	return s.decision, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) })
}

func TestMiddlewareRejectsWithRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := &stubLimiter{decision: Decision{Allowed: false, Limit: 30, Remaining: 0, Reset: now.Add(1500 * time.Millisecond)}}
	h := Handler{Limiter: limiter, Key: ByClientIP("checkout:"), Now: func() time.Time { return now }}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/intent", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "2", rr.Header().Get("Retry-After"))
	require.Equal(t, "30", rr.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, []string{"checkout:198.51.100.7"}, limiter.keys)

	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]int `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "RATE_LIMITED", body.Error.Code)
	require.Equal(t, 2, body.Error.Details["retry_after"])
}

func TestMiddlewareRetryAfterFloor(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := &stubLimiter{decision: Decision{Limit: 1, Reset: now.Add(-time.Second)}}
	rr := httptest.NewRecorder()
	Handler{Limiter: limiter, Key: func(*http.Request) string { return "k" }, Now: func() time.Time { return now }}.
		Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestMiddlewareFailsOpen(t *testing.T) {
	var seen error
	limiter := &stubLimiter{err: errors.New("redis: connection refused")}
	rr := httptest.NewRecorder()
	Handler{Limiter: limiter, Key: func(*http.Request) string { return "k" }, OnError: func(err error) { seen = err }}.
		Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))

	require.Equal(t, http.StatusCreated, rr.Code)
	require.EqualError(t, seen, "redis: connection refused")
	require.Empty(t, rr.Header().Get("X-RateLimit-Limit"))
}

func TestMiddlewareWithSlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := Handler{
		Limiter: SlidingWindow{Client: client, Prefix: "ratelimit:admin:", Window: time.Minute, Max: 2},
		Key:     func(*http.Request) string { return "ops@example.com" },
	}.Middleware(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/incidents", nil))
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
}

func TestByClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/checkout/intent", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	// forwarding headers are resolved by chi's RealIP before this runs
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	require.Equal(t, "checkout:203.0.113.9", ByClientIP("checkout:")(req))
}
