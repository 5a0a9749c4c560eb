package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func TestFixedLimiterCountsPerKey(t *testing.T) {
	l, err := NewFixed(memory.NewStore(), "2-M")
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, 2, d.Limit)
	}
	d, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Zero(t, d.Remaining)

	d, err = l.Allow(ctx, "b")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestFixedRejectsBadRate(t *testing.T) {
	_, err := NewFixed(memory.NewStore(), "lots")
	require.Error(t, err)
}

func TestFixedBehindMiddleware(t *testing.T) {
	l, err := NewFixed(memory.NewStore(), "1-H")
	require.NoError(t, err)
	h := Handler{Limiter: l, Key: ByClientIP("checkout:")}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Contains(t, second.Body.String(), "RATE_LIMITED")
}
