package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/pos-fulfillment/internal/common"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter counts one event for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Handler rejects requests over the limit with 429. A limiter failure lets
// the request through: a Redis outage must not block checkout.
type Handler struct {
	Limiter Limiter
	Key     func(*http.Request) string
	OnError func(error)
	Now     func() time.Time
}

// ByClientIP keys requests on the caller address under prefix.
func ByClientIP(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		return prefix + common.ClientIP(r)
	}
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil || h.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := h.Limiter.Allow(r.Context(), h.Key(r))
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(d.Limit, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := h.retryAfter(d.Reset)
		headers.Set("Retry-After", strconv.Itoa(retryAfter))
		common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests; slow down", map[string]int{"retry_after": retryAfter})
	})
}

// retryAfter rounds up to whole seconds, never below one.
func (h Handler) retryAfter(reset time.Time) int {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	secs := int(math.Ceil(reset.Sub(now()).Seconds()))
	return max(secs, 1)
}
