package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness gate. The server clears it before draining.
func SetReady(v bool) { ready.Store(v) }

// Checker pings the dependencies readiness depends on.
type Checker interface {
	PingERP(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// ERPPinger is satisfied by *erp.Client.
type ERPPinger interface {
	Ping(ctx context.Context) error
}

// Deps pings the live ERP and Redis clients.
type Deps struct {
	ERP   ERPPinger
	Redis redis.Cmdable
}

// PingERP implements Checker.
func (d Deps) PingERP(ctx context.Context, timeout time.Duration) error {
	if d.ERP == nil {
		return errors.New("erp not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.ERP.Ping(ctx)
}

// PingRedis implements Checker.
func (d Deps) PingRedis(ctx context.Context, timeout time.Duration) error {
	if d.Redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Redis.Ping(ctx).Err()
}

// Result is the outcome of one dependency check.
type Result struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report is the readiness body. Redis backs webhook deduplication and
// fulfillment locks, so losing it makes the instance unready. An unreachable
// ERP only degrades it: every replica shares the same ERP, and payments that
// arrive meanwhile are retried by the processor.
type Report struct {
	Status string           `json:"status"`
	Checks map[string]Result `json:"checks"`
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	Checker      Checker
	ERPTimeout   time.Duration
	RedisTimeout time.Duration
}

func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		writeReport(w, http.StatusServiceUnavailable, Report{Status: "draining"})
		return
	}
	if h.Checker == nil {
		writeReport(w, http.StatusServiceUnavailable, Report{Status: "unavailable"})
		return
	}

	var erpResult, redisResult Result
	var g errgroup.Group
	g.Go(func() error {
		erpResult = runCheck(func() error { return h.Checker.PingERP(r.Context(), h.erpTimeout()) })
		return nil
	})
	g.Go(func() error {
		redisResult = runCheck(func() error { return h.Checker.PingRedis(r.Context(), h.redisTimeout()) })
		return nil
	})
	_ = g.Wait()

	report := Report{Status: "ok", Checks: map[string]Result{"erp": erpResult, "redis": redisResult}}
	status := http.StatusOK
	switch {
	case redisResult.Status != "ok":
		report.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case erpResult.Status != "ok":
		report.Status = "degraded"
	}
	writeReport(w, status, report)
}

func runCheck(fn func() error) Result {
	start := time.Now()
	err := fn()
	p := Result{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		p.Status = "down"
		p.Error = err.Error()
	}
	return p
}

func writeReport(w http.ResponseWriter, status int, report Report) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

func (h Handler) erpTimeout() time.Duration {
	if h.ERPTimeout <= 0 {
		return 2 * time.Second
	}
	return h.ERPTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
