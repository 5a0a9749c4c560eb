package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var breakerNopLogger = zerolog.Nop()

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	// Closed accepts all requests and tracks failures.
	Closed State = iota
	// Open rejects requests until the cool-off period expires.
	Open
	// HalfOpen lets one trial call through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker.
type Settings struct {
	// Target labels metrics and logs, e.g. "erp" or "stripe".
	Target       string
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
	// Interval is the closed-state counting window. Outcomes older than one
	// window are forgotten so a slow trickle of errors never trips the breaker.
	Interval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Breaker is a failure-ratio circuit breaker shared by every call to one
// upstream.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	requests     int
	windowStart  time.Time
	minRequests  int
	failureRatio float64
	interval     time.Duration
	openedAt     time.Time
	openFor      time.Duration
	probing      bool
	target       string
	logger       *zerolog.Logger
	now          func() time.Time
}

// NewBreaker constructs a breaker that opens when the failure ratio reaches
// the threshold once MinRequests outcomes have been observed.
func NewBreaker(s Settings) *Breaker {
	if s.MinRequests <= 0 {
		s.MinRequests = 1
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.5
	}
	if s.FailureRatio > 1 {
		s.FailureRatio = 1
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	b := &Breaker{
		state:        Closed,
		minRequests:  s.MinRequests,
		failureRatio: s.FailureRatio,
		interval:     s.Interval,
		openFor:      s.OpenFor,
		target:       strings.TrimSpace(s.Target),
		now:          s.Now,
	}
	b.windowStart = b.now()
	b.recordStateLocked()
	return b
}

// WithLogger configures the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. After the cool-off an open
// breaker admits a single trial call in half-open state.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.changeStateLocked(ctx, HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Report records the outcome of an admitted request.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.changeStateLocked(ctx, Closed)
		} else {
			b.changeStateLocked(ctx, Open)
		}
		return
	}

	if now := b.now(); now.Sub(b.windowStart) >= b.interval {
		b.windowStart = now
		b.requests, b.failures = 0, 0
	}
	b.requests++
	if !success {
		b.failures++
	}
	if b.requests < b.minRequests {
		return
	}
	if float64(b.failures)/float64(b.requests) >= b.failureRatio {
		b.changeStateLocked(ctx, Open)
	}
}

// MaxBackoff caps the delay between two attempts.
const MaxBackoff = 5 * time.Second

// Backoff doubles base per attempt up to MaxBackoff. jitterPct spreads the
// result by that fraction in either direction (0.2 is 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := MaxBackoff
	if attempt < 16 {
		d = min(base*time.Duration(1<<uint(attempt-1)), MaxBackoff)
	}
	if jitterPct <= 0 {
		return d
	}
	jitter := float64(d) * jitterPct
	delta := (rand.Float64()*2 - 1) * jitter
	return d + time.Duration(delta)
}

func (b *Breaker) changeStateLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.windowStart = b.now()
	b.failures = 0
	b.requests = 0
	b.recordStateLocked()
	b.recordTransition(ctx, prev, next)
}

func (b *Breaker) recordStateLocked() {
	BreakerState.WithLabelValues(b.targetLabel()).Set(stateGaugeValue(b.state))
}

func (b *Breaker) recordTransition(ctx context.Context, from, to State) {
	label := b.targetLabel()
	BreakerTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	if to == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	evt := b.loggerFor(ctx).Warn()
	if to == Closed {
		evt = b.loggerFor(ctx).Info()
	}
	evt = evt.Str("target", label).Str("from_state", from.String()).Str("to_state", to.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) targetLabel() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil && ctxLogger.GetLevel() != zerolog.Disabled {
		return ctxLogger
	}
	if b.logger == nil {
		return &breakerNopLogger
	}
	return b.logger
}

func stateGaugeValue(state State) float64 {
	switch state {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}
