package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var breakerNopLogger = zerolog.Nop()

// ErrOpenCircuit is returned while the breaker refuses calls.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State of a Breaker.
type State int

const (
	Closed State = iota
	Open
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
	}
	return "unknown"
}

// Breaker guards one upstream, typically the payment processor API. It
// judges the failure ratio over a ring of the most recent outcomes and trips
// once at least minRequests of them are known. After openFor it lets a single
// probe through; the probe's outcome closes or re-opens it.
type Breaker struct {
	mu sync.Mutex

	state    State
	openedAt time.Time
	probing  bool

	ring     []bool // true marks a failure
	cursor   int
	observed int
	failed   int

	minRequests  int
	failureRatio float64
	openFor      time.Duration

	target string
	logger *zerolog.Logger
	now    func() time.Time
}

// NewBreaker returns a closed breaker. The outcome window holds twice
// minRequests entries.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	minRequests = max(minRequests, 1)
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		ring:         make([]bool, 2*minRequests),
		minRequests:  minRequests,
		failureRatio: min(failureRatio, 1),
		openFor:      openFor,
		now:          time.Now,
	}
}

// WithTarget names the guarded upstream for metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	setStateGauge(b.label(), b.state)
	return b
}

func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// Allow reports whether a call may proceed. Every permitted call must be
// followed by exactly one Report.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Report records the outcome of a call admitted by Allow.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	if b.observed == len(b.ring) && b.ring[b.cursor] {
		b.failed--
	}
	b.ring[b.cursor] = !success
	b.cursor = (b.cursor + 1) % len(b.ring)
	b.observed = min(b.observed+1, len(b.ring))
	if !success {
		b.failed++
	}
	if b.observed >= b.minRequests && float64(b.failed)/float64(b.observed) >= b.failureRatio {
		b.moveLocked(ctx, Open)
	}
}

// State returns the current state. An open breaker whose cool-off has
// elapsed reads as half-open even before the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.openFor {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
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
		clear(b.ring)
		b.cursor, b.observed, b.failed = 0, 0, 0
	}

	label := b.label()
	setStateGauge(label, next)
	countTransition(label, prev, next)

	logger := b.loggerFor(ctx)
	evt := logger.Info()
	if next == Open {
		evt = logger.Warn()
	}
	evt = evt.Str("target", label).Str("from", prev.String()).Str("to", next.String())
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_state_changed")
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	if b.logger != nil {
		return b.logger
	}
	return &breakerNopLogger
}
