package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/skaranth/optioncollector/internal/metrics"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// failureWindow bounds the recent-failure timestamps used to scale backoff.
const failureWindow = 60 * time.Second

// BreakerConfig tunes an adaptive breaker.
type BreakerConfig struct {
	FailureThreshold int
	MinTimeout       time.Duration
	MaxTimeout       time.Duration
	BackoffFactor    float64
	Jitter           float64 // fraction, e.g. 0.2 for ±20%
}

// DefaultBreakerConfig provides sensible defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	MinTimeout:       10 * time.Second,
	MaxTimeout:       5 * time.Minute,
	BackoffFactor:    2.0,
	Jitter:           0.2,
}

// ErrBreakerOpen is returned by Execute when the circuit rejects a call.
// It carries the remaining wait so callers can report it; it is never
// retried by the immediate caller.
type ErrBreakerOpen struct {
	Name      string
	Remaining time.Duration
}

func (e *ErrBreakerOpen) Error() string {
	return fmt.Sprintf("breaker %q open, retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

// Snapshot is a serializable view of breaker state, used for persistence
// and status reporting.
type Snapshot struct {
	Name     string        `json:"name"`
	State    State         `json:"state"`
	Failures int           `json:"failures"`
	Timeout  time.Duration `json:"timeout"`
	OpenedAt time.Time     `json:"opened_at"`
}

// Breaker is an adaptive circuit breaker. Backoff grows with both the raw
// failure count and how tightly recent failures cluster in time.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu             sync.Mutex
	state          State
	failures       int
	currentTimeout time.Duration
	openedAt       time.Time
	probeInFlight  bool
	recentFailures []time.Time

	now     func() time.Time
	jitterF func() float64 // uniform in [0,1)
	onTrip  func(Snapshot)
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock injects a clock for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook registers a callback invoked (outside hot paths, inside
// the state lock) on every state transition, e.g. for persistence.
func WithTransitionHook(fn func(Snapshot)) BreakerOption {
	return func(b *Breaker) { b.onTrip = fn }
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = DefaultBreakerConfig.MinTimeout
	}
	if cfg.MaxTimeout < cfg.MinTimeout {
		cfg.MaxTimeout = DefaultBreakerConfig.MaxTimeout
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = DefaultBreakerConfig.BackoffFactor
	}
	b := &Breaker{
		name:           name,
		cfg:            cfg,
		state:          StateClosed,
		currentTimeout: cfg.MinTimeout,
		now:            time.Now,
		jitterF:        rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. While HALF_OPEN exactly one
// probe call is admitted; concurrent callers are rejected until the probe
// reports success or failure.
func (b *Breaker) Allow() bool {
	allowed, _ := b.allow()
	return allowed
}

func (b *Breaker) allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, 0
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.currentTimeout {
			return false, b.currentTimeout - elapsed
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true, 0
	case StateHalfOpen:
		if b.probeInFlight {
			return false, b.currentTimeout
		}
		b.probeInFlight = true
		return true, 0
	}
	return false, 0
}

// RecordSuccess decays the failure count in CLOSED, or closes the circuit
// after a successful HALF_OPEN probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	case StateHalfOpen:
		b.failures = 0
		b.probeInFlight = false
		b.currentTimeout = b.cfg.MinTimeout
		b.recentFailures = b.recentFailures[:0]
		b.transition(StateClosed)
	}
}

// RecordFailure increments the failure count and trips the circuit on
// threshold breach, or on any HALF_OPEN probe failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures++
	b.recentFailures = append(b.recentFailures, now)
	b.pruneRecent(now)

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.trip(now)
	}
}

// Execute runs fn under the breaker, recording success/failure around it.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	allowed, remaining := b.allow()
	if !allowed {
		return &ErrBreakerOpen{Name: b.name, Remaining: remaining}
	}

	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state, honoring OPEN→HALF_OPEN elapse. The
// stored state only moves on the next Allow; reporting the elapsed circuit
// as HALF_OPEN keeps status views consistent with what Allow would do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.currentTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns a serializable view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:     b.name,
		State:    b.state,
		Failures: b.failures,
		Timeout:  b.currentTimeout,
		OpenedAt: b.openedAt,
	}
}

// Restore applies a persisted snapshot. An OPEN snapshot whose timeout has
// already elapsed restores as CLOSED.
func (b *Breaker) Restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if snap.State == StateOpen && b.now().Sub(snap.OpenedAt) < snap.Timeout {
		b.state = StateOpen
		b.failures = snap.Failures
		b.currentTimeout = snap.Timeout
		b.openedAt = snap.OpenedAt
	} else {
		b.state = StateClosed
		b.failures = 0
		b.currentTimeout = b.cfg.MinTimeout
	}
	b.publishState()
}

// trip opens the circuit with an adaptive, jittered timeout. Caller holds
// the lock.
func (b *Breaker) trip(now time.Time) {
	b.openedAt = now
	b.currentTimeout = b.adaptiveTimeout(now)
	b.transition(StateOpen)
}

// adaptiveTimeout amplifies exponential backoff when failures cluster in
// time, not just by raw count:
//
//	timeout = clamp(min·factor^(failures-1)·(1+min(3, perMin/10)), min, max) ± jitter
func (b *Breaker) adaptiveTimeout(now time.Time) time.Duration {
	b.pruneRecent(now)
	perMin := float64(len(b.recentFailures))

	base := float64(b.cfg.MinTimeout) * math.Pow(b.cfg.BackoffFactor, float64(b.failures-1))
	base *= 1 + math.Min(3, perMin/10)

	timeout := math.Min(math.Max(base, float64(b.cfg.MinTimeout)), float64(b.cfg.MaxTimeout))

	if b.cfg.Jitter > 0 {
		// uniform in [-jitter, +jitter]
		frac := (b.jitterF()*2 - 1) * b.cfg.Jitter
		timeout *= 1 + frac
	}
	return time.Duration(timeout)
}

func (b *Breaker) pruneRecent(now time.Time) {
	cutoff := now.Add(-failureWindow)
	kept := b.recentFailures[:0]
	for _, t := range b.recentFailures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.recentFailures = kept
}

// transition updates the state, metrics and the persistence hook. Caller
// holds the lock.
func (b *Breaker) transition(next State) {
	b.state = next
	b.publishState()
	if b.onTrip != nil {
		b.onTrip(Snapshot{
			Name:     b.name,
			State:    b.state,
			Failures: b.failures,
			Timeout:  b.currentTimeout,
			OpenedAt: b.openedAt,
		})
	}
}

func (b *Breaker) publishState() {
	var v float64
	switch b.state {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(v)
}
