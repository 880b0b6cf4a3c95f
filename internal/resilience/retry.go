package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/skaranth/optioncollector/internal/faults"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	BackoffBase time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
	Whitelist   []faults.Category // non-empty: only these categories retry
	Blacklist   []faults.Category // always forbids retry, beats whitelist
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	MaxElapsed:  20 * time.Second,
	BackoffBase: 500 * time.Millisecond,
	MaxBackoff:  10 * time.Second,
	Jitter:      true,
}

// RetryExhaustedError aggregates a failed retry sequence, wrapping the last
// attempt's error.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Policy wraps calls with classified, bounded retries. Compose it inside a
// breaker: breaker.Execute(ctx, func(ctx) { return policy.Do(ctx, op, fn) })
// so the breaker records one failure per outer call regardless of inner
// attempt count.
type Policy struct {
	cfg     RetryConfig
	sleep   func(context.Context, time.Duration) error
	jitterF func() float64
}

// NewPolicy creates a retry policy.
func NewPolicy(cfg RetryConfig) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = DefaultRetryConfig.MaxElapsed
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultRetryConfig.BackoffBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultRetryConfig.MaxBackoff
	}
	return &Policy{
		cfg:     cfg,
		sleep:   sleepCtx,
		jitterF: rand.Float64,
	}
}

// Do runs fn with retries until success, a non-retryable error, attempt
// exhaustion or the elapsed cap running out.
func (p *Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		attempts++
		if lastErr == nil {
			return nil
		}

		if !p.retryable(lastErr) {
			return lastErr
		}
		if attempt == p.cfg.MaxAttempts-1 {
			break
		}
		if time.Since(start) >= p.cfg.MaxElapsed {
			break
		}

		if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
			return err
		}
	}

	// Attempts reports attempts actually made; the elapsed cap can cut the
	// sequence short of MaxAttempts.
	return &RetryExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}

// retryable applies the classification rule: breaker-open is never retried
// by the immediate caller; blacklist always forbids; a non-empty whitelist
// permits only listed categories; otherwise the default retryable class
// (timeout/connection) applies.
func (p *Policy) retryable(err error) bool {
	var open *ErrBreakerOpen
	if errors.As(err, &open) {
		return false
	}

	category, _ := faults.Classify(err)

	for _, c := range p.cfg.Blacklist {
		if c == category {
			return false
		}
	}
	if len(p.cfg.Whitelist) > 0 {
		for _, c := range p.cfg.Whitelist {
			if c == category {
				return true
			}
		}
		return false
	}
	return category.Retryable()
}

func (p *Policy) backoff(attempt int) time.Duration {
	d := float64(p.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	if d > float64(p.cfg.MaxBackoff) {
		d = float64(p.cfg.MaxBackoff)
	}
	if p.cfg.Jitter {
		d *= 0.5 + p.jitterF() // uniform in [0.5, 1.5)
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
