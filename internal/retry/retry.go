// Package retry implements the kernel's backoff-with-jitter retry engine,
// grounded on retry.py's async_retry/RetryPolicy. Go has no
// ConnectionError/TimeoutError exception hierarchy to special-case, so
// retriability is an explicit predicate supplied by the caller (defaulting
// to errors.Is-checking net.Error/context.DeadlineExceeded) instead of an
// isinstance check against a fixed tuple of exception types.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"encore.app/internal/clock"
)

// Policy mirrors retry.py's RetryPolicy dataclass field-for-field.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterRatio       float64
}

// DefaultPolicy matches the Python dataclass defaults (3 attempts, 200ms
// initial delay, 5s cap, 2x multiplier, 20% jitter).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterRatio:       0.2,
	}
}

// ShouldRetry decides whether an error returned by the retried function
// should trigger another attempt. DefaultShouldRetry treats timeouts,
// network errors and a cancelled-via-deadline context as retriable —
// the Go-native reading of retry.py's (TimeoutError, ConnectionError,
// OSError) tuple.
type ShouldRetry func(err error) bool

// DefaultShouldRetry is used when Do is called without an explicit
// predicate.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// ErrInvalidPolicy is returned when Do is called with MaxAttempts <= 0,
// matching async_retry's ValueError guard.
var ErrInvalidPolicy = errors.New("retry: max_attempts must be > 0")

// Do runs fn, retrying on failure per policy until it succeeds, its
// attempts are exhausted, or shouldRetry (DefaultShouldRetry if nil)
// rejects the error. Passing a clk/rnd pair other than clock.Real/
// clock.SystemRand makes backoff deterministic for tests, the same role
// retry.py's random.uniform plays when monkeypatched in test_*.py.
func Do(ctx context.Context, policy Policy, clk clock.Clock, rnd clock.Rand, shouldRetry ShouldRetry, fn func() (any, error)) (any, error) {
	if policy.MaxAttempts <= 0 {
		return nil, ErrInvalidPolicy
	}
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	attempt := 1
	delay := policy.InitialDelay

	for {
		v, err := fn()
		if err == nil {
			return v, nil
		}

		if attempt >= policy.MaxAttempts || !shouldRetry(err) {
			return nil, err
		}

		jitter := float64(delay) * policy.JitterRatio
		offset := (rnd.Float64()*2 - 1) * jitter // uniform(-jitter, jitter)
		sleepFor := time.Duration(float64(delay) + offset)
		if sleepFor < 0 {
			sleepFor = 0
		}
		if sleepFor > policy.MaxDelay {
			sleepFor = policy.MaxDelay
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		clk.Sleep(sleepFor)

		attempt++
		delay = time.Duration(float64(delay) * policy.BackoffMultiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
