// Package resilience provides the bounded exponential-backoff retry used
// by the Transaction Executor's recoverable-error budget and by the Feed
// Fetcher's HTTP calls. No retry anywhere in Omikuji is unbounded.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig bounds a retry loop.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, fraction of delay randomized
}

// DefaultRetryConfig is the small recoverable-error budget spec.md §5
// mandates for transport/nonce glitches (default 3 attempts).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// permanentError wraps an error that Retry must not spend further
// attempts on, mirroring the common backoff-library "permanent error"
// idiom since fn alone has no other way to signal "don't retry this".
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable: Retry returns it immediately
// (unwrapped) on the attempt that produces it, spending no further
// budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes fn up to cfg.MaxAttempts times with exponential backoff,
// returning nil on the first success or the last error if every attempt
// fails. It stops early if ctx is cancelled during a backoff sleep, or if
// fn returns an error wrapped with Permanent.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
