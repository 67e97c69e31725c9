package bch

import (
	"context"
	"errors"
	"time"

	"github.com/x402-bch/facilitator/logger"
)

// RetryPolicy controls how node calls are retried. Delay doubles after each
// failed attempt.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy is used when a wallet is created without one.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond}

// permanentError stops the retry loop.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, runs out of
// attempts or ctx is done. The last error is returned unwrapped.
func (p RetryPolicy) Do(ctx context.Context, op string, log logger.Logger, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	log = logger.OrNoop(log)

	var lastErr error
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == attempts-1 {
			break
		}

		delay := p.Delay * time.Duration(1<<uint(attempt))
		log.Warn("node call failed, retrying", map[string]any{
			"op":      op,
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   lastErr,
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}

	return lastErr
}
