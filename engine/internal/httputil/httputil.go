package httputil

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy describes how an operation is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int
	// Backoff returns the wait after the given (1-based) failed attempt.
	Backoff func(attempt int) time.Duration
	// AttemptTimeout bounds a single attempt. No bound is applied when zero.
	AttemptTimeout time.Duration
}

// LinearBackoff returns a backoff function that waits base * attempt.
func LinearBackoff(base time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks the error so that Do stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent returns true if the error was marked with Permanent.
func IsPermanent(err error) bool {
	var perr *permanentError
	return errors.As(err, &perr)
}

// Do calls f until it succeeds, returns a permanent error, or the attempts
// are exhausted. onRetry, if non-nil, is called before each wait.
func (p RetryPolicy) Do(
	ctx context.Context,
	f func(ctx context.Context, attempt int) error,
	onRetry func(attempt int, err error, wait time.Duration),
) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be greater than 0")
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = p.attempt(ctx, attempt, f)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if onRetry != nil {
			onRetry(attempt, lastErr, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("retry count exceeded: %w", lastErr)
}

func (p RetryPolicy) attempt(ctx context.Context, attempt int, f func(ctx context.Context, attempt int) error) error {
	if p.AttemptTimeout <= 0 {
		return f(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return f(actx, attempt)
}
