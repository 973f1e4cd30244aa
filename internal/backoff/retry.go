package backoff

import (
	"context"
	"errors"
)

// ErrAttemptsExhausted is returned when all retry attempts have failed.
var ErrAttemptsExhausted = errors.New("max retry attempts exhausted")

// Do runs fn up to maxAttempts times, sleeping between attempts per the
// policy. A nil return stops the loop. When retryable is non-nil and
// reports false for an error, that error is returned immediately without
// further attempts. Context cancellation is checked before each attempt
// and honored during the backoff sleep.
func Do(ctx context.Context, p Policy, maxAttempts int, retryable func(error) bool, fn func() error) error {
	if fn == nil || maxAttempts <= 0 {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, Compute(p, attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// Retry runs fn up to maxAttempts times and returns its value. Unlike
// Do it retries every error; use it for operations whose failures are
// uniformly transient.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		return zero, ErrAttemptsExhausted
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := Sleep(ctx, Compute(p, attempt)); err != nil {
				return zero, err
			}
		}
	}
	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}
