// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks err as not retryable. Do returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policy builds the backoff for at most maxAttempts calls starting at
// baseDelay. The interval doubles after each attempt with +-25% jitter.
func Policy(ctx context.Context, maxAttempts int, baseDelay time.Duration) backoff.BackOff {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
}

// Do calls fn up to maxAttempts times. It stops on success, on a
// permanent error, or when ctx is done, returning ctx.Err() in that case.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return backoff.Retry(fn, Policy(ctx, maxAttempts, baseDelay))
}
