package common

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds how often a transient failure is retried. Attempts are
// spaced by an exponential backoff starting at InitialInterval and capped at
// MaxInterval.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy allows three attempts starting one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 30 * time.Second}
}

// Retry runs operation until it succeeds, returns an error wrapped with
// Permanent, runs out of attempts, or ctx is done. The last error is
// returned on failure. notify, when non-nil, is called before each wait.
// A *StatusError carrying RetryAfter stretches the next wait to at least
// that long.
func Retry(ctx context.Context, policy RetryPolicy, operation func() error, notify func(err error, wait time.Duration)) error {
	expBackoff := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		expBackoff.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		expBackoff.MaxInterval = policy.MaxInterval
	}
	// Attempts bound the retry, not wall time.
	expBackoff.MaxElapsedTime = 0

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	hinted := &retryAfterBackOff{BackOff: expBackoff}
	op := func() error {
		hinted.lastErr = operation()
		return hinted.lastErr
	}

	b := backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(op, b, notify)
}

// retryAfterBackOff waits max(server Retry-After, next backoff interval).
type retryAfterBackOff struct {
	backoff.BackOff
	lastErr error
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	var serr *StatusError
	if errors.As(b.lastErr, &serr) && serr.RetryAfter > next {
		return serr.RetryAfter
	}
	return next
}

// Permanent marks err as not worth retrying. It must be returned unwrapped
// from the operation passed to Retry.
func Permanent(err error) error { return backoff.Permanent(err) }

// Sleep pauses for d or until ctx is done, whichever comes first. It returns
// ctx.Err() when the wait was cut short.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
