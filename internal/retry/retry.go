// Package retry wraps transient operations in an exponential-backoff
// loop filtered by a retryable predicate.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/Maayk/klauncher-hytale/internal/cdperr"
)

// Options tunes a retry loop. Zero values take the defaults below.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether a failure is worth another attempt.
	// Defaults to cdperr.IsTransport.
	Retryable func(error) bool
	// OnRetry is called before each back-off sleep with the attempt
	// number (1-based) and the error that triggered the retry.
	OnRetry func(attempt int, err error)
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.Retryable == nil {
		o.Retryable = cdperr.IsTransport
	}
	return o
}

// Delay returns the back-off before attempt n (1-based):
// min(base * 2^(n-1), max).
func (o Options) Delay(attempt int) time.Duration {
	d := o.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	if d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, exhausts opts.MaxAttempts, fails with a
// non-retryable error, or ctx is cancelled. The last error is returned
// unwrapped so callers can branch on its kind.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if !opts.Retryable(lastErr) || attempt == opts.MaxAttempts {
			return lastErr
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, lastErr)
		}
		if err := sleep(ctx, opts.Delay(attempt)); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
