// Package retry is the single retry policy shared by source calls, sink calls
// and queue publishes.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy describes how a failing operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int
	// BaseDelay is the first backoff step; later steps double.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff step. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter adds up to +/- Jitter to every step.
	Jitter time.Duration
	// Retryable decides whether an error is worth another attempt.
	// When nil, every error that is not Permanent or a context error is retried.
	Retryable func(error) bool
}

// Default is used by components that were not given an explicit policy.
var Default = Policy{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 100 * time.Millisecond}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable regardless of the policy predicate.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type retryAfter interface{ RetryAfter() time.Duration }

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	b := goretry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.Jitter > 0 {
		b = goretry.WithJitter(p.Jitter, b)
	}
	b = goretry.WithMaxRetries(uint64(attempts-1), b)

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return err
		}
		// Upstream asked for a specific pause; honor it before the backoff step.
		var ra retryAfter
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			if serr := Sleep(ctx, ra.RetryAfter()); serr != nil {
				return serr
			}
		}
		return goretry.RetryableError(err)
	})
	var p2 *permanentError
	if errors.As(err, &p2) {
		return p2.err
	}
	return err
}

func (p Policy) retryable(err error) bool {
	if IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Sleep waits for d or until ctx is done.
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
