// Package retry provides the exponential backoff policy shared by RS's
// optional idempotent-retry path and WPS's nonce/fee retry path, so the two
// call sites don't each reimplement backoff math.
package retry

import (
	"context"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

// Delay returns the backoff delay before attempt n (0-indexed), capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d > p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Sleep waits for Delay(attempt) or until ctx is cancelled, whichever comes
// first. It returns ctx.Err() if cancellation won the race.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn up to p.MaxAttempts times, sleeping between attempts according
// to the backoff schedule, stopping early when fn returns nil or an error
// that retryable rejects. It returns the last error.
func Do(ctx context.Context, p Policy, retryable func(err error) bool, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.Sleep(ctx, attempt-1); err != nil {
				return err
			}
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
