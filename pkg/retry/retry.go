// Package retry runs an operation with a bounded number of attempts and backoff between them.
package retry

import (
	"context"
	"math"
	"time"
)

// Backoff identifies how the wait between attempts grows.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy bounds an operation's attempts.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Backoff     Backoff
	// Sleep waits between attempts; nil uses a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Linear returns a policy of maxAttempts attempts waiting delay*n after the n-th failure.
func Linear(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: delay, Backoff: BackoffLinear}
}

// DelayAfter returns the wait after the given failed attempt (1-based).
func (p Policy) DelayAfter(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.Delay * time.Duration(attempt)
	case BackoffExponential:
		d = p.Delay * time.Duration(math.Pow(2, float64(attempt-1)))
	default:
		d = p.Delay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Func is one attempt; attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do calls fn until it succeeds, attempts run out, or ctx is done. It returns the last error.
func Do(ctx context.Context, p Policy, fn Func) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx, attempt); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.DelayAfter(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
