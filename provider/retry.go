package provider

import (
	"context"
	"time"
)

// RetryPolicy retries an operation with exponential backoff. The zero value
// is unusable; use DefaultRetryPolicy or construct one explicitly. A single
// policy instance is shared by every provider call in a process so retry
// behavior is tuned in one place.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the sleep after the first failure.
	BaseDelay time.Duration

	// Multiplier scales the delay after each failure. 2 doubles it.
	Multiplier float64
}

// DefaultRetryPolicy matches the production defaults: three attempts with
// one second base delay, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// Do runs op until it succeeds, attempts run out, or ctx is done. It returns
// nil on success, ctx.Err() on cancellation, and the last op error otherwise.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	delay := p.BaseDelay
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if last = op(ctx); last == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if p.Multiplier > 0 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}
	return last
}
