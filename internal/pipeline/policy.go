package pipeline

import (
	"context"
	"time"
)

// Policy governs retries for every external service call. It is pure
// data so behavior can be tested without a pipeline.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// RetryDelay is the fixed pause before a retry.
	RetryDelay time.Duration
	// CallTimeout bounds each individual attempt. It must stay below
	// the device's own reply timeout so the device timeout is only a
	// safety net.
	CallTimeout time.Duration
}

// DefaultPolicy retries each external call once after a short fixed
// delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		RetryDelay:  300 * time.Millisecond,
		CallTimeout: 8 * time.Second,
	}
}

// Delay returns the pause before the given attempt (1-based). The
// first attempt has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.RetryDelay
}

// call runs fn under the policy: bounded attempts, fixed inter-attempt
// delay, per-attempt timeout. Context cancellation stops retrying
// immediately.
func (p Policy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}
