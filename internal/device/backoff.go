package device

import (
	"math/rand"
	"time"
)

// Backoff returns the base reconnect delay for the given attempt
// (1-based): exponential doubling from base, capped at max. It is a
// pure function of the attempt count so schedules can be tested
// without a clock.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Jitter spreads a delay by ±25% so a fleet of devices does not
// reconnect in lockstep.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 2
	return d - time.Duration(spread/2) + time.Duration(rand.Int63n(spread+1))
}
