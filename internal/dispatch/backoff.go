package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// nextAttemptDelay returns the backoff before attempt n+1: exponential
// from the base interval, capped, with jitter so overlapping dispatcher
// instances don't reclaim in lockstep. The options form is required:
// the constructor snapshots the current interval, so assigning fields
// afterwards would leave the first delay at the library default.
func nextAttemptDelay(base, maxInterval time.Duration, priorAttempts int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.2),
		backoff.WithMaxElapsedTime(0),
	)

	delay := b.NextBackOff()
	for i := 0; i < priorAttempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
