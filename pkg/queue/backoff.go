package queue

import (
	"math/rand"
	"time"
)

// BackoffConfig controls the retry schedule for failed attempts
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoffConfig returns the production retry schedule
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:   30 * time.Second,
		Max:    15 * time.Minute,
		Jitter: 0.2,
	}
}

// Delay returns the wait before retrying after the given attempt.
// Doubles per attempt up to Max, with a random jitter fraction added
// so a burst of failures does not retry in lockstep.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := c.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.Max {
			delay = c.Max
			break
		}
	}
	if delay > c.Max {
		delay = c.Max
	}

	if c.Jitter > 0 {
		delay += time.Duration(rand.Float64() * c.Jitter * float64(delay))
	}
	return delay
}

// NextRetryAt returns the run time for the next attempt
func (c BackoffConfig) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(c.Delay(attempt))
}
