package dispatcher

import (
	"math/rand"
	"time"
)

// JitterFunc adds randomness to a computed delay. Injectable so tests
// stay deterministic.
type JitterFunc func(delay time.Duration) time.Duration

// DefaultJitter adds up to 10% of the delay.
func DefaultJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(delay)/10 + 1))
}

// NoJitter returns the delay unchanged.
func NoJitter(time.Duration) time.Duration { return 0 }

// Backoff computes the delay before the next attempt given how many
// attempts have already run. Doubles from base and is capped, so the
// schedule with base=60s is 60, 120, 240, 480, ... up to the cap.
func Backoff(attempts int, base, cap time.Duration, jitter JitterFunc) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if delay > cap {
		delay = cap
	}

	if jitter != nil {
		delay += jitter(delay)
	}
	return delay
}
