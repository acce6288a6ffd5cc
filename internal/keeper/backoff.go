package keeper

import (
	"math/rand/v2"
	"time"
)

// backoff returns the wait before the next attempt after attempts failures:
// min(base·2^(attempts−1), cap) plus up to Jitter of random spread.
func (c Config) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.BackoffBase
	for i := 1; i < attempts && d < c.BackoffCap; i++ {
		d *= 2
	}
	if d > c.BackoffCap {
		d = c.BackoffCap
	}
	if c.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(c.Jitter)))
	}
	return d
}
