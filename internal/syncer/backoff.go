package syncer

import "time"

// RetryDelay computes the backoff for the nth attempt (1-indexed):
// initial * 2^(attempt-1), capped at max. It is a pure function so the
// schedule can be verified without a running broker.
func RetryDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
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
