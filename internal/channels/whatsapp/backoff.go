package whatsapp

import "time"

// backoffDelay returns the retry delay after n prior failed attempts:
// the initial delay doubled per attempt, capped at max and at ten
// doublings. Degenerate configs (zero initial, overflow) yield max so
// the queue never spins hot.
func backoffDelay(n int, initial, max time.Duration) time.Duration {
	if n > 10 {
		n = 10
	}
	if n < 0 {
		n = 0
	}
	d := initial << uint(n)
	if d <= 0 || d > max {
		return max
	}
	return d
}
