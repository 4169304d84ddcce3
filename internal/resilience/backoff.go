package resilience

import "time"

// Backoff returns the delay before retry number attempt (1-based): base
// doubled for every attempt after the first, capped at limit. There is no
// jitter, so the sequence is non-decreasing. attempt < 1 is treated as 1 and a
// non-positive limit disables the cap.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if limit > 0 && d >= limit {
			break
		}
		// Stop doubling before the shift overflows.
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}
