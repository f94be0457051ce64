// Package backoff computes retry delays for failed uploads.
package backoff

import "time"

// Policy maps an attempt count to the delay before the next try.
// NextDelay is deterministic; callers that want jitter add it themselves.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// NextDelay returns min(Base * 2^attempt, Max). It is non-decreasing in
// attempt and never exceeds Max, including when the doubling overflows.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max || d < 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
