package resilience

import (
	"math/rand/v2"
	"time"
)

// MaxBackoff caps the delay Backoff returns before jitter.
const MaxBackoff = 5 * time.Minute

// Backoff returns base doubled once per attempt after the first, capped at
// MaxBackoff, then spread by ±jitter (a fraction, 0.2 means 20%).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, MaxBackoff)
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * min(jitter, 1)
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
