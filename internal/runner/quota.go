package runner

import (
	"math/rand/v2"
	"time"
)

// EffectiveJitter caps jitter at a quarter of base.
func EffectiveJitter(base, jitter int) int {
	if jitter < 0 {
		return 0
	}
	if q := base / 4; jitter > q {
		return q
	}
	return jitter
}

// Quota draws the number of iterations a worker runs before retiring,
// uniformly from [base-j, base+j] with j = EffectiveJitter(base, jitter).
// intn may be nil.
func Quota(base, jitter int, intn func(n int) int) int {
	if base <= 0 {
		base = 100
	}
	j := EffectiveJitter(base, jitter)
	if j == 0 {
		return base
	}
	if intn == nil {
		intn = rand.IntN
	}
	return base - j + intn(2*j+1)
}

// NextWait is the sleep before the next run: the interval minus what the
// previous run already consumed, never negative.
func NextWait(interval, last time.Duration) time.Duration {
	if last >= interval {
		return 0
	}
	return interval - last
}
