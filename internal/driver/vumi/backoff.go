package vumi

import (
	"math/rand/v2"
	"time"
)

const defaultJitterPercent = 25

// jitteredDelay spreads base by ±jitterPct percent and caps the result.
func jitteredDelay(base, ceiling time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = defaultJitterPercent
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > ceiling {
		wait = ceiling
	}

	return wait
}

// nextBackoff doubles current without exceeding ceiling.
func nextBackoff(current, ceiling time.Duration) time.Duration {
	if current*2 > ceiling {
		return ceiling
	}

	return current * 2
}
