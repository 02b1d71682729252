// Package retry decides when an agent should attempt its next heartbeat or
// reconnect after failures.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// JitterFraction is the symmetric jitter applied to each computed delay.
const JitterFraction = 0.1

// Rand is the randomness source used for jitter. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// ComputeDelay returns the backoff for the given 1-based attempt:
// min(maxDelay, base*2^(attempt-1)) with ±10% jitter, clamped to
// [0, maxDelay*1.1].
func ComputeDelay(attempt int, base, maxDelay time.Duration, rng Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if rng == nil {
		rng = globalRand{}
	}

	raw := float64(base) * math.Pow(2, float64(attempt-1))
	if raw > float64(maxDelay) || math.IsInf(raw, 0) {
		raw = float64(maxDelay)
	}

	jitter := (rng.Float64()*2 - 1) * JitterFraction
	delay := raw * (1 + jitter)

	upper := float64(maxDelay) * (1 + JitterFraction)
	if delay > upper {
		delay = upper
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
