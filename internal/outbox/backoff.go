package outbox

import (
	"math/rand"
	"time"
)

// backoffJitter is the fraction of the computed delay added or subtracted
// at random to spread retries out (±20%).
const backoffJitter = 0.2

// backoffDelay computes the retry delay for an op that has failed attempt
// times: min(base * 2^attempt, max), with jitterFrac applied as a signed
// fraction of the capped delay. The result never exceeds max.
//
// jitterFrac must be in [-backoffJitter, backoffJitter]; pass 0 for the
// deterministic midpoint.
func backoffDelay(attempt int, base, max time.Duration, jitterFrac float64) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	delay += time.Duration(float64(delay) * jitterFrac)
	if delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// randJitter returns a uniform jitter fraction in [-backoffJitter, backoffJitter].
func randJitter(rng *rand.Rand) float64 {
	return (rng.Float64()*2 - 1) * backoffJitter
}
