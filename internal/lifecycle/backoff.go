package lifecycle

import (
	"crypto/rand"
	"log"
	"math/big"
	"time"
)

// nextBackoff grows the delay by 1.5x up to the cap, with jitter of up to a
// quarter of the delay to avoid thundering retries across symbols.
func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// backoffForAttempt computes the delay for the nth retry attempt (1-based).
func backoffForAttempt(initial, max time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff >= max {
			backoff = max
			break
		}
	}
	return nextBackoff(backoff, max)
}
