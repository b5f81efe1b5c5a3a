package session

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls reconnect delays.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// NextBackoffDelay returns the retry delay for attempt N (1-based). With
// jitter the delay is scaled by a random factor in [0.5, 1.5); the
// result never exceeds MaxDelay.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}
	return time.Duration(delay)
}
