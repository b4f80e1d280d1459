// Package backoff provides retry delay strategies for failed jobs. All
// strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return time.Duration(capped(e.Initial, e.Max, attempt))
}

// ExponentialWithJitter picks a random delay in [0, exponential bound] so
// retries from many workers spread out.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	return time.Duration(rand.Float64() * capped(e.Initial, e.Max, attempt)) //nolint:gosec // jitter only
}

func capped(initial, maxDelay time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return d
}

// New builds a strategy by name: constant, exponential or exponential_jitter.
func New(name string, initial, maxDelay time.Duration) Strategy {
	switch name {
	case "constant":
		return Constant{Interval: initial}
	case "exponential":
		return Exponential{Initial: initial, Max: maxDelay}
	default:
		return ExponentialWithJitter{Initial: initial, Max: maxDelay}
	}
}

// Default is exponential with jitter from 1s to 1m.
func Default() Strategy {
	return ExponentialWithJitter{Initial: time.Second, Max: time.Minute}
}
