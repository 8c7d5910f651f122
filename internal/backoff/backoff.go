// Package backoff provides retry delay strategies for transient job
// failures. Strategies are stateless and safe for concurrent use.
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

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt, capped at Max:
// Initial * 2^(attempt-1).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// FullJitter draws a random delay in [0, exponential(attempt)] so that
// simultaneous retries spread out instead of herding.
type FullJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func NewFullJitter(initial, maxDelay time.Duration) *FullJitter {
	return &FullJitter{Initial: initial, Max: maxDelay}
}

func (f *FullJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(f.Initial) * math.Pow(2, float64(attempt-1))
	if f.Max > 0 && ceiling > float64(f.Max) {
		ceiling = float64(f.Max)
	}
	return time.Duration(rand.Float64() * ceiling)
}

// Default is the strategy the worker pool uses unless configured
// otherwise: full-jitter exponential, 2s initial, 1m cap.
func Default() Strategy {
	return NewFullJitter(2*time.Second, time.Minute)
}
