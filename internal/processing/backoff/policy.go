// Package backoff computes jittered exponential retry delays.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBase = 1 * time.Second
	DefaultMax  = 60 * time.Second

	jitterMin = 0.5
	jitterMax = 1.5
)

// Policy holds the delay bounds for one run.
type Policy struct {
	Base time.Duration
	Max  time.Duration

	// rand returns a float in [0, 1); nil uses math/rand/v2.
	rand func() float64
}

// NewPolicy returns a policy with defaults applied to zero bounds.
func NewPolicy(base, max time.Duration) Policy {
	base, max = normalize(base, max)
	return Policy{Base: base, Max: max}
}

// WithRand returns a copy of p drawing jitter from fn.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// Delay returns the delay before retry number attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	r := p.rand
	if r == nil {
		r = rand.Float64
	}
	return delay(attempt, p.Base, p.Max, r())
}

// Ceiling is the largest delay the policy can return.
func (p Policy) Ceiling() time.Duration {
	_, max := normalize(p.Base, p.Max)
	return time.Duration(float64(max) * jitterMax)
}

// DelayFor computes min(max, base*2^(attempt-1)) scaled by a uniform jitter
// factor in [0.5, 1.5].
func DelayFor(attempt int, base, max time.Duration) time.Duration {
	return delay(attempt, base, max, rand.Float64())
}

// Expected returns the jitter-free delay for attempt.
func Expected(attempt int, base, max time.Duration) time.Duration {
	base, max = normalize(base, max)
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func delay(attempt int, base, max time.Duration, u float64) time.Duration {
	d := Expected(attempt, base, max)
	factor := jitterMin + u*(jitterMax-jitterMin)
	return time.Duration(float64(d) * factor)
}

func normalize(base, max time.Duration) (time.Duration, time.Duration) {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < base {
		max = base
	}
	return base, max
}
