// Package backoff computes jittered exponential delays for message redelivery.
package backoff

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Exponential doubles the delay per failed attempt, capped at Max.
type Exponential struct {
	base time.Duration
	max  time.Duration
}

// New builds a policy. A max below base pins every delay to base.
func New(base, maxDelay time.Duration) *Exponential {
	if base < 0 {
		base = 0
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Exponential{base: base, max: maxDelay}
}

// Delay returns the wait before redelivering a message whose attempt-th
// delivery failed. The result lies in [d/2, d) where d is the capped
// exponential delay.
func (p *Exponential) Delay(attempt int) time.Duration {
	if p.base == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.base) * math.Pow(2, float64(attempt-1))
	if d > float64(p.max) {
		d = float64(p.max)
	}
	half := time.Duration(d / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
