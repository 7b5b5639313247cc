package worker

import (
	"math/rand/v2"
	"time"
)

// Policy is the retry schedule for one error category.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries uint32
}

var policies = map[Category]Policy{
	CategoryTransient:   {BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxRetries: 3},
	CategoryRateLimited: {BaseDelay: 5 * time.Second, MaxDelay: 120 * time.Second, MaxRetries: 5},
	CategoryPermanent:   {},
}

// Policy returns the retry schedule for the category.
func (c Category) Policy() Policy {
	return policies[c]
}

// ShouldRetry reports whether attempt n (0-indexed) may be retried.
func (c Category) ShouldRetry(n uint32) bool {
	return c != CategoryPermanent && n < c.Policy().MaxRetries
}

// Backoff returns the delay before retrying attempt n.
func (c Category) Backoff(n uint32) time.Duration {
	return c.Policy().Delay(n)
}

// Delay computes min(MaxDelay, BaseDelay·2^n), saturating at MaxDelay.
func (p Policy) Delay(n uint32) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := uint32(0); i < n; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Jitter adds up to 10% on top of d. It never shortens a delay.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d / 10)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(spread))
}
