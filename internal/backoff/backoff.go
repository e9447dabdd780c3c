// Package backoff computes exponential retry delays.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy is an exponential backoff schedule. The zero value is not usable;
// fill Base and Max or start from Default.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the delay randomized in both directions, 0 disables it.
	Jitter float64
}

// Default returns a one second base doubling up to five minutes.
func Default() Policy {
	return Policy{Base: time.Second, Max: 5 * time.Minute, Multiplier: 2}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
