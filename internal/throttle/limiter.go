// Package throttle bounds how fast and how many chain calls are issued.
package throttle

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits at a strict minimum interval, so bursts never
// exceed the configured rate.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration
	rate           float64
}

// NewLimiter creates a Limiter with the given rate in permits per second.
// Non-positive rates are clamped to 1.
func NewLimiter(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Limiter{
		nextPermitTime: time.Now(),
		interval:       time.Duration(float64(time.Second) / ratePerSec),
		rate:           ratePerSec,
	}
}

// Wait blocks until a permit is available or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	// An idle limiter does not bank permits.
	if l.nextPermitTime.Before(now) {
		l.nextPermitTime = now
	}
	permitTime := l.nextPermitTime
	l.nextPermitTime = permitTime.Add(l.interval)
	l.mu.Unlock()

	waitDuration := time.Until(permitTime)
	if waitDuration <= 0 {
		return nil
	}

	timer := time.NewTimer(waitDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Rate returns the configured rate.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}
