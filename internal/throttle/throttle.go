package throttle

import (
	"context"
)

// Throttle combines an optional rate limit with an optional cap on calls in
// flight. The zero value and a nil *Throttle do not throttle.
type Throttle struct {
	limiter   *Limiter
	semaphore chan struct{}
}

// Config for creating a Throttle. Zero values disable the matching limit.
type Config struct {
	RatePerSec  float64
	MaxInFlight int
}

// New creates a Throttle.
func New(cfg Config) *Throttle {
	t := &Throttle{}
	if cfg.RatePerSec > 0 {
		t.limiter = NewLimiter(cfg.RatePerSec)
	}
	if cfg.MaxInFlight > 0 {
		t.semaphore = make(chan struct{}, cfg.MaxInFlight)
	}
	return t
}

// Acquire blocks until the call may start. The returned release func must be
// called when the call finishes; it is never nil.
func (t *Throttle) Acquire(ctx context.Context) (release func(), err error) {
	release = func() {}
	if t == nil {
		return release, nil
	}

	if t.semaphore != nil {
		select {
		case t.semaphore <- struct{}{}:
			release = func() { <-t.semaphore }
		case <-ctx.Done():
			return func() {}, ctx.Err()
		}
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			release()
			return func() {}, err
		}
	}
	return release, nil
}

// InFlight returns the number of calls currently holding a slot.
func (t *Throttle) InFlight() int {
	if t == nil || t.semaphore == nil {
		return 0
	}
	return len(t.semaphore)
}

// Enabled reports whether any limit is configured.
func (t *Throttle) Enabled() bool {
	return t != nil && (t.limiter != nil || t.semaphore != nil)
}
