package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterMinimumRate(t *testing.T) {
	if got := NewLimiter(0).Rate(); got != 1 {
		t.Errorf("NewLimiter(0).Rate() = %v, want 1", got)
	}
	if got := NewLimiter(-5).Rate(); got != 1 {
		t.Errorf("NewLimiter(-5).Rate() = %v, want 1", got)
	}
}

func TestLimiterSpacesPermits(t *testing.T) {
	l := NewLimiter(100) // 10ms interval
	ctx := context.Background()

	start := time.Now()
	for range 5 {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	elapsed := time.Since(start)

	// First permit is immediate, the next four are spaced by 10ms.
	if elapsed < 35*time.Millisecond {
		t.Errorf("5 permits at 100/s took %v, want >= 40ms", elapsed)
	}
}

func TestLimiterWaitCancellation(t *testing.T) {
	l := NewLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())

	_ = l.Wait(ctx)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := l.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestThrottleMaxInFlight(t *testing.T) {
	th := New(Config{MaxInFlight: 3})
	ctx := context.Background()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := th.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 3 {
		t.Errorf("peak in flight = %d, want <= 3", got)
	}
	if got := th.InFlight(); got != 0 {
		t.Errorf("InFlight() after all released = %d, want 0", got)
	}
}

func TestThrottleAcquireCancelled(t *testing.T) {
	th := New(Config{MaxInFlight: 1})
	release, err := th.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := th.Acquire(ctx); err != context.DeadlineExceeded {
		t.Errorf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestNilThrottle(t *testing.T) {
	var th *Throttle
	release, err := th.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire on nil: %v", err)
	}
	release()
	if th.Enabled() {
		t.Error("nil Throttle reports Enabled")
	}
	if New(Config{}).Enabled() {
		t.Error("zero Config reports Enabled")
	}
}
