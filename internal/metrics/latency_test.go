package metrics

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func TestStreamingLatencyStats_Basic(t *testing.T) {
	s := NewStreamingLatencyStats()

	for i := 0; i < 100; i++ {
		s.Add(float64(i))
	}

	stats := s.Snapshot()
	if stats == nil {
		t.Fatal("expected non-nil stats")
	}
	if stats.Count != 100 {
		t.Errorf("expected count 100, got %d", stats.Count)
	}
	if stats.Min != 0 {
		t.Errorf("expected min 0, got %f", stats.Min)
	}
	if stats.Max != 99 {
		t.Errorf("expected max 99, got %f", stats.Max)
	}
	if math.Abs(stats.Avg-49.5) > 0.1 {
		t.Errorf("expected avg ~49.5, got %f", stats.Avg)
	}
	if math.Abs(stats.P50-49.5) > 2 {
		t.Errorf("expected p50 ~49.5, got %f", stats.P50)
	}
	if math.Abs(stats.P99-98) > 2 {
		t.Errorf("expected p99 ~98, got %f", stats.P99)
	}
}

func TestStreamingLatencyStats_Empty(t *testing.T) {
	s := NewStreamingLatencyStats()

	if stats := s.Snapshot(); stats != nil {
		t.Error("expected nil stats for empty collector")
	}
}

func TestStreamingLatencyStats_Buckets(t *testing.T) {
	s := NewStreamingLatencyStats()

	for i := 0; i < 10; i++ {
		s.Add(5)
	}
	for i := 0; i < 5; i++ {
		s.Add(30)
	}
	for i := 0; i < 3; i++ {
		s.Add(750)
	}

	stats := s.Snapshot()
	if len(stats.Buckets) != 5 {
		t.Fatalf("expected 5 buckets, got %d", len(stats.Buckets))
	}
	want := []int{10, 5, 0, 0, 3}
	for i, b := range stats.Buckets {
		if b.Count != want[i] {
			t.Errorf("bucket %s count = %d, want %d", b.Label, b.Count, want[i])
		}
	}
}

func TestStreamingLatencyStats_Concurrent(t *testing.T) {
	s := NewStreamingLatencyStats()

	var wg sync.WaitGroup
	numGoroutines := 10
	samplesPerGoroutine := 1000

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < samplesPerGoroutine; j++ {
				s.Add(float64(id*100 + j%100))
			}
		}(i)
	}
	wg.Wait()

	stats := s.Snapshot()
	if stats == nil {
		t.Fatal("expected non-nil stats")
	}
	if expected := numGoroutines * samplesPerGoroutine; stats.Count != expected {
		t.Errorf("expected count %d, got %d", expected, stats.Count)
	}
}

func TestStreamingLatencyStats_Reset(t *testing.T) {
	s := NewStreamingLatencyStats()

	for i := 0; i < 100; i++ {
		s.AddResult(float64(i), i%2 == 0)
	}
	s.Reset()

	if stats := s.Snapshot(); stats != nil {
		t.Error("expected nil stats after reset")
	}
	if s.Count() != 0 {
		t.Errorf("expected count 0 after reset, got %d", s.Count())
	}
}

func TestRPCLatency(t *testing.T) {
	r := NewRPCLatency()

	r.Observe("eth_call", 2*time.Millisecond, nil)
	r.Observe("eth_call", 4*time.Millisecond, errors.New("boom"))
	r.Observe("eth_blockNumber", time.Millisecond, nil)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() returned %d methods, want 2", len(snap))
	}
	if snap[0].Method != "eth_blockNumber" || snap[1].Method != "eth_call" {
		t.Errorf("methods = %s, %s; want sorted by name", snap[0].Method, snap[1].Method)
	}
	call := snap[1]
	if call.Count != 2 || call.Errors != 1 {
		t.Errorf("eth_call count/errors = %d/%d, want 2/1", call.Count, call.Errors)
	}
	if call.Avg != 3 {
		t.Errorf("eth_call avg = %f, want 3", call.Avg)
	}

	r.Reset()
	if got := r.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() after Reset has %d methods", len(got))
	}
}

func BenchmarkStreamingLatencyStats_Add(b *testing.B) {
	s := NewStreamingLatencyStats()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		s.Add(float64(i % 1000))
	}
}
