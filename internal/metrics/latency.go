// Package metrics records benchmark and RPC measurements for Prometheus and
// for the end-of-run report.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyBucket is one bar of a latency histogram.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencySnapshot summarizes a latency stream in milliseconds.
type LatencySnapshot struct {
	Count   int             `json:"count"`
	Errors  int             `json:"errors"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P90     float64         `json:"p90"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets"`
}

// StreamingLatencyStats estimates percentiles over an unbounded stream with
// a fixed-size reservoir (Algorithm R).
type StreamingLatencyStats struct {
	mu sync.RWMutex

	count  int64
	errors int64
	sum    float64
	min    float64
	max    float64

	reservoir     []float64
	reservoirSize int
	seen          int64

	buckets []int64

	// xorshift64* state, per instance
	randState uint64
}

const (
	// DefaultReservoirSize gives <1% error at p99.
	DefaultReservoirSize = 10000
)

// bucketBounds are upper bounds in milliseconds. RPC calls are expected to
// be well under a second, so the range is tighter than for confirmations.
var (
	bucketBounds = []float64{10, 50, 100, 500}
	bucketLabels = []string{"0-10ms", "10-50ms", "50-100ms", "100-500ms", "500ms+"}
)

// NewStreamingLatencyStats creates a new streaming latency calculator.
func NewStreamingLatencyStats() *StreamingLatencyStats {
	return &StreamingLatencyStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		buckets:       make([]int64, len(bucketLabels)),
		randState:     1,
	}
}

// Add records a latency sample in milliseconds.
func (s *StreamingLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(latencyMs)
}

// AddResult records a sample and whether the call failed.
func (s *StreamingLatencyStats) AddResult(latencyMs float64, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(latencyMs)
	if failed {
		s.errors++
	}
}

func (s *StreamingLatencyStats) add(latencyMs float64) {
	s.count++
	s.sum += latencyMs
	s.seen++

	if latencyMs < s.min {
		s.min = latencyMs
	}
	if latencyMs > s.max {
		s.max = latencyMs
	}
	s.buckets[bucketIndex(latencyMs)]++

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, latencyMs)
		return
	}
	j := s.fastRand() % uint64(s.seen)
	if j < uint64(s.reservoirSize) {
		s.reservoir[j] = latencyMs
	}
}

func bucketIndex(latencyMs float64) int {
	for i, bound := range bucketBounds {
		if latencyMs < bound {
			return i
		}
	}
	return len(bucketBounds)
}

func (s *StreamingLatencyStats) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// Snapshot returns the current statistics, or nil when nothing was recorded.
func (s *StreamingLatencyStats) Snapshot() *LatencySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	snap := &LatencySnapshot{
		Count:   int(s.count),
		Errors:  int(s.errors),
		Min:     s.min,
		Max:     s.max,
		Avg:     s.sum / float64(s.count),
		P50:     percentile(sorted, 0.50),
		P90:     percentile(sorted, 0.90),
		P99:     percentile(sorted, 0.99),
		Buckets: make([]LatencyBucket, len(bucketLabels)),
	}
	for i, label := range bucketLabels {
		snap.Buckets[i] = LatencyBucket{Label: label, Count: int(s.buckets[i])}
	}
	return snap
}

// percentile interpolates linearly between the closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Reset clears all statistics.
func (s *StreamingLatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.errors = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
	s.seen = 0
	for i := range s.buckets {
		s.buckets[i] = 0
	}
}

// Count returns the number of samples recorded.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// RPCLatency tracks latency per JSON-RPC method.
type RPCLatency struct {
	mu      sync.Mutex
	methods map[string]*StreamingLatencyStats
}

// NewRPCLatency creates an empty tracker.
func NewRPCLatency() *RPCLatency {
	return &RPCLatency{methods: make(map[string]*StreamingLatencyStats)}
}

// Observe records one call. It matches rpc.ObserveFunc.
func (r *RPCLatency) Observe(method string, d time.Duration, err error) {
	r.mu.Lock()
	s, ok := r.methods[method]
	if !ok {
		s = NewStreamingLatencyStats()
		r.methods[method] = s
	}
	r.mu.Unlock()
	s.AddResult(float64(d)/float64(time.Millisecond), err != nil)
}

// MethodLatency is the snapshot of one method.
type MethodLatency struct {
	Method string `json:"method"`
	*LatencySnapshot
}

// Snapshot returns per-method statistics sorted by method name.
func (r *RPCLatency) Snapshot() []MethodLatency {
	r.mu.Lock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]MethodLatency, 0, len(names))
	for _, name := range names {
		r.mu.Lock()
		s := r.methods[name]
		r.mu.Unlock()
		if snap := s.Snapshot(); snap != nil {
			out = append(out, MethodLatency{Method: name, LatencySnapshot: snap})
		}
	}
	return out
}

// Reset drops all recorded methods.
func (r *RPCLatency) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = make(map[string]*StreamingLatencyStats)
}
