package bench

import (
	"math"
	"sort"
	"time"
)

// Reduce converts a settled batch into a DetailedResult. It is pure: the
// result depends only on the set of outcomes (not their order) and elapsed.
func Reduce(outcomes []Outcome, elapsed time.Duration) *DetailedResult {
	sorted := make([]Outcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	result := &DetailedResult{
		Elapsed:   elapsed,
		ElapsedMs: elapsed.Milliseconds(),
		Errors:    []ErrorRecord{},
		Successes: []SuccessRecord{},
	}

	latencies := make([]float64, 0, len(sorted))
	for _, o := range sorted {
		latencyMs := durationMs(o.Latency)
		latencies = append(latencies, latencyMs)

		if o.OK() {
			result.Successes = append(result.Successes, SuccessRecord{
				Index:     o.Index,
				AccountID: o.AccountID,
				Value:     o.Value,
				LatencyMs: latencyMs,
			})
			continue
		}

		kind, message, reason, trace := normalizeError(o.Err)
		result.Errors = append(result.Errors, ErrorRecord{
			Index:     o.Index,
			AccountID: o.AccountID,
			Kind:      kind,
			Message:   message,
			Reason:    reason,
			Trace:     trace,
			LatencyMs: latencyMs,
		})
	}

	result.SuccessCount = len(result.Successes)
	result.FailedCount = len(result.Errors)
	result.Latency = summarizeLatencies(latencies)
	return result
}

// ErrorHistogram groups error records by message. Buckets are ordered by
// first appearance.
func ErrorHistogram(records []ErrorRecord) []ErrorTypeCount {
	var buckets []ErrorTypeCount
	pos := make(map[string]int)
	for _, rec := range records {
		if i, ok := pos[rec.Message]; ok {
			buckets[i].Count++
			continue
		}
		pos[rec.Message] = len(buckets)
		buckets = append(buckets, ErrorTypeCount{Message: rec.Message, Count: 1})
	}
	return buckets
}

// Summarize derives the run-level summary from the per-scenario reports.
func Summarize(reports []Report) Summary {
	var s Summary
	var allErrors []ErrorRecord
	for _, r := range reports {
		if r.Result == nil {
			continue
		}
		s.TotalOperations += r.Result.Total()
		s.TotalErrors += r.Result.FailedCount
		allErrors = append(allErrors, r.Result.Errors...)
	}
	if s.TotalOperations > 0 {
		s.SuccessRatePercent = float64(s.TotalOperations-s.TotalErrors) / float64(s.TotalOperations) * 100
	}
	s.ErrorTypes = ErrorHistogram(allErrors)
	return s
}

// summarizeLatencies computes exact percentiles over one batch. Batches are
// bounded by the pool size or the repeat count, so sorting every sample is
// fine.
func summarizeLatencies(samples []float64) *LatencyStats {
	if len(samples) == 0 {
		return nil
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return &LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile calculates the p-th percentile from a sorted slice using
// linear interpolation.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	idx := p * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
