// Package bench implements the benchmark orchestration engine: fan-out of
// contract calls, outcome collection, reduction into statistics and the
// scenario runner that drives it all.
package bench

import (
	"strconv"
	"time"
)

// Finality is the commitment level a write call waits for before it is
// considered complete.
type Finality string

const (
	FinalityOptimistic Finality = "optimistic" // Accepted by the node
	FinalityIncluded   Finality = "included"   // Included in a block
	FinalityFinal      Finality = "final"      // Included in a finalized block
)

// DefaultFinality is used for writes that do not request a finality level.
const DefaultFinality = FinalityIncluded

// Valid reports whether f is a known finality level (empty is allowed and
// means "use the default").
func (f Finality) Valid() bool {
	switch f {
	case "", FinalityOptimistic, FinalityIncluded, FinalityFinal:
		return true
	}
	return false
}

// CallSpec describes one logical contract call. It is treated as immutable
// once constructed; the dispatcher shares it across all calls of a batch.
type CallSpec struct {
	ContractID string         `json:"contractId" yaml:"contract"`
	Method     string         `json:"method" yaml:"method"`
	Args       map[string]any `json:"args,omitempty" yaml:"args"`
	ReadOnly   bool           `json:"readOnly" yaml:"readOnly"`
	Finality   Finality       `json:"finality,omitempty" yaml:"finality"`
}

// EffectiveFinality returns the finality a call made with this spec waits
// for. Reads never wait for finality and return "".
func (s CallSpec) EffectiveFinality() Finality {
	if s.ReadOnly {
		return ""
	}
	if s.Finality == "" {
		return DefaultFinality
	}
	return s.Finality
}

// Outcome is the settled result of one dispatched call. Exactly one Outcome
// exists per call; Err == nil marks a success.
type Outcome struct {
	Index     int           // Position in the dispatch batch, not completion order
	AccountID string        // Account the call was issued from
	Value     any           // Decoded return value (successes only)
	Err       error         // Failure cause (failures only)
	Latency   time.Duration // Time from launch to settlement of this call
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// ErrorRecord is a normalized failed call.
type ErrorRecord struct {
	Index     int       `json:"index"`
	AccountID string    `json:"accountId"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"error"`
	Reason    string    `json:"reason,omitempty"`
	Trace     string    `json:"trace,omitempty"`
	LatencyMs float64   `json:"latencyMs"`
}

// SuccessRecord is a successful call and its decoded value.
type SuccessRecord struct {
	Index     int     `json:"index"`
	AccountID string  `json:"accountId"`
	Value     any     `json:"result"`
	LatencyMs float64 `json:"latencyMs"`
}

// LatencyStats summarizes per-call latencies of a batch in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// DetailedResult is the reduction of one batch of outcomes.
// SuccessCount + FailedCount always equals the number of outcomes reduced.
type DetailedResult struct {
	SuccessCount int             `json:"successCount"`
	FailedCount  int             `json:"failedCount"`
	Elapsed      time.Duration   `json:"-"`
	ElapsedMs    int64           `json:"elapsedMs"`
	Errors       []ErrorRecord   `json:"errors"`
	Successes    []SuccessRecord `json:"successes"`
	Latency      *LatencyStats   `json:"latency,omitempty"`
}

// Total returns the number of calls in the batch.
func (r *DetailedResult) Total() int {
	return r.SuccessCount + r.FailedCount
}

// ProcessTime renders the elapsed time the way the console report shows it,
// e.g. "1.25s (3 times)".
func (r *DetailedResult) ProcessTime() string {
	secs := strconv.FormatFloat(float64(r.ElapsedMs)/1000, 'f', -1, 64)
	return secs + "s (" + strconv.Itoa(r.Total()) + " times)"
}

// Report is the result of one named scenario.
type Report struct {
	Name   string          `json:"name"`
	Result *DetailedResult `json:"result"`
}

// ErrorTypeCount is one bucket of the error-type histogram.
type ErrorTypeCount struct {
	Message string `json:"error"`
	Count   int    `json:"count"`
}

// Summary aggregates all reports of a run.
type Summary struct {
	TotalOperations    int              `json:"totalOperations"`
	TotalErrors        int              `json:"totalErrors"`
	SuccessRatePercent float64          `json:"successRatePercent"`
	ErrorTypes         []ErrorTypeCount `json:"errorTypes,omitempty"`
}

// RunResult is everything a run produced. It is built fresh for every run
// and never persisted.
type RunResult struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Reports     []Report  `json:"reports"`
	Summary     Summary   `json:"summary"`
}
