package bench

import (
	"context"
	"time"
)

// BatchFunc produces the settled outcomes of one batch.
type BatchFunc func(ctx context.Context) ([]Outcome, error)

// StatsFunc produces the reduced statistics of one batch.
type StatsFunc func(ctx context.Context) (*DetailedResult, error)

// WithStatistics wraps a batch with wall-clock timing and reduction. The
// elapsed time spans from the start of fn to the settlement of its last call.
// Errors from fn (pre-dispatch contract violations) are returned unchanged.
func WithStatistics(fn BatchFunc) StatsFunc {
	return withStatisticsClock(fn, time.Now)
}

func withStatisticsClock(fn BatchFunc, now func() time.Time) StatsFunc {
	return func(ctx context.Context) (*DetailedResult, error) {
		start := now()
		outcomes, err := fn(ctx)
		end := now()
		if err != nil {
			return nil, err
		}
		return Reduce(outcomes, end.Sub(start)), nil
	}
}
