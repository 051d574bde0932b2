package bench

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Caller performs one logical contract call from one account.
// Implementations own their timeout and retry policy; the dispatcher never
// retries.
type Caller interface {
	Call(ctx context.Context, spec CallSpec, accountID string) (any, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, spec CallSpec, accountID string) (any, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, spec CallSpec, accountID string) (any, error) {
	return f(ctx, spec, accountID)
}

// Dispatcher fans a CallSpec out over a DispatchMode and waits for every
// call to settle.
type Dispatcher struct {
	caller Caller
	logger *slog.Logger
}

// DispatcherConfig for creating a Dispatcher.
type DispatcherConfig struct {
	Caller Caller
	Logger *slog.Logger
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		caller: cfg.Caller,
		logger: logger,
	}
}

// Dispatch issues every call of the batch concurrently and returns one
// Outcome per call, ordered by batch index.
//
// Individual call failures are captured in their Outcome and never abort the
// batch. The only error Dispatch returns is ErrMalformedDispatchMode, and it
// is returned before any call is issued.
func (d *Dispatcher) Dispatch(ctx context.Context, spec CallSpec, mode DispatchMode) ([]Outcome, error) {
	targets, err := mode.targets()
	if err != nil {
		return nil, err
	}

	d.logger.Debug("dispatching batch",
		slog.String("contract", spec.ContractID),
		slog.String("method", spec.Method),
		slog.String("mode", string(mode.Kind())),
		slog.Int("calls", len(targets)),
	)

	// Each goroutine owns exactly one slot, so no locking is needed.
	outcomes := make([]Outcome, len(targets))

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for i, accountID := range targets {
		go func(index int, accountID string) {
			defer wg.Done()
			outcomes[index] = d.invoke(ctx, spec, index, accountID)
		}(i, accountID)
	}
	wg.Wait()

	return outcomes, nil
}

// invoke runs one call and settles it into an Outcome. A panicking caller is
// recovered into a failure so siblings are unaffected.
func (d *Dispatcher) invoke(ctx context.Context, spec CallSpec, index int, accountID string) (out Outcome) {
	out = Outcome{Index: index, AccountID: accountID}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out.Value = nil
			out.Err = &CallError{
				Kind:    KindUnknown,
				Message: "call panicked",
				Reason:  fmt.Sprint(r),
				Trace:   string(debug.Stack()),
			}
			d.logger.Error("chain call panicked",
				slog.Int("index", index),
				slog.String("account", accountID),
				slog.Any("panic", r),
			)
		}
		out.Latency = time.Since(start)
	}()

	value, err := d.caller.Call(ctx, spec, accountID)
	if err != nil {
		out.Err = err
		return out
	}
	out.Value = value
	return out
}
