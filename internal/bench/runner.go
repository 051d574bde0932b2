package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidScenario is returned for scenarios that cannot be executed
// (missing name, duplicate name, missing contract or method).
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is one named (call, mode) pair of a run.
type Scenario struct {
	Name string
	Spec CallSpec
	Mode DispatchMode
}

// Describe returns a human-readable label such as
// "multiple accounts increment counter".
func (s Scenario) Describe() string {
	prefix := "single account"
	if s.Mode.Kind() == ModeMultiAccount {
		prefix = "multiple accounts"
	}
	return prefix + " " + MethodWords(s.Spec.Method)
}

// AccountRequirer checks that the accounts a scenario references exist.
type AccountRequirer interface {
	Require(accountIDs []string) error
}

// Observer is notified after each scenario is reduced.
type Observer interface {
	ObserveScenario(name string, spec CallSpec, result *DetailedResult)
}

// Runner executes scenarios one after another and aggregates their reports.
type Runner struct {
	dispatcher *Dispatcher
	accounts   AccountRequirer
	observer   Observer
	newID      func() string
	logger     *slog.Logger
}

// RunnerConfig for creating a Runner.
type RunnerConfig struct {
	Dispatcher *Dispatcher
	Accounts   AccountRequirer // Optional; nil skips account checks
	Observer   Observer        // Optional
	NewID      func() string   // Optional; defaults to a random UUID
	Logger     *slog.Logger
}

// NewRunner creates a new Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Runner{
		dispatcher: cfg.Dispatcher,
		accounts:   cfg.Accounts,
		observer:   cfg.Observer,
		newID:      newID,
		logger:     logger,
	}
}

// Run executes the scenarios sequentially. Concurrency exists only inside a
// scenario's fan-out.
//
// Every scenario is validated against its dispatch mode and the account pool
// before the first call is issued; a violation fails the run with no
// reports. Call failures never fail the run.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) (*RunResult, error) {
	if err := r.preflight(scenarios); err != nil {
		return nil, err
	}

	run := &RunResult{
		ID:        r.newID(),
		StartedAt: time.Now(),
		Reports:   make([]Report, 0, len(scenarios)),
	}
	logger := r.logger.With(slog.String("run_id", run.ID))
	logger.Info("starting benchmark run", slog.Int("scenarios", len(scenarios)))

	for _, sc := range scenarios {
		logger.Info("starting benchmark",
			slog.String("scenario", sc.Name),
			slog.String("description", sc.Describe()),
			slog.Int("calls", sc.Mode.Size()),
		)

		stats := WithStatistics(func(ctx context.Context) ([]Outcome, error) {
			return r.dispatcher.Dispatch(ctx, sc.Spec, sc.Mode)
		})
		result, err := stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
		}

		run.Reports = append(run.Reports, Report{Name: sc.Name, Result: result})
		r.logScenario(logger, sc, result)
		if r.observer != nil {
			r.observer.ObserveScenario(sc.Name, sc.Spec, result)
		}
	}

	run.CompletedAt = time.Now()
	run.Summary = Summarize(run.Reports)

	logger.Info("benchmark run completed",
		slog.Int("total_operations", run.Summary.TotalOperations),
		slog.Int("total_errors", run.Summary.TotalErrors),
		slog.Float64("success_rate_percent", run.Summary.SuccessRatePercent),
		slog.Duration("duration", run.CompletedAt.Sub(run.StartedAt)),
	)
	return run, nil
}

// preflight validates every scenario before anything is dispatched.
func (r *Runner) preflight(scenarios []Scenario) error {
	seen := make(map[string]bool, len(scenarios))
	for i, sc := range scenarios {
		if sc.Name == "" {
			return fmt.Errorf("%w: scenario %d has no name", ErrInvalidScenario, i)
		}
		if seen[sc.Name] {
			return fmt.Errorf("%w: duplicate scenario name %q", ErrInvalidScenario, sc.Name)
		}
		seen[sc.Name] = true

		if sc.Spec.ContractID == "" || sc.Spec.Method == "" {
			return fmt.Errorf("%w: scenario %q needs a contract and a method", ErrInvalidScenario, sc.Name)
		}
		if !sc.Spec.Finality.Valid() {
			return fmt.Errorf("%w: scenario %q has unknown finality %q", ErrInvalidScenario, sc.Name, sc.Spec.Finality)
		}
		if err := sc.Mode.Validate(); err != nil {
			return fmt.Errorf("scenario %q: %w", sc.Name, err)
		}
		if r.accounts != nil {
			if err := r.accounts.Require(sc.Mode.AccountIDs()); err != nil {
				return fmt.Errorf("scenario %q: %w", sc.Name, err)
			}
		}
	}
	return nil
}

func (r *Runner) logScenario(logger *slog.Logger, sc Scenario, result *DetailedResult) {
	logger.Info("benchmark finished",
		slog.String("scenario", sc.Name),
		slog.Int("success", result.SuccessCount),
		slog.Int("failed", result.FailedCount),
		slog.String("time", result.ProcessTime()),
	)
	for _, e := range result.Errors {
		logger.Debug("call failed",
			slog.String("scenario", sc.Name),
			slog.Int("index", e.Index),
			slog.String("account", e.AccountID),
			slog.String("kind", string(e.Kind)),
			slog.String("error", e.Message),
			slog.String("reason", e.Reason),
		)
	}
	if result.FailedCount > 0 {
		logger.Warn("errors encountered",
			slog.String("scenario", sc.Name),
			slog.Int("count", result.FailedCount),
			slog.Any("types", ErrorHistogram(result.Errors)),
		)
	}
}
