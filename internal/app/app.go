// Package app wires the keystore, account pool, chain client, dispatcher,
// runner and metrics into one benchmark instance shared by the CLI and the
// HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/gateway-fm/callbench/internal/account"
	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/chain"
	"github.com/gateway-fm/callbench/internal/config"
	"github.com/gateway-fm/callbench/internal/headwatch"
	"github.com/gateway-fm/callbench/internal/keystore"
	"github.com/gateway-fm/callbench/internal/metrics"
	"github.com/gateway-fm/callbench/internal/rpc"
	"github.com/gateway-fm/callbench/internal/scenario"
	"github.com/gateway-fm/callbench/internal/throttle"
)

// ErrRunInProgress is returned by Run while another run is executing.
var ErrRunInProgress = errors.New("a benchmark run is already in progress")

// ErrNoScenarios is returned by New when neither a scenario file nor a
// contract address is configured.
var ErrNoScenarios = errors.New("no scenarios: set SCENARIO_FILE or CONTRACT_ADDRESS")

// ScenarioInfo describes a configured scenario.
type ScenarioInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Spec        bench.CallSpec `json:"spec"`
	Mode        string         `json:"mode"`
	Calls       int            `json:"calls"`
}

// App is a configured benchmark instance.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      keystore.Store
	rpc        *rpc.HTTPClient
	heads      *headwatch.Watcher
	pool       *account.Pool
	contracts  *chain.Registry
	scenarios  []bench.Scenario
	throttle   *throttle.Throttle
	runner     *bench.Runner
	metrics    *metrics.PrometheusMetrics
	rpcLatency *metrics.RPCLatency

	runMu  sync.Mutex
	lastMu sync.RWMutex
	last   *bench.RunResult
}

// New opens the keystore, loads the account pool and the scenarios, and
// builds the call pipeline. The returned App must be closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:        cfg,
		logger:     logger,
		contracts:  chain.NewRegistry(),
		metrics:    metrics.NewPrometheusMetrics(nil),
		rpcLatency: metrics.NewRPCLatency(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = keystore.Open(keystore.Config{
		Backend: cfg.KeystoreBackend,
		Path:    cfg.KeystorePath,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	a.pool, err = account.LoadPool(ctx, a.store, cfg.KeystoreNamespace)
	if err != nil {
		return nil, err
	}
	logger.Info("account pool loaded",
		slog.String("namespace", cfg.KeystoreNamespace),
		slog.Int("accounts", a.pool.Size()),
	)

	rpcCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	rpcCfg.Timeout = cfg.RPCTimeout
	rpcCfg.MaxRetries = cfg.RPCMaxRetries
	rpcCfg.Observe = metrics.ChainRPC(a.metrics.ObserveRPC, a.rpcLatency.Observe)
	rpcCfg.Logger = logger.With(slog.String("component", "rpc"))
	a.rpc = rpc.NewHTTPClient(rpcCfg)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = a.rpc.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
	}
	logger.Info("connected to node", slog.String("rpc", cfg.RPCURL), slog.String("chain_id", chainID.String()))

	if err := a.loadScenarios(); err != nil {
		return nil, err
	}

	if cfg.WSURL != "" {
		a.heads, err = headwatch.Dial(ctx, cfg.WSURL, logger)
		if err != nil {
			logger.Warn("new-head subscription unavailable, polling for finality",
				slog.String("ws", cfg.WSURL),
				slog.String("error", err.Error()),
			)
			a.heads, err = nil, nil
		}
	}

	keyring := account.NewKeyring(account.KeyringConfig{
		Source:    a.store,
		Namespace: cfg.KeystoreNamespace,
		Nonces:    a.rpc,
		Logger:    logger,
	})
	a.throttle = throttle.New(throttle.Config{
		RatePerSec:  cfg.RateLimit,
		MaxInFlight: cfg.MaxInFlight,
	})

	chainCfg := chain.Config{
		RPC:               a.rpc,
		Contracts:         a.contracts,
		Accounts:          keyring,
		ChainID:           chainID,
		GasLimit:          cfg.GasLimit,
		UseLegacy:         cfg.LegacyTx,
		ReceiptTimeout:    cfg.ReceiptTimeout,
		PollInterval:      cfg.PollInterval,
		ConfirmationDepth: cfg.ConfirmationDepth,
		Throttle:          a.throttle,
		Logger:            logger.With(slog.String("component", "chain")),
	}
	if cfg.GasTipCap > 0 {
		chainCfg.GasTipCap = big.NewInt(cfg.GasTipCap)
	}
	if cfg.GasFeeCap > 0 {
		chainCfg.GasFeeCap = big.NewInt(cfg.GasFeeCap)
	}
	if a.heads != nil {
		chainCfg.Heads = a.heads
	}
	caller, err := chain.NewClient(chainCfg)
	if err != nil {
		return nil, err
	}

	a.runner = bench.NewRunner(bench.RunnerConfig{
		Dispatcher: bench.NewDispatcher(bench.DispatcherConfig{Caller: caller, Logger: logger}),
		Accounts:   a.pool,
		Observer:   a.metrics,
		Logger:     logger,
	})
	return a, nil
}

// loadScenarios registers contracts and builds the scenario list from the
// scenario file, or the counter defaults when no file is configured.
func (a *App) loadScenarios() error {
	cfg := a.cfg
	if cfg.ContractAddress != "" {
		var err error
		if cfg.ContractABI != "" {
			err = a.contracts.RegisterFile(scenario.DefaultContractID, cfg.ContractAddress, cfg.ContractABI)
		} else {
			err = a.contracts.Register(scenario.DefaultContractID, cfg.ContractAddress, strings.NewReader(chain.CounterABI))
		}
		if err != nil {
			return err
		}
	}

	switch {
	case cfg.ScenarioFile != "":
		f, err := scenario.LoadFile(cfg.ScenarioFile)
		if err != nil {
			return err
		}
		if err := f.Register(a.contracts); err != nil {
			return err
		}
		a.scenarios, err = f.Build(a.pool, a.contracts, cfg.SingleRunTimes)
		if err != nil {
			return err
		}
	case cfg.ContractAddress != "":
		var err error
		a.scenarios, err = scenario.Defaults(scenario.DefaultContractID, a.pool, cfg.SingleRunTimes)
		if err != nil {
			return err
		}
	default:
		return ErrNoScenarios
	}

	a.logger.Info("scenarios loaded",
		slog.Int("scenarios", len(a.scenarios)),
		slog.Any("contracts", a.contracts.IDs()),
	)
	return nil
}

// Scenarios describes the configured scenarios in run order.
func (a *App) Scenarios() []ScenarioInfo {
	out := make([]ScenarioInfo, 0, len(a.scenarios))
	for _, sc := range a.scenarios {
		out = append(out, ScenarioInfo{
			Name:        sc.Name,
			Description: sc.Describe(),
			Spec:        sc.Spec,
			Mode:        sc.Mode.String(),
			Calls:       sc.Mode.Size(),
		})
	}
	return out
}

// Run executes the named scenarios, or all of them when names is empty.
// Only one run executes at a time.
func (a *App) Run(ctx context.Context, names []string) (*bench.RunResult, error) {
	if !a.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer a.runMu.Unlock()

	scenarios, err := scenario.Filter(a.scenarios, names)
	if err != nil {
		return nil, err
	}
	a.rpcLatency.Reset()

	run, err := a.runner.Run(ctx, scenarios)
	if err != nil {
		return nil, err
	}

	a.lastMu.Lock()
	a.last = run
	a.lastMu.Unlock()
	return run, nil
}

// Running reports whether a run is executing.
func (a *App) Running() bool {
	if a.runMu.TryLock() {
		a.runMu.Unlock()
		return false
	}
	return true
}

// Last returns the most recent completed run, or nil.
func (a *App) Last() *bench.RunResult {
	a.lastMu.RLock()
	defer a.lastMu.RUnlock()
	return a.last
}

// Accounts returns the pool's account ids in order.
func (a *App) Accounts() []string {
	return a.pool.ListAccounts()
}

// RPCLatency returns per-method RPC latency of the current or last run.
func (a *App) RPCLatency() []metrics.MethodLatency {
	return a.rpcLatency.Snapshot()
}

// Metrics returns the Prometheus metrics of this instance.
func (a *App) Metrics() *metrics.PrometheusMetrics {
	return a.metrics
}

// InFlight returns the number of chain calls currently holding a throttle slot.
func (a *App) InFlight() int {
	return a.throttle.InFlight()
}

// CheckRPC verifies the node answers.
func (a *App) CheckRPC(ctx context.Context) error {
	if _, err := a.rpc.GetBlockNumber(ctx); err != nil {
		return fmt.Errorf("rpc %s unreachable: %w", a.cfg.RPCURL, err)
	}
	return nil
}

// Close releases the keystore and the head subscription.
func (a *App) Close() error {
	var errs []error
	if a.heads != nil {
		errs = append(errs, a.heads.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
