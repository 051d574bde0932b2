// Package contract deploys the counter contract the default benchmark
// scenarios call.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/callbench/internal/account"
)

// deployGas is the gas limit of a deployment transaction.
const deployGas = 300_000

// defaultTip is the priority fee when none is configured (1 gwei).
var defaultTip = big.NewInt(1_000_000_000)

// Backend is the node surface a deployment needs.
type Backend interface {
	GetNonce(ctx context.Context, address string) (uint64, error)
	GetCode(ctx context.Context, address string) ([]byte, error)
	GetBaseFee(ctx context.Context) (uint64, error)
	GetGasPrice(ctx context.Context) (uint64, error)
	SendRawTransaction(ctx context.Context, txRLP []byte) error
}

// Config for a Deployer.
type Config struct {
	Backend   Backend
	ChainID   *big.Int
	GasTipCap *big.Int // nil = 1 gwei
	GasFeeCap *big.Int // nil = 2x base fee plus tip
	LegacyTx  bool

	Timeout      time.Duration // how long to wait for code at the address; 0 = 60s
	PollInterval time.Duration // initial poll backoff; 0 = 200ms
	Logger       *slog.Logger
}

// Deployer sends contract creation transactions and waits for the code to
// appear on chain.
type Deployer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDeployer creates a new contract deployer.
func NewDeployer(cfg Config) (*Deployer, error) {
	if cfg.Backend == nil {
		return nil, errors.New("contract: backend is required")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("contract: chain id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{cfg: cfg, logger: logger.With(slog.String("component", "deployer"))}, nil
}

// Deploy deploys bytecode from deployer and returns the contract address.
// When the address the next nonce would create already holds code, the
// deployment is skipped and that address is returned.
func (d *Deployer) Deploy(ctx context.Context, deployer *account.Account, name string, bytecode []byte) (common.Address, error) {
	nonce, err := d.cfg.Backend.GetNonce(ctx, deployer.Address.Hex())
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	contractAddr := crypto.CreateAddress(deployer.Address, nonce)

	exists, err := d.hasCode(ctx, contractAddr)
	if err != nil {
		d.logger.Warn("Failed to check contract existence, will deploy",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	} else if exists {
		d.logger.Info("Contract already deployed, skipping",
			slog.String("name", name),
			slog.String("address", contractAddr.Hex()),
		)
		return contractAddr, nil
	}

	tx, err := d.newDeployTx(ctx, nonce, bytecode)
	if err != nil {
		return common.Address{}, err
	}
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(d.cfg.ChainID), deployer.PrivateKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to sign tx: %w", err)
	}
	rlp, err := signedTx.MarshalBinary()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to marshal tx: %w", err)
	}
	if err := d.cfg.Backend.SendRawTransaction(ctx, rlp); err != nil {
		return common.Address{}, fmt.Errorf("failed to send tx: %w", err)
	}

	d.logger.Info("Deploying contract",
		slog.String("name", name),
		slog.String("tx", signedTx.Hash().Hex()),
		slog.String("expected_address", contractAddr.Hex()),
	)
	return d.waitForDeployment(ctx, name, contractAddr)
}

func (d *Deployer) newDeployTx(ctx context.Context, nonce uint64, bytecode []byte) (*types.Transaction, error) {
	tip := d.cfg.GasTipCap
	if tip == nil {
		tip = defaultTip
	}
	feeCap := d.cfg.GasFeeCap

	if d.cfg.LegacyTx {
		if feeCap == nil {
			price, err := d.cfg.Backend.GetGasPrice(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch gas price: %w", err)
			}
			feeCap = new(big.Int).SetUint64(price)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: feeCap,
			Gas:      deployGas,
			Value:    new(big.Int),
			Data:     bytecode,
		}), nil
	}

	if feeCap == nil {
		baseFee, err := d.cfg.Backend.GetBaseFee(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch base fee: %w", err)
		}
		feeCap = new(big.Int).SetUint64(baseFee)
		feeCap.Mul(feeCap, big.NewInt(2))
		feeCap.Add(feeCap, tip)
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       deployGas,
		Value:     new(big.Int),
		Data:      bytecode,
	}), nil
}

func (d *Deployer) hasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := d.cfg.Backend.GetCode(ctx, addr.Hex())
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// waitForDeployment polls for code at contractAddr with exponential backoff.
func (d *Deployer) waitForDeployment(ctx context.Context, name string, contractAddr common.Address) (common.Address, error) {
	backoff := d.cfg.PollInterval
	maxBackoff := 2 * time.Second
	deadline := time.Now().Add(d.cfg.Timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return common.Address{}, ctx.Err()
		case <-time.After(backoff):
		}

		if ok, err := d.hasCode(ctx, contractAddr); err == nil && ok {
			return contractAddr, nil
		}
		backoff = min(backoff*2, maxBackoff)
	}

	return common.Address{}, fmt.Errorf("timeout waiting for %s deployment at %s", name, contractAddr.Hex())
}

// DeployCounter deploys the counter contract.
func (d *Deployer) DeployCounter(ctx context.Context, deployer *account.Account) (common.Address, error) {
	bytecode, err := CounterBytecode()
	if err != nil {
		return common.Address{}, err
	}
	return d.Deploy(ctx, deployer, "counter", bytecode)
}
