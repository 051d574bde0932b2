package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/callbench/internal/account"
	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/rpc"
	"github.com/gateway-fm/callbench/internal/throttle"
)

// Accounts resolves account ids to signing accounts.
type Accounts interface {
	Account(ctx context.Context, id string) (*account.Account, error)
}

// WriteResult is the value of a successful write call.
type WriteResult struct {
	TxHash      string         `json:"txHash"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	GasUsed     uint64         `json:"gasUsed,omitempty"`
	Finality    bench.Finality `json:"finality"`
}

func (r WriteResult) String() string {
	if r.BlockNumber == 0 {
		return fmt.Sprintf("%s (%s)", r.TxHash, r.Finality)
	}
	return fmt.Sprintf("%s in block %d (%s)", r.TxHash, r.BlockNumber, r.Finality)
}

// gasHeadroom is applied to estimates: estimate * 12 / 10.
const (
	gasHeadroomNum = 12
	gasHeadroomDen = 10
)

// Config for creating a Client.
type Config struct {
	RPC       rpc.Client
	Contracts *Registry
	Accounts  Accounts
	ChainID   *big.Int

	GasLimit  uint64   // 0 estimates per call
	GasTipCap *big.Int // nil uses 1 gwei
	GasFeeCap *big.Int // nil derives from the base fee
	UseLegacy bool

	ReceiptTimeout    time.Duration
	PollInterval      time.Duration
	ConfirmationDepth uint64

	Throttle *throttle.Throttle // Optional
	Heads    HeadWaiter         // Optional
	Logger   *slog.Logger
}

// Client performs contract calls. It implements bench.Caller.
type Client struct {
	rpc       rpc.Client
	contracts *Registry
	accounts  Accounts
	chainID   *big.Int
	signer    types.Signer

	gasLimit  uint64
	useLegacy bool
	fees      *feeOracle

	receiptTimeout    time.Duration
	pollInterval      time.Duration
	confirmationDepth uint64

	throttle *throttle.Throttle
	heads    HeadWaiter
	logger   *slog.Logger
}

var _ bench.Caller = (*Client)(nil)

// NewClient creates a new Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPC == nil || cfg.Contracts == nil || cfg.Accounts == nil {
		return nil, errors.New("chain client needs an RPC client, contracts and accounts")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain client needs a chain id")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = 60 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	return &Client{
		rpc:       cfg.RPC,
		contracts: cfg.Contracts,
		accounts:  cfg.Accounts,
		chainID:   cfg.ChainID,
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		gasLimit:  cfg.GasLimit,
		useLegacy: cfg.UseLegacy,
		fees: &feeOracle{
			rpc:       cfg.RPC,
			tipCap:    cfg.GasTipCap,
			feeCap:    cfg.GasFeeCap,
			useLegacy: cfg.UseLegacy,
			now:       time.Now,
		},
		receiptTimeout:    receiptTimeout,
		pollInterval:      pollInterval,
		confirmationDepth: cfg.ConfirmationDepth,
		throttle:          cfg.Throttle,
		heads:             cfg.Heads,
		logger:            logger.With(slog.String("component", "chain")),
	}, nil
}

// Call performs one contract call from accountID. Reads return the decoded
// return value; writes return a WriteResult once spec's finality is reached.
// Failures are *bench.CallError values.
func (c *Client) Call(ctx context.Context, spec bench.CallSpec, accountID string) (any, error) {
	release, err := c.throttle.Acquire(ctx)
	if err != nil {
		return nil, classify("throttle", err)
	}
	defer release()

	contract, ok := c.contracts.Lookup(spec.ContractID)
	if !ok {
		return nil, &bench.CallError{Kind: bench.KindUnknown, Message: "unknown contract", Reason: spec.ContractID}
	}
	method, err := contract.Method(spec.Method)
	if err != nil {
		return nil, &bench.CallError{Kind: bench.KindUnknown, Message: "unknown method", Reason: err.Error(), Err: err}
	}
	args, err := packArgs(method, spec.Args)
	if err != nil {
		return nil, &bench.CallError{Kind: bench.KindUnknown, Message: "invalid arguments", Reason: err.Error(), Err: err}
	}
	data, err := contract.ABI.Pack(method.Name, args...)
	if err != nil {
		return nil, &bench.CallError{Kind: bench.KindUnknown, Message: "invalid arguments", Reason: err.Error(), Err: err}
	}

	acc, err := c.accounts.Account(ctx, accountID)
	if err != nil {
		return nil, classify("resolve account "+accountID, err)
	}

	if spec.ReadOnly {
		return c.read(ctx, acc, contract, method, data)
	}
	return c.write(ctx, acc, contract, data, spec.EffectiveFinality())
}

func (c *Client) read(ctx context.Context, acc *account.Account, contract *Contract, method abi.Method, data []byte) (any, error) {
	out, err := c.rpc.EthCall(ctx, rpc.CallMsg{
		From: acc.Address.Hex(),
		To:   contract.Address.Hex(),
		Data: data,
	}, "latest")
	if err != nil {
		return nil, classify("eth_call "+contract.ID+"."+method.Name, err)
	}
	value, err := decodeOutputs(method, out)
	if err != nil {
		return nil, &bench.CallError{Kind: bench.KindContractExecution, Message: "undecodable result", Reason: err.Error(), Err: err}
	}
	return value, nil
}

func (c *Client) write(ctx context.Context, acc *account.Account, contract *Contract, data []byte, finality bench.Finality) (any, error) {
	msg := rpc.CallMsg{
		From: acc.Address.Hex(),
		To:   contract.Address.Hex(),
		Data: data,
	}

	gasLimit := c.gasLimit
	if gasLimit == 0 {
		estimate, err := c.rpc.EstimateGas(ctx, msg)
		if err != nil {
			// A failing estimate is the revert the transaction would hit.
			return nil, classify("estimate gas", err)
		}
		gasLimit = estimate * gasHeadroomNum / gasHeadroomDen
	}

	tipCap, feeCap, err := c.fees.quote(ctx)
	if err != nil {
		return nil, classify("fee quote", err)
	}

	nonce := acc.ReserveNonce()
	defer nonce.Rollback()

	tx := c.callTx(contract, nonce.Value(), gasLimit, tipCap, feeCap, data)
	signed, err := types.SignTx(tx, c.signer, acc.PrivateKey)
	if err != nil {
		return nil, &bench.CallError{Kind: bench.KindUnknown, Message: "signing failed", Reason: err.Error(), Err: err}
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, &bench.CallError{Kind: bench.KindUnknown, Message: "encoding failed", Reason: err.Error(), Err: err}
	}
	txHash := signed.Hash().Hex()

	if err := c.rpc.SendRawTransaction(ctx, raw); err != nil {
		if isNonceError(err) {
			// Our counter drifted from the node; resync for the next call.
			if rerr := acc.Resync(ctx, c.rpc); rerr != nil {
				c.logger.Debug("nonce resync failed", slog.String("account", acc.ID), slog.String("error", rerr.Error()))
			}
		}
		return nil, classify(fmt.Sprintf("send tx %s nonce %d", txHash, nonce.Value()), err)
	}
	nonce.Commit()

	c.logger.Debug("transaction sent",
		slog.String("account", acc.ID),
		slog.String("tx", txHash),
		slog.Uint64("nonce", nonce.Value()),
		slog.Uint64("gas", gasLimit),
	)

	if finality == bench.FinalityOptimistic {
		return WriteResult{TxHash: txHash, Finality: finality}, nil
	}

	receipt, err := c.waitForReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status == 0 {
		return nil, c.failedTxError(ctx, msg, gasLimit, txHash, receipt)
	}

	if finality == bench.FinalityFinal {
		if err := c.waitForFinal(ctx, receipt.BlockNumber, txHash); err != nil {
			return nil, err
		}
	}

	return WriteResult{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
		Finality:    finality,
	}, nil
}

// callTx builds the transaction of a write. Legacy transactions pay feeCap
// as their gas price.
func (c *Client) callTx(contract *Contract, nonce, gasLimit uint64, tipCap, feeCap *big.Int, data []byte) *types.Transaction {
	to := contract.Address
	if c.useLegacy {
		return types.NewTx(&types.LegacyTx{Nonce: nonce, GasPrice: feeCap, Gas: gasLimit, To: &to, Value: new(big.Int), Data: data})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID: c.chainID, Nonce: nonce,
		GasTipCap: tipCap, GasFeeCap: feeCap, Gas: gasLimit,
		To: &to, Value: new(big.Int), Data: data,
	})
}

// failedTxError explains a status-0 receipt: out of gas when the whole limit
// was burnt, otherwise the revert reason recovered by replaying the call on
// the parent block.
func (c *Client) failedTxError(ctx context.Context, msg rpc.CallMsg, gasLimit uint64, txHash string, receipt *rpc.TransactionReceipt) error {
	trace := fmt.Sprintf("tx %s block %d gas %d/%d", txHash, receipt.BlockNumber, receipt.GasUsed, gasLimit)
	if receipt.GasUsed >= gasLimit {
		return &bench.CallError{Kind: bench.KindContractExecution, Message: msgOutOfGas, Reason: msgOutOfGas, Trace: trace}
	}

	ce := &bench.CallError{Kind: bench.KindContractExecution, Message: msgTxReverted, Trace: trace}
	if receipt.BlockNumber > 0 {
		msg.Gas = gasLimit
		_, err := c.rpc.EthCall(ctx, msg, hexBlock(receipt.BlockNumber-1))
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			if reason, ok := revertReason(rpcErr.Data); ok {
				ce.Reason = reason
			} else {
				ce.Reason = rpcErr.Message
			}
		}
	}
	return ce
}

func hexBlock(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}
