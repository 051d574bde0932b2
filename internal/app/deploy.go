package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/callbench/internal/account"
	"github.com/gateway-fm/callbench/internal/config"
	"github.com/gateway-fm/callbench/internal/contract"
	"github.com/gateway-fm/callbench/internal/keystore"
	"github.com/gateway-fm/callbench/internal/rpc"
)

// DeployCounter deploys the counter contract from accountID, or from the
// first pool account when accountID is empty.
func DeployCounter(ctx context.Context, cfg *config.Config, accountID string, logger *slog.Logger) (common.Address, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := keystore.Open(keystore.Config{
		Backend: cfg.KeystoreBackend,
		Path:    cfg.KeystorePath,
		Logger:  logger,
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to open keystore: %w", err)
	}
	defer store.Close()

	if accountID == "" {
		pool, err := account.LoadPool(ctx, store, cfg.KeystoreNamespace)
		if err != nil {
			return common.Address{}, err
		}
		accountID = pool.ListAccounts()[0]
	}
	keyring := account.NewKeyring(account.KeyringConfig{
		Source:    store,
		Namespace: cfg.KeystoreNamespace,
		Logger:    logger,
	})
	deployer, err := keyring.Account(ctx, accountID)
	if err != nil {
		return common.Address{}, err
	}

	rpcCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	rpcCfg.Timeout = cfg.RPCTimeout
	rpcCfg.MaxRetries = cfg.RPCMaxRetries
	rpcCfg.Logger = logger.With(slog.String("component", "rpc"))
	client := rpc.NewHTTPClient(rpcCfg)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			return common.Address{}, fmt.Errorf("failed to get chain id: %w", err)
		}
	}

	dcfg := contract.Config{
		Backend:      client,
		ChainID:      chainID,
		LegacyTx:     cfg.LegacyTx,
		Timeout:      cfg.ReceiptTimeout,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	}
	if cfg.GasTipCap > 0 {
		dcfg.GasTipCap = big.NewInt(cfg.GasTipCap)
	}
	if cfg.GasFeeCap > 0 {
		dcfg.GasFeeCap = big.NewInt(cfg.GasFeeCap)
	}
	d, err := contract.NewDeployer(dcfg)
	if err != nil {
		return common.Address{}, err
	}
	return d.DeployCounter(ctx, deployer)
}
