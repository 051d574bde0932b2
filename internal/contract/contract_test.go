package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/core/vm/runtime"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/callbench/internal/account"
	"github.com/gateway-fm/callbench/internal/chain"
)

func counterABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(chain.CounterABI))
	require.NoError(t, err)
	return parsed
}

func TestCounterExecutes(t *testing.T) {
	parsed := counterABI(t)
	initcode, err := CounterBytecode()
	require.NoError(t, err)

	cfg := &runtime.Config{}
	deployed, addr, _, err := runtime.Create(initcode, cfg)
	require.NoError(t, err)

	want, err := CounterRuntime()
	require.NoError(t, err)
	assert.Equal(t, want, deployed)

	getCounter := func() *big.Int {
		ret, _, err := runtime.Call(addr, parsed.Methods["getCounter"].ID, cfg)
		require.NoError(t, err)
		out, err := parsed.Unpack("getCounter", ret)
		require.NoError(t, err)
		return out[0].(*big.Int)
	}

	assert.Equal(t, int64(0), getCounter().Int64())
	for range 3 {
		_, _, err := runtime.Call(addr, parsed.Methods["incrementCounter"].ID, cfg)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), getCounter().Int64())

	_, _, err = runtime.Call(addr, []byte{0xde, 0xad, 0xbe, 0xef}, cfg)
	assert.ErrorIs(t, err, vm.ErrExecutionReverted)
	_, _, err = runtime.Call(addr, nil, cfg)
	assert.ErrorIs(t, err, vm.ErrExecutionReverted)
}

type fakeBackend struct {
	mu      sync.Mutex
	chainID *big.Int
	nonce   uint64
	code    map[common.Address][]byte
	sent    []*types.Transaction
	sendErr error
	// deployed controls whether a sent creation tx produces code.
	deployed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(31337), code: make(map[common.Address][]byte), deployed: true}
}

func (f *fakeBackend) GetNonce(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) GetCode(ctx context.Context, address string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[common.HexToAddress(address)], nil
}

func (f *fakeBackend) GetBaseFee(ctx context.Context) (uint64, error)  { return 1_000_000_000, nil }
func (f *fakeBackend) GetGasPrice(ctx context.Context) (uint64, error) { return 3_000_000_000, nil }

func (f *fakeBackend) SendRawTransaction(ctx context.Context, raw []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return err
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.deployed {
		f.code[crypto.CreateAddress(from, tx.Nonce())] = []byte{0x00}
	}
	f.nonce++
	return nil
}

func testDeployer(t *testing.T, backend *fakeBackend, legacy bool) (*Deployer, *account.Account) {
	t.Helper()
	d, err := NewDeployer(Config{
		Backend:      backend,
		ChainID:      backend.chainID,
		LegacyTx:     legacy,
		Timeout:      200 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	acc, err := account.NewAccountFromHex("dev-0", account.DevPrivateKeys[0])
	require.NoError(t, err)
	return d, acc
}

func TestDeployCounter(t *testing.T) {
	backend := newFakeBackend()
	backend.nonce = 4
	d, acc := testDeployer(t, backend, false)

	addr, err := d.DeployCounter(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(acc.Address, 4), addr)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Nil(t, tx.To())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(4), tx.Nonce())
	// 2x base fee plus the default tip
	assert.Equal(t, big.NewInt(3_000_000_000), tx.GasFeeCap())

	want, err := CounterBytecode()
	require.NoError(t, err)
	assert.Equal(t, want, tx.Data())
}

func TestDeployLegacy(t *testing.T) {
	backend := newFakeBackend()
	d, acc := testDeployer(t, backend, true)

	_, err := d.DeployCounter(context.Background(), acc)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, uint8(types.LegacyTxType), backend.sent[0].Type())
	assert.Equal(t, big.NewInt(3_000_000_000), backend.sent[0].GasPrice())
}

func TestDeploySkipsExistingCode(t *testing.T) {
	backend := newFakeBackend()
	d, acc := testDeployer(t, backend, false)
	backend.code[crypto.CreateAddress(acc.Address, 0)] = []byte{0x01}

	addr, err := d.DeployCounter(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(acc.Address, 0), addr)
	assert.Empty(t, backend.sent)
}

func TestDeployErrors(t *testing.T) {
	t.Run("send", func(t *testing.T) {
		backend := newFakeBackend()
		backend.sendErr = errors.New("insufficient funds for gas * price + value")
		d, acc := testDeployer(t, backend, false)

		_, err := d.DeployCounter(context.Background(), acc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient funds")
	})

	t.Run("timeout", func(t *testing.T) {
		backend := newFakeBackend()
		backend.deployed = false
		d, acc := testDeployer(t, backend, false)

		_, err := d.DeployCounter(context.Background(), acc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout waiting for counter deployment")
	})

	t.Run("config", func(t *testing.T) {
		_, err := NewDeployer(Config{ChainID: big.NewInt(1)})
		assert.Error(t, err)
		_, err = NewDeployer(Config{Backend: newFakeBackend()})
		assert.Error(t, err)
	})
}
