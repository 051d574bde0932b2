package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/gateway-fm/callbench/internal/rpc"
)

// feeTTL bounds how long a fetched fee quote is reused.
const feeTTL = 2 * time.Second

// defaultTip is used when no tip cap is configured (1 gwei).
var defaultTip = big.NewInt(1_000_000_000)

// feeOracle quotes gas prices. Configured caps are returned as-is; missing
// ones are derived from the node and cached briefly so a batch of writes
// does not fetch the base fee once per call.
type feeOracle struct {
	rpc       rpc.Client
	tipCap    *big.Int
	feeCap    *big.Int
	useLegacy bool

	mu      sync.Mutex
	cached  *big.Int
	fetched time.Time
	now     func() time.Time
}

// quote returns (tipCap, feeCap). For legacy transactions feeCap is the gas
// price and tipCap is unused.
func (f *feeOracle) quote(ctx context.Context) (*big.Int, *big.Int, error) {
	tip := f.tipCap
	if tip == nil {
		tip = defaultTip
	}
	if f.feeCap != nil {
		return tip, f.feeCap, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil && f.now().Sub(f.fetched) < feeTTL {
		return tip, f.cached, nil
	}

	var feeCap *big.Int
	if f.useLegacy {
		price, err := f.rpc.GetGasPrice(ctx)
		if err != nil {
			return nil, nil, err
		}
		feeCap = new(big.Int).SetUint64(price)
	} else {
		baseFee, err := f.rpc.GetBaseFee(ctx)
		if err != nil {
			return nil, nil, err
		}
		// 2x base fee plus tip survives several full blocks of base fee growth.
		feeCap = new(big.Int).SetUint64(baseFee)
		feeCap.Mul(feeCap, big.NewInt(2))
		feeCap.Add(feeCap, tip)
	}
	f.cached = feeCap
	f.fetched = f.now()
	return tip, feeCap, nil
}
