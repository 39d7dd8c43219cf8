package swap

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"InheritChain/internal/assets"
)

// Rate is a fixed conversion price expressed as Num/Den output units per
// input unit.
type Rate struct {
	Num *big.Int
	Den *big.Int
}

type pair struct {
	in  common.Address
	out common.Address
}

// MemoryGateway is a deterministic gateway over a MemoryBackend, used in
// tests and development mode. It consumes the input it pulls and mints the
// output, acting as a market with unbounded liquidity.
type MemoryGateway struct {
	mu      sync.Mutex
	addr    common.Address
	backend *assets.MemoryBackend
	rates   map[pair]Rate
	fail    bool
}

// NewMemoryGateway builds a gateway living at addr on the given backend.
func NewMemoryGateway(addr common.Address, backend *assets.MemoryBackend) *MemoryGateway {
	return &MemoryGateway{addr: addr, backend: backend, rates: make(map[pair]Rate)}
}

// SetRate fixes the conversion price for an (in, out) pair.
func (g *MemoryGateway) SetRate(assetIn, assetOut common.Address, rate Rate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rates[pair{in: assetIn, out: assetOut}] = rate
}

// FailNext makes every subsequent swap revert, for failure-path tests.
func (g *MemoryGateway) FailNext(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = fail
}

// Address implements Gateway.
func (g *MemoryGateway) Address() common.Address {
	return g.addr
}

// ExecuteSwap implements Gateway. Token input is pulled through the exact
// allowance the caller granted; native input is expected to have been
// forwarded as value already.
func (g *MemoryGateway) ExecuteSwap(ctx context.Context, from, assetIn, assetOut common.Address, amountIn, minAmountOut *big.Int, recipient common.Address) (*big.Int, error) {
	g.mu.Lock()
	rate, ok := g.rates[pair{in: assetIn, out: assetOut}]
	fail := g.fail
	g.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("gateway reverted")
	}
	if !ok {
		return nil, fmt.Errorf("no route from %s to %s", assetIn.Hex(), assetOut.Hex())
	}
	if assets.IsNative(assetIn) {
		// The value the caller forwards with the call.
		if err := g.backend.Transfer(ctx, assets.Native, from, g.addr, amountIn); err != nil {
			return nil, err
		}
	} else {
		// Pull the input with the allowance granted just before the call.
		if err := g.backend.TransferFrom(ctx, assetIn, g.addr, from, g.addr, amountIn); err != nil {
			return nil, err
		}
	}
	out := new(big.Int).Mul(amountIn, rate.Num)
	out.Div(out, rate.Den)
	if minAmountOut != nil && out.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("output %s below minimum %s", out, minAmountOut)
	}
	g.backend.Mint(assetOut, recipient, out)
	return out, nil
}
