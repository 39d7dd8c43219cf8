// Package swap defines the external gateway capability that converts one
// asset into another at execution time, and the engine's calling convention
// for it: an exact allowance for token input, forwarded value for native
// input, and no slippage protection (minAmountOut is pinned to zero, a
// known carried risk).
package swap

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"InheritChain/internal/assets"
	xerrors "InheritChain/internal/errors"
)

// Gateway converts amountIn of assetIn into assetOut paid to recipient.
// The from address is the calling custody account, the analogue of
// msg.sender: token input is pulled from it through the allowance granted
// just before the call. Implementations that cannot observe the realized
// output (on-chain transactions) return a nil amountOut; indexers read the
// gateway's own events instead.
type Gateway interface {
	Address() common.Address
	ExecuteSwap(ctx context.Context, from, assetIn, assetOut common.Address, amountIn, minAmountOut *big.Int, recipient common.Address) (*big.Int, error)
}

// Convert runs the engine-side calling convention against a gateway: a
// token input gets the gateway an exact allowance equal to amountIn
// immediately before the call; a native input travels as value with the
// call itself.
func Convert(ctx context.Context, backend assets.Backend, gateway Gateway, custody, assetIn, assetOut common.Address, amountIn *big.Int, recipient common.Address) (*big.Int, error) {
	if gateway == nil {
		return nil, xerrors.New(xerrors.CodeInvalidState, "no swap gateway configured")
	}
	if !assets.IsNative(assetIn) {
		if err := backend.Approve(ctx, assetIn, custody, gateway.Address(), amountIn); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExternalCall, err, "grant swap allowance")
		}
	}
	out, err := gateway.ExecuteSwap(ctx, custody, assetIn, assetOut, amountIn, new(big.Int), recipient)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalCall, err, "execute swap")
	}
	return out, nil
}
