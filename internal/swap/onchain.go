package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"InheritChain/internal/assets"
)

const gatewayABIJSON = `[
  {"inputs":[
     {"name":"assetIn","type":"address"},
     {"name":"assetOut","type":"address"},
     {"name":"amountIn","type":"uint256"},
     {"name":"minAmountOut","type":"uint256"},
     {"name":"recipient","type":"address"}],
   "name":"executeSwap",
   "outputs":[{"name":"amountOut","type":"uint256"}],
   "stateMutability":"payable","type":"function"}
]`

var (
	gatewayABIOnce sync.Once
	gatewayABI     abi.ABI
	gatewayABIErr  error
)

func loadGatewayABI() (abi.ABI, error) {
	gatewayABIOnce.Do(func() {
		gatewayABI, gatewayABIErr = abi.JSON(strings.NewReader(gatewayABIJSON))
	})
	return gatewayABI, gatewayABIErr
}

// OnchainGateway binds the gateway contract deployed at a fixed address.
type OnchainGateway struct {
	addr    common.Address
	backend bind.ContractBackend
	signer  assets.SignerFor
	abi     abi.ABI
}

// NewOnchainGateway binds the gateway at addr. The signer must know the
// custody addresses that will call it.
func NewOnchainGateway(addr common.Address, backend bind.ContractBackend, signer assets.SignerFor) (*OnchainGateway, error) {
	if backend == nil {
		return nil, errors.New("contract backend is required")
	}
	parsed, err := loadGatewayABI()
	if err != nil {
		return nil, fmt.Errorf("parse gateway abi: %w", err)
	}
	return &OnchainGateway{addr: addr, backend: backend, signer: signer, abi: parsed}, nil
}

// Address implements Gateway.
func (g *OnchainGateway) Address() common.Address {
	return g.addr
}

// ExecuteSwap implements Gateway. Native input rides along as transaction
// value. The realized output of a transaction cannot be read back, so
// amountOut is nil on success.
func (g *OnchainGateway) ExecuteSwap(ctx context.Context, from, assetIn, assetOut common.Address, amountIn, minAmountOut *big.Int, recipient common.Address) (*big.Int, error) {
	if g.signer == nil {
		return nil, errors.New("no signer configured")
	}
	opts, ok := g.signer(from)
	if !ok {
		return nil, fmt.Errorf("no signing material for %s", from.Hex())
	}
	callOpts := *opts
	callOpts.Context = ctx
	if assets.IsNative(assetIn) {
		callOpts.Value = amountIn
	}

	contract := bind.NewBoundContract(g.addr, g.abi, g.backend, g.backend, g.backend)
	tx, err := contract.Transact(&callOpts, "executeSwap", assetIn, assetOut, amountIn, minAmountOut, recipient)
	if err != nil {
		return nil, fmt.Errorf("executeSwap: %w", err)
	}
	if waiter, ok := g.backend.(bind.DeployBackend); ok {
		receipt, err := bind.WaitMined(ctx, waiter, tx)
		if err != nil {
			return nil, fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
		}
		if receipt.Status != coretypes.ReceiptStatusSuccessful {
			return nil, fmt.Errorf("swap %s reverted", tx.Hash().Hex())
		}
	}
	return nil, nil
}

var (
	_ Gateway = (*OnchainGateway)(nil)
	_ Gateway = (*MemoryGateway)(nil)
)
