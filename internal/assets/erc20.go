package assets

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// erc20ABIJSON is the minimal ERC-20 surface the engine relies on. Every
// asset the engine touches must expose these with revert-on-failure
// semantics.
const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var (
	erc20ABI     abi.ABI
	erc20ABIOnce sync.Once
	erc20ABIErr  error
)

func loadERC20ABI() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

// SignerFor supplies the transact opts for an address the backend acts for,
// typically the custody address of an escrow instance.
type SignerFor func(addr common.Address) (*bind.TransactOpts, bool)

// EVMBackend implements Backend against a live EVM chain through a
// go-ethereum contract backend. It can only transact for addresses its
// signer callback knows about.
type EVMBackend struct {
	backend bind.ContractBackend
	signer  SignerFor
	abi     abi.ABI
}

// NewEVMBackend builds an EVM asset backend over the given contract backend.
func NewEVMBackend(backend bind.ContractBackend, signer SignerFor) (*EVMBackend, error) {
	if backend == nil {
		return nil, errors.New("contract backend is required")
	}
	parsed, err := loadERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &EVMBackend{backend: backend, signer: signer, abi: parsed}, nil
}

// BalanceOf implements Backend.
func (b *EVMBackend) BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error) {
	if IsNative(asset) {
		reader, ok := b.backend.(interface {
			BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
		})
		if !ok {
			return nil, errors.New("backend does not support native balance queries")
		}
		return reader.BalanceAt(ctx, holder, nil)
	}
	var out *big.Int
	err := b.view(ctx, asset, "balanceOf", &out, holder)
	return out, err
}

// Allowance implements Backend.
func (b *EVMBackend) Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	if IsNative(asset) {
		return new(big.Int), nil
	}
	var out *big.Int
	err := b.view(ctx, asset, "allowance", &out, owner, spender)
	return out, err
}

// Approve implements Backend with an exact allowance.
func (b *EVMBackend) Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if IsNative(asset) {
		return errors.New("native asset has no allowance mechanism")
	}
	return b.transact(ctx, asset, owner, "approve", spender, amount)
}

// Transfer implements Backend.
func (b *EVMBackend) Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error {
	if IsNative(asset) {
		return b.sendNative(ctx, from, to, amount)
	}
	return b.transact(ctx, asset, from, "transfer", to, amount)
}

// TransferFrom implements Backend; the spender signs the transaction.
func (b *EVMBackend) TransferFrom(ctx context.Context, asset, spender, owner, to common.Address, amount *big.Int) error {
	if IsNative(asset) {
		return errors.New("native asset cannot be transferred via allowance")
	}
	return b.transact(ctx, asset, spender, "transferFrom", owner, to, amount)
}

func (b *EVMBackend) view(ctx context.Context, asset common.Address, method string, out *(*big.Int), args ...any) error {
	input, err := b.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := b.backend.CallContract(ctx, gethcore.CallMsg{To: &asset, Data: input}, nil)
	if err != nil {
		return fmt.Errorf("call %s on %s: %w", method, asset.Hex(), err)
	}
	results, err := b.abi.Unpack(method, raw)
	if err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	value, ok := results[0].(*big.Int)
	if !ok {
		return fmt.Errorf("unexpected %s result type %T", method, results[0])
	}
	*out = value
	return nil
}

func (b *EVMBackend) transact(ctx context.Context, asset, actor common.Address, method string, args ...any) error {
	opts, err := b.optsFor(ctx, actor)
	if err != nil {
		return err
	}
	contract := bind.NewBoundContract(asset, b.abi, b.backend, b.backend, b.backend)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", method, asset.Hex(), err)
	}
	return b.waitMined(ctx, tx)
}

// sendNative moves native value with a plain transaction. The gas limit is
// the estimate for the call, so contract recipients get the gas their
// receive logic needs.
func (b *EVMBackend) sendNative(ctx context.Context, from, to common.Address, amount *big.Int) error {
	opts, err := b.optsFor(ctx, from)
	if err != nil {
		return err
	}
	nonce, err := b.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("pending nonce for %s: %w", from.Hex(), err)
	}
	gasPrice, err := b.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := b.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: amount})
	if err != nil {
		return fmt.Errorf("estimate gas for native transfer: %w", err)
	}
	tx := coretypes.NewTransaction(nonce, to, amount, gas, gasPrice, nil)
	signed, err := opts.Signer(from, tx)
	if err != nil {
		return fmt.Errorf("sign native transfer: %w", err)
	}
	if err := b.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send native transfer: %w", err)
	}
	return b.waitMined(ctx, signed)
}

func (b *EVMBackend) optsFor(ctx context.Context, actor common.Address) (*bind.TransactOpts, error) {
	if b.signer == nil {
		return nil, fmt.Errorf("no signer configured")
	}
	opts, ok := b.signer(actor)
	if !ok {
		return nil, fmt.Errorf("no signing material for %s", actor.Hex())
	}
	clone := *opts
	clone.Context = ctx
	return &clone, nil
}

// waitMined blocks until the transaction is mined and checks its status so
// a reverted transfer surfaces as an error rather than a false return.
func (b *EVMBackend) waitMined(ctx context.Context, tx *coretypes.Transaction) error {
	waiter, ok := b.backend.(bind.DeployBackend)
	if !ok {
		return nil
	}
	receipt, err := bind.WaitMined(ctx, waiter, tx)
	if err != nil {
		return fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return nil
}

var _ Backend = (*EVMBackend)(nil)
