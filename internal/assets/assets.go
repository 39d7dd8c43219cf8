// Package assets abstracts balance, allowance and transfer operations over
// the assets the escrow engine touches. The zero address is the sentinel for
// the native asset of a chain; everything else is an ERC-20 style token that
// must expose balanceOf/allowance/transfer/transferFrom with
// revert-on-failure semantics.
package assets

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "InheritChain/internal/errors"
)

// Native is the sentinel asset address denoting the chain's native asset.
var Native = common.Address{}

// IsNative reports whether the asset address is the native sentinel.
func IsNative(asset common.Address) bool {
	return asset == Native
}

// Backend is the capability the engine uses to move value. Implementations
// hold whatever signing material is needed to act for the custody addresses
// they manage.
type Backend interface {
	// BalanceOf returns the balance of holder for the given asset.
	BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error)
	// Allowance returns how much spender may pull from owner for the asset.
	// Native assets have no allowance mechanism; implementations return zero.
	Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error)
	// Approve sets an exact, not additive, allowance of owner towards spender.
	Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error
	// Transfer pushes amount from a custody address to the recipient. Native
	// transfers forward remaining gas so contract recipients can run their
	// receive logic.
	Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error
	// TransferFrom pulls amount out of owner into to, spending the allowance
	// previously granted to spender.
	TransferFrom(ctx context.Context, asset, spender, owner, to common.Address, amount *big.Int) error
}

// Snapshotter is implemented by backends that can roll every effect back,
// giving Run its all-or-nothing guarantee. On-chain backends inherit
// atomicity from the transaction substrate instead.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
}

// Allowance is the explicit capability to pull funds out of a wallet the
// holder does not own: grantor approved grantee to spend up to Limit of
// Asset.
type Allowance struct {
	Grantor common.Address
	Grantee common.Address
	Asset   common.Address
	Limit   *big.Int
}

// Pullable returns how much the capability can move right now: the smaller
// of the grantor's live balance and the live on-backend allowance, further
// capped by Limit when set. Never pull more than the wallet has both
// approved and currently holds.
func (a Allowance) Pullable(ctx context.Context, backend Backend) (*big.Int, error) {
	if IsNative(a.Asset) {
		// No allowance mechanism exists for the native asset.
		return new(big.Int), nil
	}
	balance, err := backend.BalanceOf(ctx, a.Asset, a.Grantor)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalCall, err, "query grantor balance")
	}
	granted, err := backend.Allowance(ctx, a.Asset, a.Grantor, a.Grantee)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalCall, err, "query allowance")
	}
	pullable := new(big.Int).Set(balance)
	if granted.Cmp(pullable) < 0 {
		pullable.Set(granted)
	}
	if a.Limit != nil && a.Limit.Cmp(pullable) < 0 {
		pullable.Set(a.Limit)
	}
	return pullable, nil
}

// Pull moves amount from the grantor to dest using the capability. The
// caller is expected to have sized amount via Pullable; the backend still
// reverts on any shortfall.
func (a Allowance) Pull(ctx context.Context, backend Backend, dest common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if IsNative(a.Asset) {
		return xerrors.New(xerrors.CodeInvalidArgument, "native asset cannot be pulled via allowance")
	}
	if err := backend.TransferFrom(ctx, a.Asset, a.Grantee, a.Grantor, dest, amount); err != nil {
		return xerrors.Wrap(xerrors.CodeExternalCall, err, "pull funds via allowance")
	}
	return nil
}
