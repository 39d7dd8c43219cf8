package swap

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"InheritChain/internal/assets"
)

var (
	gatewayAddr = common.HexToAddress("0x00000000000000000000000000000000000009a1")
	custody     = common.HexToAddress("0x00000000000000000000000000000000000000c5")
	recipient   = common.HexToAddress("0x000000000000000000000000000000000000003e")
	tokenIn     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenOut    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestConvertTokenInput(t *testing.T) {
	backend := assets.NewMemoryBackend()
	gateway := NewMemoryGateway(gatewayAddr, backend)
	gateway.SetRate(tokenIn, tokenOut, Rate{Num: big.NewInt(2), Den: big.NewInt(1)})
	ctx := context.Background()

	backend.Mint(tokenIn, custody, big.NewInt(100))
	out, err := Convert(ctx, backend, gateway, custody, tokenIn, tokenOut, big.NewInt(100), recipient)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out == nil || out.Int64() != 200 {
		t.Fatalf("amount out = %v, want 200", out)
	}
	if bal, _ := backend.BalanceOf(ctx, tokenOut, recipient); bal.Int64() != 200 {
		t.Fatalf("recipient output balance = %s, want 200", bal)
	}
	if bal, _ := backend.BalanceOf(ctx, tokenIn, custody); bal.Sign() != 0 {
		t.Fatalf("custody input balance = %s, want 0", bal)
	}
	// The exact allowance was fully consumed by the pull.
	if granted, _ := backend.Allowance(ctx, tokenIn, custody, gatewayAddr); granted.Sign() != 0 {
		t.Fatalf("leftover allowance = %s, want 0", granted)
	}
}

func TestConvertNativeInput(t *testing.T) {
	backend := assets.NewMemoryBackend()
	gateway := NewMemoryGateway(gatewayAddr, backend)
	gateway.SetRate(assets.Native, tokenOut, Rate{Num: big.NewInt(3), Den: big.NewInt(2)})
	ctx := context.Background()

	backend.Mint(assets.Native, custody, big.NewInt(10))
	out, err := Convert(ctx, backend, gateway, custody, assets.Native, tokenOut, big.NewInt(10), recipient)
	if err != nil {
		t.Fatalf("convert native: %v", err)
	}
	if out.Int64() != 15 {
		t.Fatalf("amount out = %s, want 15", out)
	}
	if bal, _ := backend.BalanceOf(ctx, assets.Native, custody); bal.Sign() != 0 {
		t.Fatalf("custody native balance = %s, want 0", bal)
	}
}

func TestConvertGatewayFailure(t *testing.T) {
	backend := assets.NewMemoryBackend()
	gateway := NewMemoryGateway(gatewayAddr, backend)
	gateway.SetRate(tokenIn, tokenOut, Rate{Num: big.NewInt(1), Den: big.NewInt(1)})
	gateway.FailNext(true)
	ctx := context.Background()

	backend.Mint(tokenIn, custody, big.NewInt(50))
	if _, err := Convert(ctx, backend, gateway, custody, tokenIn, tokenOut, big.NewInt(50), recipient); err == nil {
		t.Fatal("convert must surface the gateway revert")
	}
	if bal, _ := backend.BalanceOf(ctx, tokenIn, custody); bal.Int64() != 50 {
		t.Fatalf("custody balance after revert = %s, want 50", bal)
	}
}

func TestConvertUnknownRoute(t *testing.T) {
	backend := assets.NewMemoryBackend()
	gateway := NewMemoryGateway(gatewayAddr, backend)
	ctx := context.Background()

	backend.Mint(tokenIn, custody, big.NewInt(50))
	if _, err := Convert(ctx, backend, gateway, custody, tokenIn, tokenOut, big.NewInt(50), recipient); err == nil {
		t.Fatal("convert without a route must fail")
	}
}

func TestConvertNilGateway(t *testing.T) {
	backend := assets.NewMemoryBackend()
	if _, err := Convert(context.Background(), backend, nil, custody, tokenIn, tokenOut, big.NewInt(1), recipient); err == nil {
		t.Fatal("convert without a gateway must fail")
	}
}
