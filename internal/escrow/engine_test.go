package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"InheritChain/internal/assets"
	"InheritChain/internal/swap"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func addRow(t *testing.T, f *fixture, id string, input BeneficiaryInput) {
	t.Helper()
	if _, err := f.service.AddBeneficiary(context.Background(), id, ownerAddr, input); err != nil {
		t.Fatalf("add beneficiary: %v", err)
	}
}

func balance(t *testing.T, f *fixture, asset, holder common.Address) int64 {
	t.Helper()
	bal, err := f.backend.BalanceOf(context.Background(), asset, holder)
	if err != nil {
		t.Fatalf("balance of %s: %v", holder.Hex(), err)
	}
	return bal.Int64()
}

func TestRunRejectsWhenNotDue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 3600)
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirOne, ShareBasisPoints: 10000, ChainID: 1337})
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(1000))

	if _, err := f.service.Run(ctx, created.ID); !errors.Is(err, ErrNotDue) {
		t.Fatalf("run while not due = %v, want ErrNotDue", err)
	}
	if got := balance(t, f, assets.Native, created.Custody); got != 1000 {
		t.Fatalf("custody balance changed to %d on a rejected run", got)
	}
	if got := len(f.sink.EventsOfType(EventExecutionTriggered)); got != 0 {
		t.Fatalf("rejected run emitted %d execution events", got)
	}
}

func TestRunRejectsWithoutBeneficiaries(t *testing.T) {
	f := newFixture(t, nil)
	created := f.create(t, 10)
	f.advance(20)
	if _, err := f.service.Run(context.Background(), created.ID); !errors.Is(err, ErrNoBeneficiaries) {
		t.Fatalf("run without rows = %v, want ErrNoBeneficiaries", err)
	}
}

func TestRunExactDistribution(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 10)
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirOne, ShareBasisPoints: 6000, ChainID: 1337})
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirTwo, ShareBasisPoints: 4000, ChainID: 1337})
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(1_000_000))
	f.advance(20)

	report, err := f.service.Run(ctx, created.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Payments) != 2 {
		t.Fatalf("payments = %d, want 2", len(report.Payments))
	}
	if got := balance(t, f, assets.Native, common.HexToAddress(heirOne)); got != 600_000 {
		t.Fatalf("first heir received %d, want 600000", got)
	}
	if got := balance(t, f, assets.Native, common.HexToAddress(heirTwo)); got != 400_000 {
		t.Fatalf("second heir received %d, want 400000", got)
	}
	if got := balance(t, f, assets.Native, created.Custody); got != 0 {
		t.Fatalf("custody keeps %d after an exact split", got)
	}

	if got := len(f.sink.EventsOfType(EventExecutionTriggered)); got != 1 {
		t.Fatalf("execution events = %d, want 1", got)
	}
	if got := len(f.sink.EventsOfType(EventFundsTransferred)); got != 2 {
		t.Fatalf("transfer events = %d, want 2", got)
	}
}

func TestRunAssignsDustToFirstPaidRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 10)
	heirs := []string{heirOne, heirTwo, "0x0000000000000000000000000000000000000103"}
	for _, heir := range heirs {
		addRow(t, f, created.ID, BeneficiaryInput{Recipient: heir, ShareBasisPoints: 3300, ChainID: 1337})
	}
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(100))
	f.advance(20)

	if _, err := f.service.Run(ctx, created.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	// floor splits 33/33/33 leave 1 unit of rounding dust for the first row.
	want := []int64{34, 33, 33}
	for i, heir := range heirs {
		if got := balance(t, f, assets.Native, common.HexToAddress(heir)); got != want[i] {
			t.Fatalf("heir %d received %d, want %d", i, got, want[i])
		}
	}
	if got := balance(t, f, assets.Native, created.Custody); got != 0 {
		t.Fatalf("custody keeps %d, want 0", got)
	}
}

func TestRunKeepsDeliberateRemainderInCustody(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 10)
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirOne, ShareBasisPoints: 4000, ChainID: 1337})
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirTwo, ShareBasisPoints: 1000, ChainID: 1337})
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(1000))
	f.advance(20)

	if _, err := f.service.Run(ctx, created.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := balance(t, f, assets.Native, common.HexToAddress(heirOne)); got != 400 {
		t.Fatalf("first heir received %d, want 400", got)
	}
	if got := balance(t, f, assets.Native, common.HexToAddress(heirTwo)); got != 100 {
		t.Fatalf("second heir received %d, want 100", got)
	}
	// Shares under-subscribe on purpose; the remainder is not dust and stays
	// for a later run.
	if got := balance(t, f, assets.Native, created.Custody); got != 500 {
		t.Fatalf("custody keeps %d, want 500", got)
	}
}

func TestRunSkipsZeroAmounts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 10)
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirOne, ShareBasisPoints: 1, ChainID: 1337})
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(100))
	f.advance(20)

	report, err := f.service.Run(ctx, created.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Payments) != 0 {
		t.Fatalf("payments = %d, want 0 (floor rounds to zero)", len(report.Payments))
	}
	if got := balance(t, f, assets.Native, created.Custody); got != 100 {
		t.Fatalf("custody keeps %d, want 100", got)
	}
}

func TestRunSkipsForeignChainRows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 10)
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirOne, ShareBasisPoints: 10000, ChainID: 999})
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(100))
	f.advance(20)

	report, err := f.service.Run(ctx, created.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Payments) != 0 {
		t.Fatalf("foreign-chain rows produced %d payments", len(report.Payments))
	}
	if got := balance(t, f, assets.Native, created.Custody); got != 100 {
		t.Fatalf("custody keeps %d, want 100", got)
	}
}

func TestRunPullsApprovedTokens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 10)
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirOne, ShareBasisPoints: 10000, ChainID: 1337, Asset: tokenA})

	wallet := common.HexToAddress(walletHex)
	f.backend.Mint(tokenA, wallet, big.NewInt(500))
	if err := f.backend.Approve(ctx, tokenA, wallet, created.Custody, big.NewInt(300)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	f.advance(20)

	report, err := f.service.Run(ctx, created.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// min(wallet balance 500, allowance 300) was pulled and distributed.
	if len(report.Pulled) != 1 || report.Pulled[0].Amount.Int64() != 300 {
		t.Fatalf("unexpected pulls: %+v", report.Pulled)
	}
	if got := balance(t, f, tokenA, common.HexToAddress(heirOne)); got != 300 {
		t.Fatalf("heir received %d, want 300", got)
	}
	if got := balance(t, f, tokenA, wallet); got != 200 {
		t.Fatalf("wallet keeps %d, want 200", got)
	}
}

func TestRunSwapsWhenRequested(t *testing.T) {
	gatewayAddr := common.HexToAddress("0x00000000000000000000000000000000000009a1")
	var gateway *swap.MemoryGateway
	lookup := func(addr common.Address) (swap.Gateway, bool) {
		if addr == gatewayAddr && gateway != nil {
			return gateway, true
		}
		return nil, false
	}

	f := newFixture(t, lookup)
	gateway = swap.NewMemoryGateway(gatewayAddr, f.backend)
	gateway.SetRate(assets.Native, tokenB, swap.Rate{Num: big.NewInt(2), Den: big.NewInt(1)})

	ctx := context.Background()
	created := f.create(t, 10)
	if _, err := f.service.SetSwapGateway(ctx, created.ID, ownerAddr, gatewayAddr); err != nil {
		t.Fatalf("set gateway: %v", err)
	}
	addRow(t, f, created.ID, BeneficiaryInput{
		Recipient:        heirOne,
		ShareBasisPoints: 10000,
		ChainID:          1337,
		WantsSwap:        true,
		SwapTarget:       tokenB,
	})
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(100))
	f.advance(20)

	report, err := f.service.Run(ctx, created.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Payments) != 1 || !report.Payments[0].Swapped {
		t.Fatalf("unexpected payments: %+v", report.Payments)
	}
	if got := balance(t, f, tokenB, common.HexToAddress(heirOne)); got != 200 {
		t.Fatalf("heir received %d of the target asset, want 200", got)
	}
	if got := balance(t, f, assets.Native, created.Custody); got != 0 {
		t.Fatalf("custody keeps %d, want 0", got)
	}

	events := f.sink.EventsOfType(EventSwapExecuted)
	if len(events) != 1 {
		t.Fatalf("swap events = %d, want 1", len(events))
	}
	if events[0].Fields["asset_out"] != tokenB.Hex() || events[0].Fields["amount_out"] != "200" {
		t.Fatalf("unexpected swap event fields: %+v", events[0].Fields)
	}
}

func TestRunWithoutGatewayPaysHeldAsset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 10)
	// wantsSwap is set but no gateway is configured on the instance: the
	// held asset is paid directly.
	addRow(t, f, created.ID, BeneficiaryInput{
		Recipient:        heirOne,
		ShareBasisPoints: 10000,
		ChainID:          1337,
		WantsSwap:        true,
		SwapTarget:       tokenB,
	})
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(100))
	f.advance(20)

	report, err := f.service.Run(ctx, created.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Payments) != 1 || report.Payments[0].Swapped {
		t.Fatalf("unexpected payments: %+v", report.Payments)
	}
	if got := balance(t, f, assets.Native, common.HexToAddress(heirOne)); got != 100 {
		t.Fatalf("heir received %d, want 100", got)
	}
}

func TestRunAbortRestoresBalances(t *testing.T) {
	gatewayAddr := common.HexToAddress("0x00000000000000000000000000000000000009a1")
	var gateway *swap.MemoryGateway
	lookup := func(addr common.Address) (swap.Gateway, bool) {
		return gateway, gateway != nil
	}

	f := newFixture(t, lookup)
	gateway = swap.NewMemoryGateway(gatewayAddr, f.backend)
	gateway.FailNext(true)

	ctx := context.Background()
	created := f.create(t, 10)
	if _, err := f.service.SetSwapGateway(ctx, created.ID, ownerAddr, gatewayAddr); err != nil {
		t.Fatalf("set gateway: %v", err)
	}
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirOne, ShareBasisPoints: 5000, ChainID: 1337})
	addRow(t, f, created.ID, BeneficiaryInput{
		Recipient:        heirTwo,
		ShareBasisPoints: 5000,
		ChainID:          1337,
		WantsSwap:        true,
		SwapTarget:       tokenB,
	})
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(100))
	f.advance(20)

	if _, err := f.service.Run(ctx, created.ID); err == nil {
		t.Fatal("run must abort when any payment fails")
	}
	// The first row's payment was rolled back with everything else.
	if got := balance(t, f, assets.Native, common.HexToAddress(heirOne)); got != 0 {
		t.Fatalf("first heir keeps %d after an aborted run, want 0", got)
	}
	if got := balance(t, f, assets.Native, created.Custody); got != 100 {
		t.Fatalf("custody balance = %d after an aborted run, want 100", got)
	}
	if got := len(f.sink.EventsOfType(EventFundsTransferred)); got != 0 {
		t.Fatalf("aborted run emitted %d transfer events", got)
	}
	// The escrow stays due, so the run can simply be re-invoked.
	gateway.FailNext(false)
	gateway.SetRate(assets.Native, tokenB, swap.Rate{Num: big.NewInt(1), Den: big.NewInt(1)})
	if _, err := f.service.Run(ctx, created.ID); err != nil {
		t.Fatalf("re-invoked run: %v", err)
	}
}

func TestRunRejectsNestedInvocation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 10)
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirOne, ShareBasisPoints: 10000, ChainID: 1337})
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(100))
	f.advance(20)

	// A contract recipient tries to re-enter the execution from its native
	// receive path.
	var nestedErr error
	f.backend.SetReceiveHook(common.HexToAddress(heirOne), func(common.Address, *big.Int) error {
		_, nestedErr = f.service.Run(ctx, created.ID)
		return nil
	})

	if _, err := f.service.Run(ctx, created.ID); err != nil {
		t.Fatalf("outer run: %v", err)
	}
	if !errors.Is(nestedErr, ErrReentrantRun) {
		t.Fatalf("nested run = %v, want ErrReentrantRun", nestedErr)
	}
}

func TestRunPerAssetBuckets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := f.create(t, 10)
	// Rows form independent per-asset buckets; shares apply within each.
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirOne, ShareBasisPoints: 10000, ChainID: 1337})
	addRow(t, f, created.ID, BeneficiaryInput{Recipient: heirTwo, ShareBasisPoints: 10000, ChainID: 1337, Asset: tokenA})

	wallet := common.HexToAddress(walletHex)
	f.backend.Mint(assets.Native, created.Custody, big.NewInt(70))
	f.backend.Mint(tokenA, wallet, big.NewInt(40))
	if err := f.backend.Approve(ctx, tokenA, wallet, created.Custody, big.NewInt(40)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	f.advance(20)

	if _, err := f.service.Run(ctx, created.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := balance(t, f, assets.Native, common.HexToAddress(heirOne)); got != 70 {
		t.Fatalf("native heir received %d, want 70", got)
	}
	if got := balance(t, f, tokenA, common.HexToAddress(heirTwo)); got != 40 {
		t.Fatalf("token heir received %d, want 40", got)
	}
}
