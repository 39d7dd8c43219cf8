package escrow

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"InheritChain/internal/assets"
	xerrors "InheritChain/internal/errors"
	"InheritChain/internal/swap"
	"InheritChain/pkg/logger"
)

// PulledAsset records one fund-acquisition step of a run.
type PulledAsset struct {
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

// Payment records one distribution step of a run. When Swapped is set the
// recipient received AmountOut of SwapTarget instead of Amount of Asset;
// AmountOut is nil when the gateway cannot report realized output.
type Payment struct {
	Recipient  common.Address `json:"recipient"`
	Asset      common.Address `json:"asset"`
	Amount     *big.Int       `json:"amount"`
	Swapped    bool           `json:"swapped,omitempty"`
	SwapTarget common.Address `json:"swap_target,omitempty"`
	AmountOut  *big.Int       `json:"amount_out,omitempty"`
}

// RunReport summarizes one successful execution.
type RunReport struct {
	EscrowID   string        `json:"escrow_id"`
	ExecutedAt int64         `json:"executed_at"`
	Pulled     []PulledAsset `json:"pulled,omitempty"`
	Payments   []Payment     `json:"payments,omitempty"`
}

// Run executes a due escrow: pull every approved token from the monitored
// wallet into custody, then distribute each held asset across the matching
// beneficiary rows, converting through the swap gateway where requested.
// The call is permissionless and guarded against re-entry. Any failure in
// acquisition, conversion or payment aborts the whole call; on a backend
// that supports snapshots every balance effect is rolled back, so there is
// no partial-distribution state. Run may be re-invoked at any time and
// operates on whatever balance then exists.
func (s *Service) Run(ctx context.Context, id string) (*RunReport, error) {
	if err := s.beginRun(id); err != nil {
		return nil, err
	}
	defer s.endRun(id)

	unlock := s.lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()
	if escrow.Status != StatusActive {
		return nil, ErrInactive
	}
	if !escrow.CanExecuteAt(now) {
		return nil, ErrNotDue
	}
	if len(escrow.Beneficiaries) == 0 {
		return nil, ErrNoBeneficiaries
	}

	var snapshotID int
	snapshotter, canRevert := s.backend.(assets.Snapshotter)
	if canRevert {
		snapshotID = snapshotter.Snapshot()
	}

	report, events, runErr := s.execute(ctx, escrow, now)
	if runErr != nil {
		if canRevert {
			snapshotter.RevertToSnapshot(snapshotID)
		}
		s.log.Warn("escrow run aborted",
			slog.String("escrow_id", escrow.ID),
			slog.Any("error", runErr),
		)
		return nil, xerrors.Wrap(CodeExecution, runErr, "escrow run aborted, no funds moved")
	}

	if canRevert {
		if discarder, ok := snapshotter.(interface{ DiscardSnapshot(int) }); ok {
			discarder.DiscardSnapshot(snapshotID)
		}
	}
	for _, event := range events {
		s.publish(ctx, event)
	}
	logger.Audit().Info("escrow executed",
		slog.String("escrow_id", escrow.ID),
		slog.String("owner", escrow.Owner.Hex()),
		slog.Int("pulled_assets", len(report.Pulled)),
		slog.Int("payments", len(report.Payments)),
	)
	return report, nil
}

// execute performs fund acquisition and distribution. Events are buffered
// and only handed back on success so an aborted run leaves no audit trail
// of transfers that were rolled back.
func (s *Service) execute(ctx context.Context, escrow *Escrow, now int64) (*RunReport, []Event, error) {
	report := &RunReport{EscrowID: escrow.ID, ExecutedAt: now}
	events := []Event{{
		Type:     EventExecutionTriggered,
		EscrowID: escrow.ID,
		ChainID:  escrow.ChainID,
		Owner:    escrow.Owner.Hex(),
		At:       now,
		Fields: map[string]string{
			"custody":       escrow.Custody.Hex(),
			"last_activity": formatSeconds(escrow.LastActivity),
		},
	}}

	local := localRows(escrow.Beneficiaries, s.chainID)

	// Fund acquisition: pull every approved token into custody. Native value
	// has no allowance mechanism; it must already sit in custody.
	for _, asset := range distinctTokens(local) {
		grant := assets.Allowance{
			Grantor: escrow.MonitoredWallet,
			Grantee: escrow.Custody,
			Asset:   asset,
		}
		pullable, err := grant.Pullable(ctx, s.backend)
		if err != nil {
			return nil, nil, err
		}
		if pullable.Sign() <= 0 {
			continue
		}
		if err := grant.Pull(ctx, s.backend, escrow.Custody, pullable); err != nil {
			return nil, nil, err
		}
		report.Pulled = append(report.Pulled, PulledAsset{Asset: asset, Amount: pullable})
	}

	// Distribution, native first, then tokens in row order.
	for _, asset := range append([]common.Address{assets.Native}, distinctTokens(local)...) {
		payments, assetEvents, err := s.distributeAsset(ctx, escrow, local, asset, now)
		if err != nil {
			return nil, nil, err
		}
		report.Payments = append(report.Payments, payments...)
		events = append(events, assetEvents...)
	}
	return report, events, nil
}

// distributeAsset splits the custody balance of one asset across the rows
// that want it. Share amounts floor; when the leftover dust is smaller than
// the number of paid rows it is rounding residue and goes to the first paid
// row, otherwise the shares deliberately under-subscribe and the remainder
// stays in custody for a later run.
func (s *Service) distributeAsset(ctx context.Context, escrow *Escrow, local []Beneficiary, asset common.Address, now int64) ([]Payment, []Event, error) {
	balance, err := s.backend.BalanceOf(ctx, asset, escrow.Custody)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeExternalCall, err, "query custody balance")
	}
	if balance.Sign() <= 0 {
		return nil, nil, nil
	}

	var (
		rows    []Beneficiary
		amounts []*big.Int
		paidSum = new(big.Int)
		denom   = big.NewInt(BasisPointsDenominator)
	)
	for _, row := range local {
		if row.Asset != asset {
			continue
		}
		amount := new(big.Int).Mul(balance, big.NewInt(int64(row.ShareBasisPoints)))
		amount.Div(amount, denom)
		if amount.Sign() == 0 {
			continue
		}
		rows = append(rows, row)
		amounts = append(amounts, amount)
		paidSum.Add(paidSum, amount)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	dust := new(big.Int).Sub(balance, paidSum)
	if dust.Sign() > 0 && dust.Cmp(big.NewInt(int64(len(rows)))) < 0 {
		amounts[0].Add(amounts[0], dust)
	}

	var (
		payments []Payment
		events   []Event
	)
	for i, row := range rows {
		payment, event, err := s.pay(ctx, escrow, row, asset, amounts[i], now)
		if err != nil {
			return nil, nil, err
		}
		payments = append(payments, payment)
		events = append(events, event)
	}
	return payments, events, nil
}

// pay settles one row: through the gateway when the row asks for a swap and
// the instance has one configured, directly otherwise.
func (s *Service) pay(ctx context.Context, escrow *Escrow, row Beneficiary, asset common.Address, amount *big.Int, now int64) (Payment, Event, error) {
	if row.WantsSwap && escrow.SwapGateway != (common.Address{}) {
		gateway, err := s.gatewayAt(escrow.SwapGateway)
		if err != nil {
			return Payment{}, Event{}, err
		}
		out, err := swap.Convert(ctx, s.backend, gateway, escrow.Custody, asset, row.SwapTarget, amount, row.Recipient)
		if err != nil {
			return Payment{}, Event{}, err
		}
		payment := Payment{
			Recipient:  row.Recipient,
			Asset:      asset,
			Amount:     amount,
			Swapped:    true,
			SwapTarget: row.SwapTarget,
			AmountOut:  out,
		}
		fields := map[string]string{
			"recipient": row.Recipient.Hex(),
			"asset_in":  asset.Hex(),
			"asset_out": row.SwapTarget.Hex(),
			"amount_in": amount.String(),
			"gateway":   escrow.SwapGateway.Hex(),
		}
		if out != nil {
			fields["amount_out"] = out.String()
		}
		return payment, Event{
			Type:     EventSwapExecuted,
			EscrowID: escrow.ID,
			ChainID:  escrow.ChainID,
			Owner:    escrow.Owner.Hex(),
			At:       now,
			Fields:   fields,
		}, nil
	}

	if err := s.backend.Transfer(ctx, asset, escrow.Custody, row.Recipient, amount); err != nil {
		return Payment{}, Event{}, xerrors.Wrap(xerrors.CodeExternalCall, err, "transfer to beneficiary")
	}
	return Payment{Recipient: row.Recipient, Asset: asset, Amount: amount}, Event{
		Type:     EventFundsTransferred,
		EscrowID: escrow.ID,
		ChainID:  escrow.ChainID,
		Owner:    escrow.Owner.Hex(),
		At:       now,
		Fields: map[string]string{
			"recipient": row.Recipient.Hex(),
			"asset":     asset.Hex(),
			"amount":    amount.String(),
		},
	}, nil
}

func (s *Service) gatewayAt(addr common.Address) (swap.Gateway, error) {
	if s.gateways == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "no swap gateway lookup configured",
			xerrors.WithMetadata("gateway", addr.Hex()))
	}
	gateway, ok := s.gateways(addr)
	if !ok {
		return nil, xerrors.New(xerrors.CodeExternalCall, "swap gateway unavailable",
			xerrors.WithMetadata("gateway", addr.Hex()))
	}
	return gateway, nil
}

// localRows filters the beneficiary list down to the rows executable on
// this deployment's chain, preserving insertion order.
func localRows(rows []Beneficiary, chainID uint64) []Beneficiary {
	var local []Beneficiary
	for _, row := range rows {
		if row.ChainID == chainID {
			local = append(local, row)
		}
	}
	return local
}

// distinctTokens returns the non-native assets referenced by the rows, in
// first-appearance order.
func distinctTokens(rows []Beneficiary) []common.Address {
	var (
		tokens []common.Address
		seen   = make(map[common.Address]bool)
	)
	for _, row := range rows {
		if assets.IsNative(row.Asset) || seen[row.Asset] {
			continue
		}
		seen[row.Asset] = true
		tokens = append(tokens, row.Asset)
	}
	return tokens
}

func formatSeconds(v int64) string {
	return strconv.FormatInt(v, 10)
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func formatBool(v bool) string {
	return strconv.FormatBool(v)
}
