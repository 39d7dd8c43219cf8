// Package escrow implements the dead-man's-switch escrow engine: the state
// machine that governs when execution is permitted, and the fund-pulling and
// distribution algorithm that proportionally allocates custody balances to
// beneficiaries.
package escrow

import (
	"math"

	"github.com/ethereum/go-ethereum/common"

	"InheritChain/internal/assets"
	xerrors "InheritChain/internal/errors"
)

// Status is the lifecycle state of an escrow instance.
type Status string

const (
	// StatusActive is the initial state; configuration and execution are
	// only possible here.
	StatusActive Status = "active"
	// StatusInactive is terminal. There is no way back.
	StatusInactive Status = "inactive"
)

const (
	// MaxBeneficiaries caps the beneficiary list per instance.
	MaxBeneficiaries = 5
	// BasisPointsDenominator is the share denominator: 10000 = 100%.
	BasisPointsDenominator = 10000
	// NoExecutionCountdown is the TimeUntilExecution sentinel for instances
	// that are not Active.
	NoExecutionCountdown = int64(math.MaxInt64)
)

// Beneficiary is one distribution row. Insertion order is significant: it
// decides per-bucket iteration order and which row receives rounding dust.
type Beneficiary struct {
	Recipient        common.Address `json:"recipient"`
	ShareBasisPoints uint32         `json:"share_basis_points"`
	ChainID          uint64         `json:"chain_id"`
	Asset            common.Address `json:"asset"`
	WantsSwap        bool           `json:"wants_swap"`
	SwapTarget       common.Address `json:"swap_target"`
}

// Escrow is an escrow instance record. All timestamps are unix seconds.
type Escrow struct {
	ID                  string         `json:"id"`
	ChainID             uint64         `json:"chain_id"`
	Owner               common.Address `json:"owner"`
	MonitoredWallet     common.Address `json:"monitored_wallet"`
	Custody             common.Address `json:"custody"`
	Keeper              common.Address `json:"keeper"`
	SwapGateway         common.Address `json:"swap_gateway"`
	InactivityThreshold int64          `json:"inactivity_threshold"`
	LastActivity        int64          `json:"last_activity"`
	Status              Status         `json:"status"`
	Beneficiaries       []Beneficiary  `json:"beneficiaries"`
	CreatedAt           int64          `json:"created_at"`
	UpdatedAt           int64          `json:"updated_at"`
}

// CanExecuteAt reports whether execution is permitted at the given instant:
// the instance is Active and the monitored wallet has been silent for at
// least the inactivity threshold.
func (e *Escrow) CanExecuteAt(now int64) bool {
	if e == nil || e.Status != StatusActive {
		return false
	}
	return now-e.LastActivity >= e.InactivityThreshold
}

// TimeUntilExecutionAt returns the seconds remaining before execution
// becomes permitted, zero when already due, or NoExecutionCountdown when
// the instance is not Active.
func (e *Escrow) TimeUntilExecutionAt(now int64) int64 {
	if e == nil || e.Status != StatusActive {
		return NoExecutionCountdown
	}
	remaining := e.LastActivity + e.InactivityThreshold - now
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasKeeper reports whether a keeper identity is configured.
func (e *Escrow) HasKeeper() bool {
	return e != nil && e.Keeper != (common.Address{})
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Beneficiaries = append([]Beneficiary(nil), e.Beneficiaries...)
	return &clone
}

// Domain error codes.
const (
	CodeEscrowNotFound  xerrors.Code = "ESCROW_NOT_FOUND"
	CodeEscrowConflict  xerrors.Code = "ESCROW_CONFLICT"
	CodeNotOwner        xerrors.Code = "ESCROW_NOT_OWNER"
	CodeNotKeeper       xerrors.Code = "ESCROW_NOT_OWNER_OR_KEEPER"
	CodeInactive        xerrors.Code = "ESCROW_INACTIVE"
	CodeNotDue          xerrors.Code = "ESCROW_NOT_DUE"
	CodeNoBeneficiaries xerrors.Code = "ESCROW_NO_BENEFICIARIES"
	CodeBeneficiaryCap  xerrors.Code = "ESCROW_BENEFICIARY_CAP"
	CodeValidation      xerrors.Code = "ESCROW_VALIDATION_FAILED"
	CodeKeeperPostpone  xerrors.Code = "ESCROW_KEEPER_POSTPONE_DENIED"
	CodeReentrancy      xerrors.Code = "ESCROW_REENTRANT_RUN"
	CodeExecution       xerrors.Code = "ESCROW_EXECUTION_FAILED"
)

var (
	// ErrNotFound marks lookups for unknown escrow IDs.
	ErrNotFound = xerrors.New(CodeEscrowNotFound, "escrow not found")
	// ErrConflict marks duplicate escrow IDs at the store layer.
	ErrConflict = xerrors.New(CodeEscrowConflict, "escrow already exists")
	// ErrNotOwner rejects configuration calls from anyone but the owner.
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not the escrow owner")
	// ErrNotOwnerOrKeeper rejects activity updates from third parties.
	ErrNotOwnerOrKeeper = xerrors.New(CodeNotKeeper, "caller is neither owner nor keeper")
	// ErrInactive rejects any mutation once the instance is Inactive.
	ErrInactive = xerrors.New(CodeInactive, "escrow is inactive")
	// ErrNotDue rejects execution while the inactivity threshold has not
	// elapsed.
	ErrNotDue = xerrors.New(CodeNotDue, "inactivity threshold not reached")
	// ErrNoBeneficiaries rejects execution with an empty distribution list.
	ErrNoBeneficiaries = xerrors.New(CodeNoBeneficiaries, "no beneficiaries configured")
	// ErrBeneficiaryCap rejects additions beyond MaxBeneficiaries.
	ErrBeneficiaryCap = xerrors.New(CodeBeneficiaryCap, "beneficiary cap reached")
	// ErrKeeperPostpone rejects a keeper refresh that would postpone an
	// already due execution.
	ErrKeeperPostpone = xerrors.New(CodeKeeperPostpone, "keeper cannot postpone a due execution")
	// ErrReentrantRun rejects a nested invocation of Run.
	ErrReentrantRun = xerrors.New(CodeReentrancy, "execution already in progress")
)

func init() {
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{Message: "escrow not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeEscrowConflict, xerrors.Attributes{Message: "escrow already exists", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{Message: "caller is not the escrow owner", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeNotKeeper, xerrors.Attributes{Message: "caller is neither owner nor keeper", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeInactive, xerrors.Attributes{Message: "escrow is inactive", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotDue, xerrors.Attributes{Message: "inactivity threshold not reached", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNoBeneficiaries, xerrors.Attributes{Message: "no beneficiaries configured", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeBeneficiaryCap, xerrors.Attributes{Message: "beneficiary cap reached", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeValidation, xerrors.Attributes{Message: "escrow validation failed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeKeeperPostpone, xerrors.Attributes{Message: "keeper cannot postpone a due execution", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeReentrancy, xerrors.Attributes{Message: "execution already in progress", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeExecution, xerrors.Attributes{Message: "escrow execution failed", Severity: xerrors.SeverityCritical, Alert: true})
}

// validateBeneficiary checks one row against the insertion-time invariants:
// non-zero recipient, share within [1,10000], and a non-sentinel swap
// target whenever the row wants a swap.
func validateBeneficiary(b Beneficiary) error {
	if b.Recipient == (common.Address{}) {
		return xerrors.New(CodeValidation, "beneficiary recipient is the zero address")
	}
	if b.ShareBasisPoints < 1 || b.ShareBasisPoints > BasisPointsDenominator {
		return xerrors.New(CodeValidation, "share basis points out of range [1,10000]")
	}
	if b.WantsSwap && assets.IsNative(b.SwapTarget) {
		return xerrors.New(CodeValidation, "swap requested without a swap target asset")
	}
	return nil
}
