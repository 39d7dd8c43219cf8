package escrow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"InheritChain/internal/assets"
	xerrors "InheritChain/internal/errors"
	"InheritChain/internal/names"
	"InheritChain/internal/swap"
	"InheritChain/pkg/logger"
)

// IdentifierResolver maps a human-readable identifier or raw hex string to
// a canonical address, with the zero address as the "no result" sentinel.
type IdentifierResolver interface {
	ResolveIdentifier(ctx context.Context, value string) common.Address
}

// GatewayLookup materializes the swap gateway living at the given address.
type GatewayLookup func(addr common.Address) (swap.Gateway, bool)

// Options wires a Service. Store, Backend and ChainID are mandatory; the
// rest default to inert implementations.
type Options struct {
	ChainID  uint64
	Store    Store
	Backend  assets.Backend
	Resolver IdentifierResolver
	Gateways GatewayLookup
	Sink     Sink
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service is the registry and the per-instance state machine in one place:
// it creates escrow instances, enumerates them per owner, and runs every
// owner/keeper/permissionless operation against them. Each deployment chain
// runs its own Service instance; cross-chain coordination is explicitly not
// atomic.
type Service struct {
	chainID  uint64
	store    Store
	backend  assets.Backend
	resolver IdentifierResolver
	gateways GatewayLookup
	sink     Sink
	now      func() time.Time
	log      *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]bool
}

// NewService builds a Service from options.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "escrow store is required")
	}
	if opts.Backend == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "asset backend is required")
	}
	if opts.ChainID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chain ID is required")
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewMemorySink()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		chainID:  opts.ChainID,
		store:    opts.Store,
		backend:  opts.Backend,
		resolver: opts.Resolver,
		gateways: opts.Gateways,
		sink:     sink,
		now:      now,
		log:      logger.Named("escrow"),
		locks:    make(map[string]*sync.Mutex),
		running:  make(map[string]bool),
	}, nil
}

// ChainID returns the chain this service is deployed for.
func (s *Service) ChainID() uint64 {
	return s.chainID
}

// CreateEscrow instantiates a new Active instance owned by the caller,
// monitoring the wallet behind the given identifier (registered name or hex
// address). The creation event carries the resolved wallet and the derived
// custody address.
func (s *Service) CreateEscrow(ctx context.Context, owner common.Address, walletIdentifier string, thresholdSeconds int64) (*Escrow, error) {
	if owner == (common.Address{}) {
		return nil, xerrors.New(CodeValidation, "owner is the zero address")
	}
	if thresholdSeconds <= 0 {
		return nil, xerrors.New(CodeValidation, "inactivity threshold must be positive")
	}
	wallet := s.resolveIdentifier(ctx, walletIdentifier)
	if wallet == (common.Address{}) {
		return nil, xerrors.New(CodeValidation, "monitored wallet did not resolve to an address",
			xerrors.WithMetadata("identifier", walletIdentifier))
	}

	seq, err := s.store.CountByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()
	escrow := &Escrow{
		ID:                  uuid.NewString(),
		ChainID:             s.chainID,
		Owner:               owner,
		MonitoredWallet:     wallet,
		Custody:             crypto.CreateAddress(owner, uint64(seq)),
		InactivityThreshold: thresholdSeconds,
		LastActivity:        now,
		Status:              StatusActive,
		CreatedAt:           now,
	}
	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, err
	}

	s.publish(ctx, Event{
		Type:     EventCreated,
		EscrowID: escrow.ID,
		ChainID:  escrow.ChainID,
		Owner:    escrow.Owner.Hex(),
		At:       now,
		Fields: map[string]string{
			"monitored_wallet":     wallet.Hex(),
			"custody":              escrow.Custody.Hex(),
			"inactivity_threshold": formatSeconds(thresholdSeconds),
		},
	})
	logger.Audit().Info("escrow created",
		slog.String("escrow_id", escrow.ID),
		slog.String("owner", escrow.Owner.Hex()),
		slog.String("monitored_wallet", wallet.Hex()),
		slog.Int64("inactivity_threshold", thresholdSeconds),
	)
	return escrow.Clone(), nil
}

// Get returns one instance.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// EscrowsByOwner returns every instance ever created for the owner.
func (s *Service) EscrowsByOwner(ctx context.Context, owner common.Address) ([]*Escrow, error) {
	return s.store.ListByOwner(ctx, owner)
}

// CanExecute reports whether execution is permitted right now.
func (s *Service) CanExecute(ctx context.Context, id string) (bool, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return escrow.CanExecuteAt(s.now().Unix()), nil
}

// TimeUntilExecution returns the seconds remaining before the instance
// becomes executable, or NoExecutionCountdown when it is not Active.
func (s *Service) TimeUntilExecution(ctx context.Context, id string) (int64, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return escrow.TimeUntilExecutionAt(s.now().Unix()), nil
}

// BeneficiaryInput is one row to insert; the recipient may be a registered
// name or a raw hex address.
type BeneficiaryInput struct {
	Recipient        string
	ShareBasisPoints uint32
	ChainID          uint64
	Asset            common.Address
	WantsSwap        bool
	SwapTarget       common.Address
}

// AddBeneficiary appends one distribution row. Owner-only, Active-only.
func (s *Service) AddBeneficiary(ctx context.Context, id string, caller common.Address, input BeneficiaryInput) (*Escrow, error) {
	return s.addBeneficiaries(ctx, id, caller, []BeneficiaryInput{input})
}

// BatchInput carries the parallel sequences of a batch insertion. Every
// slice must have the same length.
type BatchInput struct {
	Recipients  []string
	ShareBps    []uint32
	ChainIDs    []uint64
	Assets      []common.Address
	WantsSwap   []bool
	SwapTargets []common.Address
}

// AddBeneficiariesBatch appends several rows atomically: either every row
// validates and all are inserted, or nothing changes.
func (s *Service) AddBeneficiariesBatch(ctx context.Context, id string, caller common.Address, batch BatchInput) (*Escrow, error) {
	n := len(batch.Recipients)
	if n == 0 {
		return nil, xerrors.New(CodeValidation, "batch is empty")
	}
	if len(batch.ShareBps) != n || len(batch.ChainIDs) != n || len(batch.Assets) != n ||
		len(batch.WantsSwap) != n || len(batch.SwapTargets) != n {
		return nil, xerrors.New(CodeValidation, "batch sequences have mismatched lengths")
	}
	inputs := make([]BeneficiaryInput, n)
	for i := 0; i < n; i++ {
		inputs[i] = BeneficiaryInput{
			Recipient:        batch.Recipients[i],
			ShareBasisPoints: batch.ShareBps[i],
			ChainID:          batch.ChainIDs[i],
			Asset:            batch.Assets[i],
			WantsSwap:        batch.WantsSwap[i],
			SwapTarget:       batch.SwapTargets[i],
		}
	}
	return s.addBeneficiaries(ctx, id, caller, inputs)
}

func (s *Service) addBeneficiaries(ctx context.Context, id string, caller common.Address, inputs []BeneficiaryInput) (*Escrow, error) {
	unlock := s.lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Owner != caller {
		s.auditDenied("add_beneficiary", escrow, caller)
		return nil, ErrNotOwner
	}
	if escrow.Status != StatusActive {
		return nil, ErrInactive
	}
	if len(escrow.Beneficiaries)+len(inputs) > MaxBeneficiaries {
		return nil, ErrBeneficiaryCap
	}

	rows := make([]Beneficiary, 0, len(inputs))
	for _, input := range inputs {
		recipient := s.resolveIdentifier(ctx, input.Recipient)
		row := Beneficiary{
			Recipient:        recipient,
			ShareBasisPoints: input.ShareBasisPoints,
			ChainID:          input.ChainID,
			Asset:            input.Asset,
			WantsSwap:        input.WantsSwap,
			SwapTarget:       input.SwapTarget,
		}
		if err := validateBeneficiary(row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	escrow.Beneficiaries = append(escrow.Beneficiaries, rows...)
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}

	now := s.now().Unix()
	for _, row := range rows {
		s.publish(ctx, Event{
			Type:     EventBeneficiaryAdded,
			EscrowID: escrow.ID,
			ChainID:  escrow.ChainID,
			Owner:    escrow.Owner.Hex(),
			At:       now,
			Fields: map[string]string{
				"recipient":   row.Recipient.Hex(),
				"share_bps":   formatUint(uint64(row.ShareBasisPoints)),
				"chain_id":    formatUint(row.ChainID),
				"asset":       row.Asset.Hex(),
				"wants_swap":  formatBool(row.WantsSwap),
				"swap_target": row.SwapTarget.Hex(),
			},
		})
	}
	return escrow.Clone(), nil
}

// UpdateActivity refreshes the liveness evidence of the monitored wallet.
// Only the owner or the keeper may call it; timestamps must be
// non-decreasing and never in the future. A keeper is additionally rejected
// whenever the instance is already executable, so a keeper can never
// postpone a due execution; the owner is exempt.
func (s *Service) UpdateActivity(ctx context.Context, id string, caller common.Address, timestamp int64) (*Escrow, error) {
	unlock := s.lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	isOwner := caller == escrow.Owner
	isKeeper := escrow.HasKeeper() && caller == escrow.Keeper
	if !isOwner && !isKeeper {
		s.auditDenied("update_activity", escrow, caller)
		return nil, ErrNotOwnerOrKeeper
	}
	if escrow.Status != StatusActive {
		return nil, ErrInactive
	}
	now := s.now().Unix()
	if timestamp < escrow.LastActivity {
		return nil, xerrors.New(CodeValidation, "activity timestamp precedes the recorded one")
	}
	if timestamp > now {
		return nil, xerrors.New(CodeValidation, "activity timestamp is in the future")
	}
	if !isOwner && escrow.CanExecuteAt(now) {
		s.auditDenied("update_activity", escrow, caller)
		return nil, ErrKeeperPostpone
	}

	escrow.LastActivity = timestamp
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	s.publish(ctx, Event{
		Type:     EventActivityUpdated,
		EscrowID: escrow.ID,
		ChainID:  escrow.ChainID,
		Owner:    escrow.Owner.Hex(),
		At:       now,
		Fields: map[string]string{
			"caller":        caller.Hex(),
			"last_activity": formatSeconds(timestamp),
		},
	})
	return escrow.Clone(), nil
}

// SetKeeper configures (or clears, with the zero address) the keeper
// identity. Owner-only, Active-only.
func (s *Service) SetKeeper(ctx context.Context, id string, caller, keeper common.Address) (*Escrow, error) {
	return s.configure(ctx, id, caller, "set_keeper", func(escrow *Escrow) error {
		escrow.Keeper = keeper
		return nil
	})
}

// SetSwapGateway configures (or clears, with the zero address) the swap
// gateway capability reference. Owner-only, Active-only.
func (s *Service) SetSwapGateway(ctx context.Context, id string, caller, gateway common.Address) (*Escrow, error) {
	return s.configure(ctx, id, caller, "set_swap_gateway", func(escrow *Escrow) error {
		escrow.SwapGateway = gateway
		return nil
	})
}

// Deactivate irreversibly retires the instance. Owner-only, Active-only.
func (s *Service) Deactivate(ctx context.Context, id string, caller common.Address) (*Escrow, error) {
	escrow, err := s.configure(ctx, id, caller, "deactivate", func(escrow *Escrow) error {
		escrow.Status = StatusInactive
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Event{
		Type:     EventStatusChanged,
		EscrowID: escrow.ID,
		ChainID:  escrow.ChainID,
		Owner:    escrow.Owner.Hex(),
		At:       s.now().Unix(),
		Fields:   map[string]string{"status": string(StatusInactive)},
	})
	logger.Audit().Info("escrow deactivated",
		slog.String("escrow_id", escrow.ID),
		slog.String("owner", escrow.Owner.Hex()),
	)
	return escrow, nil
}

func (s *Service) configure(ctx context.Context, id string, caller common.Address, action string, mutate func(*Escrow) error) (*Escrow, error) {
	unlock := s.lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Owner != caller {
		s.auditDenied(action, escrow, caller)
		return nil, ErrNotOwner
	}
	if escrow.Status != StatusActive {
		return nil, ErrInactive
	}
	if err := mutate(escrow); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow.Clone(), nil
}

// Close releases the store and the event sink.
func (s *Service) Close() error {
	var err error
	if s.store != nil {
		err = s.store.Close()
	}
	if s.sink != nil {
		if sinkErr := s.sink.Close(); err == nil {
			err = sinkErr
		}
	}
	return err
}

func (s *Service) resolveIdentifier(ctx context.Context, value string) common.Address {
	if s.resolver != nil {
		return s.resolver.ResolveIdentifier(ctx, value)
	}
	return names.ParseHexAddress(value)
}

// lock serializes operations on one instance, mirroring the
// transaction-serialized substrate the design assumes.
func (s *Service) lock(id string) func() {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// beginRun is the re-entrancy guard around Run: a nested invocation, for
// example from a malicious recipient contract, is rejected instead of
// recursing into the distribution.
func (s *Service) beginRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return ErrReentrantRun
	}
	s.running[id] = true
	return nil
}

func (s *Service) endRun(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

func (s *Service) publish(ctx context.Context, event Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, event); err != nil {
		// The state change already committed; losing the event must not
		// unwind a financial operation, only page.
		s.log.Error("publish audit event",
			slog.String("event_type", string(event.Type)),
			slog.String("escrow_id", event.EscrowID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) auditDenied(action string, escrow *Escrow, caller common.Address) {
	logger.Audit().Warn("escrow call denied",
		slog.String("action", action),
		slog.String("escrow_id", escrow.ID),
		slog.String("caller", caller.Hex()),
	)
}
