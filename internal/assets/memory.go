package assets

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ReceiveHook models a contract recipient: it runs synchronously whenever
// the address receives a native transfer, before the transfer returns.
// Returning an error makes the transfer revert.
type ReceiveHook func(from common.Address, amount *big.Int) error

// MemoryBackend keeps balances and allowances in memory. It backs tests and
// the development mode of the daemon. Snapshots capture the full state so a
// failed run can be rolled back wholesale.
type MemoryBackend struct {
	mu sync.Mutex
	// balances[asset][holder], allowances[asset][owner][spender]
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]map[common.Address]*big.Int
	hooks      map[common.Address]ReceiveHook
	snapshots  []memorySnapshot
}

type memorySnapshot struct {
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]map[common.Address]*big.Int
}

// NewMemoryBackend returns an empty in-memory asset backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
		hooks:      make(map[common.Address]ReceiveHook),
	}
}

// Mint credits holder with amount of asset.
func (m *MemoryBackend) Mint(asset, holder common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(asset, holder, amount)
}

// SetReceiveHook installs a contract-style receive callback for native
// transfers to addr. A nil hook removes it.
func (m *MemoryBackend) SetReceiveHook(addr common.Address, hook ReceiveHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hook == nil {
		delete(m.hooks, addr)
		return
	}
	m.hooks[addr] = hook
}

// BalanceOf implements Backend.
func (m *MemoryBackend) BalanceOf(_ context.Context, asset, holder common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance(asset, holder)), nil
}

// Allowance implements Backend.
func (m *MemoryBackend) Allowance(_ context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if IsNative(asset) {
		return new(big.Int), nil
	}
	return new(big.Int).Set(m.allowance(asset, owner, spender)), nil
}

// Approve implements Backend. The allowance is set, not added.
func (m *MemoryBackend) Approve(_ context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if IsNative(asset) {
		return fmt.Errorf("native asset has no allowance mechanism")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	owners, ok := m.allowances[asset]
	if !ok {
		owners = make(map[common.Address]map[common.Address]*big.Int)
		m.allowances[asset] = owners
	}
	spenders, ok := owners[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		owners[owner] = spenders
	}
	spenders[spender] = new(big.Int).Set(amount)
	return nil
}

// Transfer implements Backend.
func (m *MemoryBackend) Transfer(_ context.Context, asset, from, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	if err := m.debit(asset, from, amount); err != nil {
		m.mu.Unlock()
		return err
	}
	m.credit(asset, to, amount)
	var hook ReceiveHook
	if IsNative(asset) {
		hook = m.hooks[to]
	}
	m.mu.Unlock()

	// The hook runs outside the lock so a contract recipient can call back
	// into the system, the way a native transfer forwards remaining gas.
	if hook != nil {
		if err := hook(from, new(big.Int).Set(amount)); err != nil {
			return fmt.Errorf("recipient %s reverted: %w", to.Hex(), err)
		}
	}
	return nil
}

// TransferFrom implements Backend: spends spender's allowance on owner.
func (m *MemoryBackend) TransferFrom(_ context.Context, asset, spender, owner, to common.Address, amount *big.Int) error {
	if IsNative(asset) {
		return fmt.Errorf("native asset cannot be transferred via allowance")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	granted := m.allowance(asset, owner, spender)
	if granted.Cmp(amount) < 0 {
		return fmt.Errorf("allowance of %s for %s is %s, need %s", owner.Hex(), spender.Hex(), granted, amount)
	}
	if err := m.debit(asset, owner, amount); err != nil {
		return err
	}
	m.credit(asset, to, amount)
	m.allowances[asset][owner][spender] = new(big.Int).Sub(granted, amount)
	return nil
}

// Snapshot implements Snapshotter.
func (m *MemoryBackend) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, memorySnapshot{
		balances:   copyBalances(m.balances),
		allowances: copyAllowances(m.allowances),
	})
	return len(m.snapshots) - 1
}

// RevertToSnapshot implements Snapshotter.
func (m *MemoryBackend) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	snap := m.snapshots[id]
	m.balances = copyBalances(snap.balances)
	m.allowances = copyAllowances(snap.allowances)
	m.snapshots = m.snapshots[:id]
}

// DiscardSnapshot drops a snapshot without reverting.
func (m *MemoryBackend) DiscardSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id >= 0 && id == len(m.snapshots)-1 {
		m.snapshots = m.snapshots[:id]
	}
}

func (m *MemoryBackend) balance(asset, holder common.Address) *big.Int {
	if holders, ok := m.balances[asset]; ok {
		if bal, ok := holders[holder]; ok {
			return bal
		}
	}
	return new(big.Int)
}

func (m *MemoryBackend) allowance(asset, owner, spender common.Address) *big.Int {
	if owners, ok := m.allowances[asset]; ok {
		if spenders, ok := owners[owner]; ok {
			if granted, ok := spenders[spender]; ok {
				return granted
			}
		}
	}
	return new(big.Int)
}

func (m *MemoryBackend) credit(asset, holder common.Address, amount *big.Int) {
	holders, ok := m.balances[asset]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		m.balances[asset] = holders
	}
	current, ok := holders[holder]
	if !ok {
		current = new(big.Int)
	}
	holders[holder] = new(big.Int).Add(current, amount)
}

func (m *MemoryBackend) debit(asset, holder common.Address, amount *big.Int) error {
	current := m.balance(asset, holder)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("balance of %s is %s, need %s", holder.Hex(), current, amount)
	}
	m.balances[asset][holder] = new(big.Int).Sub(current, amount)
	return nil
}

func copyBalances(src map[common.Address]map[common.Address]*big.Int) map[common.Address]map[common.Address]*big.Int {
	dst := make(map[common.Address]map[common.Address]*big.Int, len(src))
	for asset, holders := range src {
		inner := make(map[common.Address]*big.Int, len(holders))
		for holder, bal := range holders {
			inner[holder] = new(big.Int).Set(bal)
		}
		dst[asset] = inner
	}
	return dst
}

func copyAllowances(src map[common.Address]map[common.Address]map[common.Address]*big.Int) map[common.Address]map[common.Address]map[common.Address]*big.Int {
	dst := make(map[common.Address]map[common.Address]map[common.Address]*big.Int, len(src))
	for asset, owners := range src {
		innerOwners := make(map[common.Address]map[common.Address]*big.Int, len(owners))
		for owner, spenders := range owners {
			innerSpenders := make(map[common.Address]*big.Int, len(spenders))
			for spender, granted := range spenders {
				innerSpenders[spender] = new(big.Int).Set(granted)
			}
			innerOwners[owner] = innerSpenders
		}
		dst[asset] = innerOwners
	}
	return dst
}

var (
	_ Backend     = (*MemoryBackend)(nil)
	_ Snapshotter = (*MemoryBackend)(nil)
)
