package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "InheritChain/internal/errors"
)

// MemoryStore keeps escrow records in memory. It backs tests and the
// development mode of the daemon.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, escrow *Escrow) error {
	if escrow == nil || escrow.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "escrow and its ID are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[escrow.ID]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	if escrow.CreatedAt == 0 {
		escrow.CreatedAt = now
	}
	escrow.UpdatedAt = now
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return escrow.Clone(), nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, escrow *Escrow) error {
	if escrow == nil || escrow.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "escrow and its ID are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrNotFound
	}
	escrow.UpdatedAt = time.Now().Unix()
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

// ListByOwner implements Store.
func (m *MemoryStore) ListByOwner(_ context.Context, owner common.Address) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Escrow, 0, 4)
	for _, escrow := range m.escrows {
		if escrow.Owner == owner {
			results = append(results, escrow.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// CountByOwner implements Store.
func (m *MemoryStore) CountByOwner(_ context.Context, owner common.Address) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, escrow := range m.escrows {
		if escrow.Owner == owner {
			count++
		}
	}
	return count, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
