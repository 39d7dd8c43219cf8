package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists escrow instances. Implementations return ErrNotFound for
// unknown IDs and ErrConflict for duplicate creates.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	// ListByOwner returns every instance ever created for the owner, in
	// creation order.
	ListByOwner(ctx context.Context, owner common.Address) ([]*Escrow, error)
	// CountByOwner returns how many instances the owner has created.
	CountByOwner(ctx context.Context, owner common.Address) (int, error)
	Close() error
}
