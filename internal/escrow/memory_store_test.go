package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	owner := common.HexToAddress("0x0000000000000000000000000000000000000a11")

	records := []*Escrow{
		{ID: "e1", Owner: owner, Status: StatusActive, CreatedAt: 100},
		{ID: "e2", Owner: owner, Status: StatusActive, CreatedAt: 200},
		{ID: "e3", Owner: common.HexToAddress("0x0000000000000000000000000000000000000b0b"), Status: StatusActive, CreatedAt: 150},
	}
	for _, record := range records {
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("create %s: %v", record.ID, err)
		}
	}

	if err := store.Create(ctx, &Escrow{ID: "e1", Owner: owner}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create = %v, want ErrConflict", err)
	}

	got, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner != owner {
		t.Fatalf("unexpected owner %s", got.Owner.Hex())
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get = %v, want ErrNotFound", err)
	}

	got.Status = StatusInactive
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	// The store must hold copies, not caller-owned pointers.
	got.Status = StatusActive
	reread, _ := store.Get(ctx, "e1")
	if reread.Status != StatusInactive {
		t.Fatalf("store leaked caller mutation, status = %s", reread.Status)
	}

	if err := store.Update(ctx, &Escrow{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing update = %v, want ErrNotFound", err)
	}

	list, err := store.ListByOwner(ctx, owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "e1" || list[1].ID != "e2" {
		t.Fatalf("unexpected list order: %+v", list)
	}

	count, err := store.CountByOwner(ctx, owner)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}
