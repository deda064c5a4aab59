package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
)

func TestBeginTimesOutWhileTxHeld(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := s.Begin(waitCtx); !errors.Is(err, store.ErrConcurrencyTimeout) {
		t.Fatalf("expected concurrency timeout, got %v", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin after release failed: %v", err)
	}
	_ = tx2.Rollback()
}

func TestDecrementStockGuard(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.LockStock(ctx, "var-mug-01", "branch-central"); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := tx.DecrementStock(ctx, "var-mug-01", "branch-central", 81); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if err := tx.DecrementStock(ctx, "var-mug-01", "branch-central", 80); err != nil {
		t.Fatalf("exact decrement should pass: %v", err)
	}
}

func TestRollbackRestoresState(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tx.LockStock(ctx, "var-tshirt-m", "branch-central"); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := tx.DecrementStock(ctx, "var-tshirt-m", "branch-central", 10); err != nil {
		t.Fatalf("decrement failed: %v", err)
	}
	if err := tx.InsertSale(ctx, domain.Sale{ID: "sale-tmp", BranchID: "branch-central", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	level, err := s.GetStockLevel(ctx, "var-tshirt-m", "branch-central")
	if err != nil {
		t.Fatalf("stock lookup failed: %v", err)
	}
	if level.Quantity != 120 {
		t.Fatalf("expected stock restored to 120, got %d", level.Quantity)
	}
	if _, err := s.GetSale(ctx, "sale-tmp"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("sale should not survive rollback, got %v", err)
	}
}

func TestDuplicateExternalOrderID(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	sale := domain.Sale{ID: "sale-1", BranchID: "branch-central", ExternalOrderID: "ext-1", CreatedAt: time.Now()}
	if err := tx.InsertSale(ctx, sale); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer func() { _ = tx2.Rollback() }()
	dup := domain.Sale{ID: "sale-2", BranchID: "branch-central", ExternalOrderID: "ext-1", CreatedAt: time.Now()}
	if err := tx2.InsertSale(ctx, dup); !errors.Is(err, store.ErrDuplicateSale) {
		t.Fatalf("expected duplicate sale, got %v", err)
	}
}

func TestConsumeMovementLayersOldestFirst(t *testing.T) {
	s := New()
	s.SeedVariation(domain.ProductVariation{ID: "var-x", SKU: "X"}, "b1", 0)
	ctx := context.Background()

	for i, layer := range []struct {
		qty  int
		cost int64
	}{{4, 100}, {6, 200}} {
		tx, err := s.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		mv := domain.InventoryMovement{
			ID: "mv-" + string(rune('a'+i)), VariationID: "var-x", BranchID: "b1",
			QuantityChange: layer.qty, UnitCostCents: layer.cost,
			QuantityRemaining: layer.qty, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := tx.AppendMovement(ctx, mv); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if err := tx.IncrementStock(ctx, "var-x", "b1", layer.qty); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tx.ConsumeMovementLayers(ctx, "var-x", 5); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	movements, err := s.ListMovements(ctx, "var-x")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if movements[0].QuantityRemaining != 0 {
		t.Fatalf("oldest layer should be drained, has %d", movements[0].QuantityRemaining)
	}
	if movements[1].QuantityRemaining != 5 {
		t.Fatalf("newer layer should have 5 left, has %d", movements[1].QuantityRemaining)
	}
}
