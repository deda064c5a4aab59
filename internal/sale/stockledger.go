package sale

import (
	"context"
	"fmt"
	"time"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
	"tokosera/backend/internal/xid"
)

// StockLedger owns per-branch stock quantities and the append-only movement
// ledger. All sale-path mutations go through a caller-held transaction so
// the row lock spans the quantity check and the decrement.
type StockLedger struct {
	db store.DB
}

func NewStockLedger(db store.DB) *StockLedger {
	return &StockLedger{db: db}
}

// LockStock acquires the exclusive row lock for the pair and returns the
// catalog snapshot the coordinator prices against.
func (l *StockLedger) LockStock(ctx context.Context, tx store.Tx, variationID, branchID string) (*domain.LockedStock, error) {
	locked, err := tx.LockStock(ctx, variationID, branchID)
	if err != nil {
		return nil, fmt.Errorf("lock stock %s@%s: %w", variationID, branchID, err)
	}
	return locked, nil
}

// Decrement subtracts qty from the locked stock row.
func (l *StockLedger) Decrement(ctx context.Context, tx store.Tx, variationID, branchID string, qty int) error {
	if err := tx.DecrementStock(ctx, variationID, branchID, qty); err != nil {
		return fmt.Errorf("decrement stock %s@%s by %d: %w", variationID, branchID, qty, err)
	}
	return nil
}

// ConsumeLayers retires qty units from the variation's open FIFO layers at
// sale time, keeping quantity_remaining aligned with what has actually sold.
func (l *StockLedger) ConsumeLayers(ctx context.Context, tx store.Tx, variationID string, qty int) error {
	return tx.ConsumeMovementLayers(ctx, variationID, qty)
}

// RecordStockIn appends a movement with a full unconsumed layer and raises
// the branch's on-hand quantity. Used by receiving flows, not by sales.
func (l *StockLedger) RecordStockIn(ctx context.Context, variationID, branchID string, unitCostCents int64, qty int) (*domain.InventoryMovement, error) {
	if variationID == "" || branchID == "" {
		return nil, fmt.Errorf("%w: variation and branch required", store.ErrValidation)
	}
	if qty < 1 {
		return nil, fmt.Errorf("%w: stock-in quantity must be positive", store.ErrValidation)
	}
	if unitCostCents < 0 {
		return nil, fmt.Errorf("%w: unit cost must not be negative", store.ErrValidation)
	}

	mv := domain.InventoryMovement{
		ID:                xid.New("mv"),
		VariationID:       variationID,
		BranchID:          branchID,
		QuantityChange:    qty,
		UnitCostCents:     unitCostCents,
		QuantityRemaining: qty,
		CreatedAt:         time.Now().UTC(),
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.AppendMovement(ctx, mv); err != nil {
		return nil, err
	}
	if err := tx.IncrementStock(ctx, variationID, branchID, qty); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &mv, nil
}
