// Package valuation prices inventory from the movement ledger. Sales read
// stock rows; finance reads this package.
package valuation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
)

var hundred = decimal.NewFromInt(100)

// MethodSource resolves the configured valuation method, usually backed by
// the settings service.
type MethodSource interface {
	ValuationMethod(ctx context.Context) (domain.ValuationPolicy, error)
}

type Engine struct {
	db store.DB
}

func NewEngine(db store.DB) *Engine {
	return &Engine{db: db}
}

// VariationCost returns the weighted average unit cost of everything ever
// received for the variation, in currency units rounded to two places.
// A variation with no inbound movements costs zero.
func (e *Engine) VariationCost(ctx context.Context, variationID string) (decimal.Decimal, error) {
	movements, err := e.db.ListMovements(ctx, variationID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list movements: %w", err)
	}
	return averageCost(movements).Round(2), nil
}

// TotalInventoryValue values all on-hand stock under the given policy.
//
// Under average cost each variation's on-hand quantity is priced at its
// weighted average inbound cost. Under FIFO the open ledger layers are
// summed directly: quantity remaining times that layer's unit cost.
func (e *Engine) TotalInventoryValue(ctx context.Context, policy domain.ValuationPolicy) (decimal.Decimal, error) {
	switch policy {
	case domain.ValuationAverageCost:
		return e.averageCostTotal(ctx)
	case domain.ValuationFIFO:
		return e.fifoTotal(ctx)
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown valuation method %q", store.ErrValidation, policy)
	}
}

// TotalInventoryValueConfigured values stock under whatever method the
// store settings currently select.
func (e *Engine) TotalInventoryValueConfigured(ctx context.Context, src MethodSource) (decimal.Decimal, error) {
	policy, err := src.ValuationMethod(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return e.TotalInventoryValue(ctx, policy)
}

func (e *Engine) averageCostTotal(ctx context.Context) (decimal.Decimal, error) {
	onHand, err := e.db.ListStockOnHand(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list stock: %w", err)
	}
	total := decimal.Zero
	for _, snap := range onHand {
		movements, err := e.db.ListMovements(ctx, snap.VariationID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("list movements: %w", err)
		}
		cost := averageCost(movements)
		total = total.Add(cost.Mul(decimal.NewFromInt(int64(snap.Quantity))))
	}
	return total.Round(2), nil
}

func (e *Engine) fifoTotal(ctx context.Context) (decimal.Decimal, error) {
	onHand, err := e.db.ListStockOnHand(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list stock: %w", err)
	}
	total := decimal.Zero
	for _, snap := range onHand {
		movements, err := e.db.ListMovements(ctx, snap.VariationID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("list movements: %w", err)
		}
		// Oldest open layers first, capped by on-hand stock. Read-only: the
		// walk never touches quantity_remaining on the rows themselves.
		toValue := snap.Quantity
		for _, mv := range movements {
			if toValue == 0 {
				break
			}
			if mv.QuantityRemaining <= 0 {
				continue
			}
			take := mv.QuantityRemaining
			if take > toValue {
				take = toValue
			}
			layer := decimal.NewFromInt(mv.UnitCostCents).Div(hundred).
				Mul(decimal.NewFromInt(int64(take)))
			total = total.Add(layer)
			toValue -= take
		}
	}
	return total.Round(2), nil
}

// averageCost weights each inbound movement's unit cost by its quantity.
// Outbound and zero-quantity rows do not participate. Unrounded; totals
// multiply by quantity first and round once at the end.
func averageCost(movements []domain.InventoryMovement) decimal.Decimal {
	totalCost := decimal.Zero
	var totalQty int64
	for _, mv := range movements {
		if mv.QuantityChange <= 0 {
			continue
		}
		qty := int64(mv.QuantityChange)
		totalCost = totalCost.Add(decimal.NewFromInt(mv.UnitCostCents).Mul(decimal.NewFromInt(qty)))
		totalQty += qty
	}
	if totalQty == 0 {
		return decimal.Zero
	}
	return totalCost.Div(decimal.NewFromInt(totalQty)).Div(hundred)
}
