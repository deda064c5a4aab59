package sale

import (
	"context"

	"go.uber.org/zap"

	"tokosera/backend/internal/domain"
)

// GamificationHook receives committed sales for loyalty/points counters.
type GamificationHook interface {
	SaleRecorded(ctx context.Context, sale domain.Sale, items []domain.SaleItem) error
}

// MarketplaceHook receives stock deltas for external listing sync.
type MarketplaceHook interface {
	StockChanged(ctx context.Context, branchID, variationID string, delta int) error
}

// SideEffects runs the post-commit, best-effort collaborator calls. Each
// call is isolated: a failure is logged and never surfaces to the sale
// caller, and never blocks the remaining hooks. Durable delivery goes
// through the outbox instead.
type SideEffects struct {
	Gamification GamificationHook
	Marketplace  MarketplaceHook
	Log          *zap.Logger
}

func (e *SideEffects) SaleCommitted(ctx context.Context, sale domain.Sale, items []domain.SaleItem) {
	if e == nil {
		return
	}
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}

	if e.Gamification != nil {
		if err := e.Gamification.SaleRecorded(ctx, sale, items); err != nil {
			log.Warn("gamification hook failed",
				zap.String("sale_id", sale.ID), zap.Error(err))
		}
	}
	if e.Marketplace != nil {
		for _, item := range items {
			if err := e.Marketplace.StockChanged(ctx, sale.BranchID, item.VariationID, -item.Quantity); err != nil {
				log.Warn("marketplace hook failed",
					zap.String("sale_id", sale.ID),
					zap.String("variation_id", item.VariationID),
					zap.Error(err))
			}
		}
	}
}
