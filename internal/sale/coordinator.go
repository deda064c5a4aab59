package sale

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
	"tokosera/backend/internal/xid"
)

// Coordinator turns a basket of line items and payments into a committed
// sale. Everything up to Commit is all-or-nothing: stock decrement, serial
// transitions, payment rows and store-credit debits either all land or none
// do. Post-commit side effects are best-effort and isolated.
type Coordinator struct {
	db       store.DB
	ledger   *StockLedger
	registry *SerializedItemRegistry
	payments *PaymentReconciler
	effects  *SideEffects
	log      *zap.Logger
}

func NewCoordinator(db store.DB, ledger *StockLedger, registry *SerializedItemRegistry, payments *PaymentReconciler, effects *SideEffects, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		db:       db,
		ledger:   ledger,
		registry: registry,
		payments: payments,
		effects:  effects,
		log:      log,
	}
}

// CreateSale runs the whole sale in its own transaction. When the request
// carries an external order id that has already committed, the existing
// sale is returned instead of selling twice.
func (c *Coordinator) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (*domain.CreateSaleResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if req.ExternalOrderID != "" {
		existing, err := c.db.FindSaleByExternalOrderID(ctx, req.ExternalOrderID)
		if err == nil {
			return c.replayResult(ctx, existing)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := c.createInTx(ctx, tx, req)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSale) && req.ExternalOrderID != "" {
			// Lost the race on the external order id; the winner's sale is
			// the answer.
			_ = tx.Rollback()
			existing, lookupErr := c.db.FindSaleByExternalOrderID(ctx, req.ExternalOrderID)
			if lookupErr == nil {
				return c.replayResult(ctx, existing)
			}
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	c.log.Info("sale committed",
		zap.String("sale_id", result.SaleID),
		zap.String("branch_id", req.BranchID),
		zap.Int64("total_cents", result.TotalCents),
		zap.Int("items", len(result.Items)))

	c.effects.SaleCommitted(ctx, domain.Sale{
		ID:         result.SaleID,
		CustomerID: req.CustomerID,
		UserID:     req.UserID,
		BranchID:   req.BranchID,
		TotalCents: result.TotalCents,
		CreatedAt:  result.CreatedAt,
	}, result.Items)

	return result, nil
}

// CreateSaleInTx participates in an externally owned transaction: the
// caller controls commit and rollback, composing the sale into a larger
// atomic operation. No idempotent replay and no side effects here; both
// belong to whoever owns the commit.
func (c *Coordinator) CreateSaleInTx(ctx context.Context, tx store.Tx, req domain.CreateSaleRequest) (*domain.CreateSaleResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return c.createInTx(ctx, tx, req)
}

func (c *Coordinator) createInTx(ctx context.Context, tx store.Tx, req domain.CreateSaleRequest) (*domain.CreateSaleResult, error) {
	// Canonical lock order: ascending variation id. Concurrent multi-item
	// sales then acquire stock row locks in the same sequence and cannot
	// deadlock each other.
	items := make([]domain.SaleLineRequest, len(req.Items))
	copy(items, req.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].VariationID < items[j].VariationID })

	sale := domain.Sale{
		ID:              xid.New("sale"),
		CustomerID:      req.CustomerID,
		UserID:          req.UserID,
		BranchID:        req.BranchID,
		ExternalOrderID: req.ExternalOrderID,
		CreatedAt:       time.Now().UTC(),
	}

	saleItems := make([]domain.SaleItem, 0, len(items))
	allSerials := make([]string, 0, 4)
	var total int64

	for _, line := range items {
		locked, err := c.ledger.LockStock(ctx, tx, line.VariationID, req.BranchID)
		if err != nil {
			return nil, err
		}

		var serials []string
		if locked.Serialized {
			serials, err = c.registry.Consume(ctx, tx, line.VariationID, req.BranchID,
				line.SerialNumbers, line.Quantity, req.UserID)
			if err != nil {
				return nil, err
			}
			allSerials = append(allSerials, serials...)
		} else {
			if len(line.SerialNumbers) > 0 {
				return nil, fmt.Errorf("%w: variation %s is not serialized", store.ErrValidation, line.VariationID)
			}
			if line.Quantity > locked.Quantity {
				return nil, fmt.Errorf("%w: variation %s has %d, requested %d",
					store.ErrInsufficientStock, line.VariationID, locked.Quantity, line.Quantity)
			}
		}

		unitPrice := line.UnitPriceCents
		if unitPrice == 0 {
			unitPrice = locked.PriceCents
		}
		totalPrice := unitPrice * int64(line.Quantity)
		total += totalPrice

		if err := c.ledger.Decrement(ctx, tx, line.VariationID, req.BranchID, line.Quantity); err != nil {
			return nil, err
		}
		if err := c.ledger.ConsumeLayers(ctx, tx, line.VariationID, line.Quantity); err != nil {
			return nil, err
		}

		saleItems = append(saleItems, domain.SaleItem{
			SaleID:          sale.ID,
			VariationID:     line.VariationID,
			Quantity:        line.Quantity,
			UnitPriceCents:  unitPrice,
			CostPriceCents:  locked.CostPriceCents,
			TotalPriceCents: totalPrice,
			SerialNumbers:   serials,
		})
	}

	sale.TotalCents = total
	if err := tx.InsertSale(ctx, sale); err != nil {
		return nil, err
	}
	for _, item := range saleItems {
		if err := tx.InsertSaleItem(ctx, item); err != nil {
			return nil, err
		}
	}
	if len(allSerials) > 0 {
		if err := tx.TagSerialHistory(ctx, allSerials, sale.ID); err != nil {
			return nil, err
		}
	}

	if err := c.payments.Reconcile(ctx, tx, sale, req.Payments); err != nil {
		return nil, err
	}

	event, err := saleCreatedEvent(sale, saleItems)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendOutbox(ctx, event); err != nil {
		return nil, err
	}
	for _, item := range saleItems {
		delta, err := stockDeltaEvent(sale, item)
		if err != nil {
			return nil, err
		}
		if err := tx.AppendOutbox(ctx, delta); err != nil {
			return nil, err
		}
	}

	return &domain.CreateSaleResult{
		SaleID:     sale.ID,
		TotalCents: sale.TotalCents,
		Items:      saleItems,
		CreatedAt:  sale.CreatedAt,
	}, nil
}

func (c *Coordinator) replayResult(ctx context.Context, existing *domain.Sale) (*domain.CreateSaleResult, error) {
	items, err := c.db.ListSaleItems(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	return &domain.CreateSaleResult{
		SaleID:     existing.ID,
		TotalCents: existing.TotalCents,
		Items:      items,
		CreatedAt:  existing.CreatedAt,
		Duplicate:  true,
	}, nil
}

func validateRequest(req domain.CreateSaleRequest) error {
	if req.BranchID == "" {
		return fmt.Errorf("%w: branch required", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one line item required", store.ErrValidation)
	}
	seen := make(map[string]struct{}, len(req.Items))
	for _, line := range req.Items {
		if line.VariationID == "" {
			return fmt.Errorf("%w: line item missing variation id", store.ErrValidation)
		}
		if _, dup := seen[line.VariationID]; dup {
			return fmt.Errorf("%w: variation %s appears on more than one line", store.ErrValidation, line.VariationID)
		}
		seen[line.VariationID] = struct{}{}
		if line.Quantity < 1 {
			return fmt.Errorf("%w: variation %s quantity must be positive", store.ErrValidation, line.VariationID)
		}
		if line.UnitPriceCents < 0 {
			return fmt.Errorf("%w: variation %s unit price must not be negative", store.ErrValidation, line.VariationID)
		}
	}
	if len(req.Payments) == 0 {
		return fmt.Errorf("%w: at least one payment required", store.ErrValidation)
	}
	return nil
}
