package store

import (
	"context"
	"errors"
	"time"

	"tokosera/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidSerialState = errors.New("serial not available")
	ErrInsufficientFunds  = errors.New("insufficient store credit")
	ErrConcurrencyTimeout = errors.New("lock wait timeout")

	// ErrDuplicateSale signals an external order id race; callers resolve it
	// by returning the already-committed sale.
	ErrDuplicateSale = errors.New("duplicate external order id")
)

// Tx is one transactional session over the sale-critical tables. Row locks
// acquired through it are held until Commit or Rollback. Implementations
// must make Rollback safe to call after Commit.
type Tx interface {
	// LockStock acquires an exclusive lock on the (variation, branch) stock
	// row and returns the catalog snapshot. ErrNotFound when no stock row
	// exists for the pair.
	LockStock(ctx context.Context, variationID, branchID string) (*domain.LockedStock, error)

	// DecrementStock subtracts qty from the locked row, failing with
	// ErrInsufficientStock when qty exceeds the current quantity. The guard
	// and the write are a single statement so the check cannot race.
	DecrementStock(ctx context.Context, variationID, branchID string, qty int) error

	// IncrementStock raises (or creates) the stock row for receiving flows.
	IncrementStock(ctx context.Context, variationID, branchID string, qty int) error

	// AppendMovement writes one ledger row; receiving sets
	// QuantityRemaining == QuantityChange.
	AppendMovement(ctx context.Context, mv domain.InventoryMovement) error

	// ConsumeMovementLayers decrements QuantityRemaining across the
	// variation's open layers, oldest first. Layers may cover less than qty
	// when stock predates the ledger; the shortfall is not an error.
	ConsumeMovementLayers(ctx context.Context, variationID string, qty int) error

	// LockSerials locks the named serial rows and returns those that exist,
	// in serial-number order. Verification is the caller's job.
	LockSerials(ctx context.Context, serials []string) ([]domain.SerializedItem, error)

	// TransitionSerials moves every named serial to status and appends one
	// history entry per serial tagged with the acting user.
	TransitionSerials(ctx context.Context, serials []string, status domain.SerialStatus, actor string) error

	// TagSerialHistory back-fills the sale id on the history entries written
	// earlier in this transaction.
	TagSerialHistory(ctx context.Context, serials []string, saleID string) error

	InsertSale(ctx context.Context, sale domain.Sale) error
	InsertSaleItem(ctx context.Context, item domain.SaleItem) error
	InsertSalePayment(ctx context.Context, payment domain.SalePayment) error

	// LockCreditBalance locks the customer's balance row and returns the
	// current balance in cents. ErrNotFound for an unknown customer.
	LockCreditBalance(ctx context.Context, customerID string) (int64, error)

	AppendStoreCredit(ctx context.Context, entry domain.StoreCreditEntry) error

	AppendOutbox(ctx context.Context, event domain.OutboxEvent) error

	Commit() error
	Rollback() error
}

// DB is the storage entry point. Begin opens a transaction for the atomic
// core; the remaining methods are non-transactional reads plus the outbox
// dispatcher's bookkeeping.
type DB interface {
	Begin(ctx context.Context) (Tx, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByExternalOrderID(ctx context.Context, externalOrderID string) (*domain.Sale, error)
	ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error)
	ListSalePayments(ctx context.Context, saleID string) ([]domain.SalePayment, error)

	// ListMovements returns the variation's ledger rows oldest first.
	ListMovements(ctx context.Context, variationID string) ([]domain.InventoryMovement, error)

	// ListStockOnHand returns per-variation quantities summed across
	// branches, only where the sum is positive.
	ListStockOnHand(ctx context.Context) ([]domain.StockSnapshot, error)

	GetStockLevel(ctx context.Context, variationID, branchID string) (*domain.StockLevel, error)
	GetSerializedItem(ctx context.Context, serial string) (*domain.SerializedItem, error)
	ListSerialHistory(ctx context.Context, serial string) ([]domain.SerialHistoryEntry, error)

	CreditBalance(ctx context.Context, customerID string) (int64, error)

	GetSetting(ctx context.Context, key string) (string, error)

	PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkOutbox(ctx context.Context, id string, status domain.OutboxStatus, attempts int, publishedAt *time.Time) error
}
