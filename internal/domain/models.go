package domain

import (
	"encoding/json"
	"time"
)

// ProductVariation is the sellable unit. Identity is immutable; price and
// cost are owned by catalog management and snapshotted onto sale items.
type ProductVariation struct {
	ID             string `json:"id"`
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	PriceCents     int64  `json:"price_cents"`
	CostPriceCents int64  `json:"cost_price_cents"`
	Serialized     bool   `json:"serialized"`
}

// StockLevel is the on-hand quantity for one variation at one branch.
// Mutated only under a row lock inside a sale or receiving transaction.
type StockLevel struct {
	VariationID string `json:"variation_id"`
	BranchID    string `json:"branch_id"`
	Quantity    int    `json:"quantity"`
}

// LockedStock is the snapshot returned while the stock row lock is held.
type LockedStock struct {
	VariationID    string
	BranchID       string
	PriceCents     int64
	CostPriceCents int64
	Quantity       int
	Serialized     bool
}

// InventoryMovement is one append-only ledger row. Positive QuantityChange
// is a stock-in event carrying a cost basis; QuantityRemaining tracks how
// much of that layer is still unconsumed for FIFO valuation.
type InventoryMovement struct {
	ID                string    `json:"id"`
	VariationID       string    `json:"variation_id"`
	BranchID          string    `json:"branch_id"`
	QuantityChange    int       `json:"quantity_change"`
	UnitCostCents     int64     `json:"unit_cost_cents"`
	QuantityRemaining int       `json:"quantity_remaining"`
	CreatedAt         time.Time `json:"created_at"`
}

type SerialStatus string

const (
	SerialInStock   SerialStatus = "in_stock"
	SerialReserved  SerialStatus = "reserved"
	SerialSold      SerialStatus = "sold"
	SerialReturned  SerialStatus = "returned"
	SerialDefective SerialStatus = "defective"
)

type SerializedItem struct {
	SerialNumber string       `json:"serial_number"`
	VariationID  string       `json:"variation_id"`
	BranchID     string       `json:"branch_id"`
	Status       SerialStatus `json:"status"`
}

// SerialHistoryEntry is written once per status transition and never
// mutated afterward, except that the coordinator fills SaleID in the same
// transaction once the sale row exists.
type SerialHistoryEntry struct {
	ID           string       `json:"id"`
	SerialNumber string       `json:"serial_number"`
	OldStatus    SerialStatus `json:"old_status"`
	NewStatus    SerialStatus `json:"new_status"`
	Actor        string       `json:"actor"`
	SaleID       string       `json:"sale_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

type Sale struct {
	ID              string    `json:"id"`
	CustomerID      string    `json:"customer_id,omitempty"`
	UserID          string    `json:"user_id,omitempty"`
	BranchID        string    `json:"branch_id"`
	ExternalOrderID string    `json:"external_order_id,omitempty"`
	TotalCents      int64     `json:"total_cents"`
	CreatedAt       time.Time `json:"created_at"`
}

// SaleItem snapshots line economics at sale time, decoupled from later
// catalog price changes.
type SaleItem struct {
	SaleID          string   `json:"sale_id"`
	VariationID     string   `json:"variation_id"`
	Quantity        int      `json:"quantity"`
	UnitPriceCents  int64    `json:"unit_price_cents"`
	CostPriceCents  int64    `json:"cost_price_cents"`
	TotalPriceCents int64    `json:"total_price_cents"`
	SerialNumbers   []string `json:"serial_numbers,omitempty"`
}

type PaymentMethod string

const (
	PayCash        PaymentMethod = "cash"
	PayCard        PaymentMethod = "card"
	PayTransfer    PaymentMethod = "transfer"
	PayQRIS        PaymentMethod = "qris"
	PayStoreCredit PaymentMethod = "store_credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PayCash, PayCard, PayTransfer, PayQRIS, PayStoreCredit:
		return true
	}
	return false
}

type SalePayment struct {
	SaleID      string        `json:"sale_id"`
	Method      PaymentMethod `json:"method"`
	AmountCents int64         `json:"amount_cents"`
	Reference   string        `json:"reference,omitempty"`
}

type CreditEntryType string

const (
	CreditTypeCredit   CreditEntryType = "credit"
	CreditTypeDebit    CreditEntryType = "debit"
	CreditTypeCashback CreditEntryType = "cashback"
)

// StoreCreditEntry is append-only; a customer's balance is the running sum
// (credit and cashback add, debit subtracts). AmountCents is always positive.
type StoreCreditEntry struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id"`
	AmountCents   int64           `json:"amount_cents"`
	Type          CreditEntryType `json:"type"`
	Reason        string          `json:"reason"`
	RelatedSaleID string          `json:"related_sale_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxEvent is appended inside the sale transaction and delivered
// at-least-once by the dispatcher.
type OutboxEvent struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

type ValuationPolicy string

const (
	ValuationAverageCost ValuationPolicy = "average_cost"
	ValuationFIFO        ValuationPolicy = "fifo"
)

// StockSnapshot is the read-side per-variation quantity used by valuation,
// summed across branches.
type StockSnapshot struct {
	VariationID string `json:"variation_id"`
	Quantity    int    `json:"quantity"`
}

type SaleLineRequest struct {
	VariationID    string   `json:"variation_id"`
	Quantity       int      `json:"quantity"`
	UnitPriceCents int64    `json:"unit_price_cents,omitempty"`
	SerialNumbers  []string `json:"serial_numbers,omitempty"`
}

type PaymentRequest struct {
	Method      PaymentMethod `json:"method"`
	AmountCents int64         `json:"amount_cents"`
	Reference   string        `json:"reference,omitempty"`
}

type CreateSaleRequest struct {
	CustomerID      string            `json:"customer_id,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	BranchID        string            `json:"branch_id"`
	ExternalOrderID string            `json:"external_order_id,omitempty"`
	Items           []SaleLineRequest `json:"items"`
	Payments        []PaymentRequest  `json:"payments"`
}

type CreateSaleResult struct {
	SaleID     string     `json:"sale_id"`
	TotalCents int64      `json:"total_cents"`
	Items      []SaleItem `json:"items"`
	CreatedAt  time.Time  `json:"created_at"`
	Duplicate  bool       `json:"duplicate"`
}
