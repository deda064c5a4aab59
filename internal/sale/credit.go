package sale

import (
	"context"
	"fmt"
	"time"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
	"tokosera/backend/internal/xid"
)

// CreditLedger is the customer-balance collaborator. Debits and credits on
// the sale path participate in the caller's transaction; the balance row
// lock serializes concurrent spenders of the same customer.
type CreditLedger struct {
	db store.DB
}

func NewCreditLedger(db store.DB) *CreditLedger {
	return &CreditLedger{db: db}
}

// Debit subtracts amount from the customer's balance inside tx. The lock is
// held until the transaction ends, so the balance check cannot race a
// concurrent debit. No partial debit: insufficient funds fails the caller.
func (c *CreditLedger) Debit(ctx context.Context, tx store.Tx, customerID string, amountCents int64, reason, relatedSaleID string) error {
	if amountCents < 1 {
		return fmt.Errorf("%w: debit amount must be positive", store.ErrValidation)
	}
	balance, err := tx.LockCreditBalance(ctx, customerID)
	if err != nil {
		return fmt.Errorf("customer %s: %w", customerID, err)
	}
	if balance < amountCents {
		return fmt.Errorf("%w: customer %s has %d, needs %d",
			store.ErrInsufficientFunds, customerID, balance, amountCents)
	}
	return tx.AppendStoreCredit(ctx, domain.StoreCreditEntry{
		ID:            xid.New("scl"),
		CustomerID:    customerID,
		AmountCents:   amountCents,
		Type:          domain.CreditTypeDebit,
		Reason:        reason,
		RelatedSaleID: relatedSaleID,
		CreatedAt:     time.Now().UTC(),
	})
}

// CreditInTx adds amount to the customer's balance inside tx.
func (c *CreditLedger) CreditInTx(ctx context.Context, tx store.Tx, customerID string, amountCents int64, entryType domain.CreditEntryType, reason, relatedSaleID string) error {
	if amountCents < 1 {
		return fmt.Errorf("%w: credit amount must be positive", store.ErrValidation)
	}
	if entryType != domain.CreditTypeCredit && entryType != domain.CreditTypeCashback {
		return fmt.Errorf("%w: %s is not a credit entry type", store.ErrValidation, entryType)
	}
	return tx.AppendStoreCredit(ctx, domain.StoreCreditEntry{
		ID:            xid.New("scl"),
		CustomerID:    customerID,
		AmountCents:   amountCents,
		Type:          entryType,
		Reason:        reason,
		RelatedSaleID: relatedSaleID,
		CreatedAt:     time.Now().UTC(),
	})
}

// Credit is the standalone variant for flows that do not already hold a
// transaction (refund top-ups, manual adjustments).
func (c *CreditLedger) Credit(ctx context.Context, customerID string, amountCents int64, reason string) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := c.CreditInTx(ctx, tx, customerID, amountCents, domain.CreditTypeCredit, reason, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *CreditLedger) Balance(ctx context.Context, customerID string) (int64, error) {
	return c.db.CreditBalance(ctx, customerID)
}
