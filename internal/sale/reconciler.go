package sale

import (
	"context"
	"fmt"
	"strings"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
)

// cashbackRate is the method-independent cashback on the sale total,
// in basis points.
const cashbackRate = 100

// PaymentReconciler validates that tendered payments cover a sale total
// exactly and persists every payment row. The store-credit rail debits the
// customer balance inside the same transaction as the sale.
type PaymentReconciler struct {
	credit          *CreditLedger
	cashbackEnabled bool
}

func NewPaymentReconciler(credit *CreditLedger, cashbackEnabled bool) *PaymentReconciler {
	return &PaymentReconciler{credit: credit, cashbackEnabled: cashbackEnabled}
}

// Reconcile checks the payment list against sale.TotalCents before writing
// anything; a mismatch aborts with no payment row persisted. Cashback is
// credited inside the same transaction so the customer balance invariant
// commits or rolls back with the sale.
func (p *PaymentReconciler) Reconcile(ctx context.Context, tx store.Tx, sale domain.Sale, payments []domain.PaymentRequest) error {
	if len(payments) == 0 {
		return fmt.Errorf("%w: at least one payment required", store.ErrValidation)
	}

	var sum int64
	for _, payment := range payments {
		if !payment.Method.Valid() {
			return fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, payment.Method)
		}
		if payment.AmountCents < 1 {
			return fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
		}
		if payment.Method != domain.PayCash && payment.Method != domain.PayStoreCredit &&
			strings.TrimSpace(payment.Reference) == "" {
			return fmt.Errorf("%w: %s payment requires a transaction reference", store.ErrValidation, payment.Method)
		}
		sum += payment.AmountCents
	}
	if sum != sale.TotalCents {
		return fmt.Errorf("%w: payments total %d, sale total %d", store.ErrValidation, sum, sale.TotalCents)
	}

	for _, payment := range payments {
		if payment.Method == domain.PayStoreCredit {
			if sale.CustomerID == "" {
				return fmt.Errorf("%w: store credit payment requires a customer", store.ErrValidation)
			}
			if err := p.credit.Debit(ctx, tx, sale.CustomerID, payment.AmountCents, "sale payment", sale.ID); err != nil {
				return err
			}
		}
		err := tx.InsertSalePayment(ctx, domain.SalePayment{
			SaleID:      sale.ID,
			Method:      payment.Method,
			AmountCents: payment.AmountCents,
			Reference:   strings.TrimSpace(payment.Reference),
		})
		if err != nil {
			return err
		}
	}

	if p.cashbackEnabled && sale.CustomerID != "" {
		cashback := sale.TotalCents * cashbackRate / 10000
		if cashback > 0 {
			err := p.credit.CreditInTx(ctx, tx, sale.CustomerID, cashback, domain.CreditTypeCashback, "sale cashback", sale.ID)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
