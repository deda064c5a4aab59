package sale

import (
	"context"
	"errors"
	"testing"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
	"tokosera/backend/internal/store/memory"
)

func reconcileOnce(t *testing.T, db *memory.Store, sale domain.Sale, payments []domain.PaymentRequest) error {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	return NewPaymentReconciler(NewCreditLedger(db), false).Reconcile(ctx, tx, sale, payments)
}

func TestReconcileRequiresReferenceForExternalRails(t *testing.T) {
	db := memory.NewSeeded()
	sale := domain.Sale{ID: "sale-1", BranchID: "branch-central", TotalCents: 5000}

	for _, method := range []domain.PaymentMethod{domain.PayCard, domain.PayTransfer, domain.PayQRIS} {
		err := reconcileOnce(t, db, sale, []domain.PaymentRequest{
			{Method: method, AmountCents: 5000},
		})
		if !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s without reference should be rejected, got %v", method, err)
		}
	}
}

func TestReconcileCashAndStoreCreditNeedNoReference(t *testing.T) {
	db := memory.NewSeeded()
	db.SeedCredit("cust-1", 3000)
	sale := domain.Sale{ID: "sale-1", CustomerID: "cust-1", BranchID: "branch-central", TotalCents: 5000}

	err := reconcileOnce(t, db, sale, []domain.PaymentRequest{
		{Method: domain.PayStoreCredit, AmountCents: 3000},
		{Method: domain.PayCash, AmountCents: 2000},
	})
	if err != nil {
		t.Fatalf("cash plus store credit should reconcile: %v", err)
	}
}

func TestReconcileRejectsUnknownMethod(t *testing.T) {
	db := memory.NewSeeded()
	sale := domain.Sale{ID: "sale-1", BranchID: "branch-central", TotalCents: 1000}

	err := reconcileOnce(t, db, sale, []domain.PaymentRequest{
		{Method: domain.PaymentMethod("crypto"), AmountCents: 1000},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
