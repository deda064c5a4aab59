package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
	"tokosera/backend/internal/xid"
)

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func New(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if lockTimeout < 1 {
		lockTimeout = 5 * time.Second
	}
	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	// Bound lock waits so a contended sale surfaces as a concurrency timeout
	// instead of hanging past the request deadline.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (t *pgTx) Commit() error {
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// mapLockErr converts lock-wait and cancellation failures into the engine's
// concurrency timeout error.
func mapLockErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return store.ErrConcurrencyTimeout
	}
	if ctx.Err() != nil {
		return store.ErrConcurrencyTimeout
	}
	return err
}

func (t *pgTx) LockStock(ctx context.Context, variationID, branchID string) (*domain.LockedStock, error) {
	locked := domain.LockedStock{VariationID: variationID, BranchID: branchID}
	err := t.tx.QueryRowContext(ctx, `
		SELECT v.price_cents, v.cost_price_cents, v.serialized, s.quantity
		FROM stock_levels s
		JOIN product_variations v ON v.id = s.variation_id
		WHERE s.variation_id = $1 AND s.branch_id = $2
		FOR UPDATE OF s
	`, variationID, branchID).Scan(&locked.PriceCents, &locked.CostPriceCents, &locked.Serialized, &locked.Quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapLockErr(ctx, err)
	}
	return &locked, nil
}

func (t *pgTx) DecrementStock(ctx context.Context, variationID, branchID string, qty int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_levels
		SET quantity = quantity - $3, updated_at = now()
		WHERE variation_id = $1 AND branch_id = $2 AND quantity >= $3
	`, variationID, branchID, qty)
	if err != nil {
		return mapLockErr(ctx, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInsufficientStock
	}
	return nil
}

func (t *pgTx) IncrementStock(ctx context.Context, variationID, branchID string, qty int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_levels (variation_id, branch_id, quantity, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (variation_id, branch_id)
		DO UPDATE SET quantity = stock_levels.quantity + EXCLUDED.quantity, updated_at = now()
	`, variationID, branchID, qty)
	return mapLockErr(ctx, err)
}

func (t *pgTx) AppendMovement(ctx context.Context, mv domain.InventoryMovement) error {
	if mv.ID == "" {
		mv.ID = xid.New("mv")
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_movements (id, variation_id, branch_id, quantity_change, unit_cost_cents, quantity_remaining, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, mv.ID, mv.VariationID, mv.BranchID, mv.QuantityChange, mv.UnitCostCents, mv.QuantityRemaining, mv.CreatedAt)
	return err
}

func (t *pgTx) ConsumeMovementLayers(ctx context.Context, variationID string, qty int) error {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, quantity_remaining
		FROM inventory_movements
		WHERE variation_id = $1 AND quantity_remaining > 0
		ORDER BY created_at ASC, id ASC
		FOR UPDATE
	`, variationID)
	if err != nil {
		return mapLockErr(ctx, err)
	}
	type layer struct {
		id        string
		remaining int
	}
	layers := make([]layer, 0, 8)
	for rows.Next() {
		var l layer
		if err := rows.Scan(&l.id, &l.remaining); err != nil {
			_ = rows.Close()
			return err
		}
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	remaining := qty
	for _, l := range layers {
		if remaining == 0 {
			break
		}
		used := remaining
		if used > l.remaining {
			used = l.remaining
		}
		_, err := t.tx.ExecContext(ctx, `
			UPDATE inventory_movements
			SET quantity_remaining = quantity_remaining - $1
			WHERE id = $2
		`, used, l.id)
		if err != nil {
			return err
		}
		remaining -= used
	}
	return nil
}

func (t *pgTx) LockSerials(ctx context.Context, serials []string) ([]domain.SerializedItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT serial_number, variation_id, branch_id, status
		FROM serialized_items
		WHERE serial_number = ANY($1)
		ORDER BY serial_number ASC
		FOR UPDATE
	`, serials)
	if err != nil {
		return nil, mapLockErr(ctx, err)
	}
	defer rows.Close()

	items := make([]domain.SerializedItem, 0, len(serials))
	for rows.Next() {
		var item domain.SerializedItem
		if err := rows.Scan(&item.SerialNumber, &item.VariationID, &item.BranchID, &item.Status); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (t *pgTx) TransitionSerials(ctx context.Context, serials []string, status domain.SerialStatus, actor string) error {
	now := time.Now().UTC()
	for _, sn := range serials {
		var old domain.SerialStatus
		err := t.tx.QueryRowContext(ctx, `
			SELECT status FROM serialized_items WHERE serial_number = $1
		`, sn).Scan(&old)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: serial %s", store.ErrInvalidSerialState, sn)
			}
			return err
		}
		_, err = t.tx.ExecContext(ctx, `
			UPDATE serialized_items
			SET status = $2, updated_at = now()
			WHERE serial_number = $1
		`, sn, status)
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO serialized_item_history (id, serial_number, old_status, new_status, actor, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, xid.New("sch"), sn, old, status, actor, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) TagSerialHistory(ctx context.Context, serials []string, saleID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE serialized_item_history
		SET sale_id = $2
		WHERE serial_number = ANY($1) AND new_status = 'sold' AND sale_id IS NULL
	`, serials, saleID)
	return err
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, customer_id, user_id, branch_id, external_order_id, total_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sale.ID, nullIfEmpty(sale.CustomerID), nullIfEmpty(sale.UserID), sale.BranchID,
		nullIfEmpty(sale.ExternalOrderID), sale.TotalCents, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateSale
		}
		return err
	}
	return nil
}

func (t *pgTx) InsertSaleItem(ctx context.Context, item domain.SaleItem) error {
	serials, err := encodeSerials(item.SerialNumbers)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sale_items (sale_id, variation_id, quantity, unit_price_cents, cost_price_cents, total_price_cents, serial_numbers)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.SaleID, item.VariationID, item.Quantity, item.UnitPriceCents, item.CostPriceCents, item.TotalPriceCents, serials)
	return err
}

func (t *pgTx) InsertSalePayment(ctx context.Context, payment domain.SalePayment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sale_payments (sale_id, method, amount_cents, reference)
		VALUES ($1, $2, $3, $4)
	`, payment.SaleID, payment.Method, payment.AmountCents, nullIfEmpty(payment.Reference))
	return err
}

func (t *pgTx) LockCreditBalance(ctx context.Context, customerID string) (int64, error) {
	var id string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id FROM customers WHERE id = $1 FOR UPDATE
	`, customerID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, mapLockErr(ctx, err)
	}

	var balance int64
	err = t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type = 'debit' THEN -amount_cents ELSE amount_cents END), 0)
		FROM store_credit_ledger
		WHERE customer_id = $1
	`, customerID).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (t *pgTx) AppendStoreCredit(ctx context.Context, entry domain.StoreCreditEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("scl")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO store_credit_ledger (id, customer_id, amount_cents, type, reason, related_sale_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.CustomerID, entry.AmountCents, entry.Type, entry.Reason, nullIfEmpty(entry.RelatedSaleID), entry.CreatedAt)
	if err != nil && isForeignKeyViolation(err) {
		return store.ErrNotFound
	}
	return err
}

func (t *pgTx) AppendOutbox(ctx context.Context, event domain.OutboxEvent) error {
	if event.ID == "" {
		event.ID = xid.New("obx")
	}
	if event.Status == "" {
		event.Status = domain.OutboxPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, name, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.Name, []byte(event.Payload), event.Status, event.Attempts, event.CreatedAt)
	return err
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByExternalOrderID(ctx context.Context, externalOrderID string) (*domain.Sale, error) {
	return s.findSale(ctx, "external_order_id", externalOrderID)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "external_order_id" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var sale domain.Sale
	var customerID, userID, externalOrderID sql.NullString
	query := fmt.Sprintf(`
		SELECT id, customer_id, user_id, branch_id, external_order_id, total_cents, created_at
		FROM sales
		WHERE %s = $1
	`, column)
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&sale.ID, &customerID, &userID, &sale.BranchID, &externalOrderID, &sale.TotalCents, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CustomerID = customerID.String
	sale.UserID = userID.String
	sale.ExternalOrderID = externalOrderID.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, variation_id, quantity, unit_price_cents, cost_price_cents, total_price_cents, serial_numbers
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY variation_id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		var serials []byte
		if err := rows.Scan(&item.SaleID, &item.VariationID, &item.Quantity, &item.UnitPriceCents,
			&item.CostPriceCents, &item.TotalPriceCents, &serials); err != nil {
			return nil, err
		}
		if len(serials) > 0 {
			if err := json.Unmarshal(serials, &item.SerialNumbers); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListSalePayments(ctx context.Context, saleID string) ([]domain.SalePayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, method, amount_cents, COALESCE(reference, '')
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY method ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.SalePayment, 0, 4)
	for rows.Next() {
		var p domain.SalePayment
		if err := rows.Scan(&p.SaleID, &p.Method, &p.AmountCents, &p.Reference); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *Store) ListMovements(ctx context.Context, variationID string) ([]domain.InventoryMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, variation_id, branch_id, quantity_change, unit_cost_cents, quantity_remaining, created_at
		FROM inventory_movements
		WHERE variation_id = $1
		ORDER BY created_at ASC, id ASC
	`, variationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.InventoryMovement, 0, 16)
	for rows.Next() {
		var mv domain.InventoryMovement
		if err := rows.Scan(&mv.ID, &mv.VariationID, &mv.BranchID, &mv.QuantityChange,
			&mv.UnitCostCents, &mv.QuantityRemaining, &mv.CreatedAt); err != nil {
			return nil, err
		}
		mv.CreatedAt = mv.CreatedAt.UTC()
		movements = append(movements, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ListStockOnHand(ctx context.Context) ([]domain.StockSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variation_id, SUM(quantity)::int
		FROM stock_levels
		GROUP BY variation_id
		HAVING SUM(quantity) > 0
		ORDER BY variation_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]domain.StockSnapshot, 0, 64)
	for rows.Next() {
		var snap domain.StockSnapshot
		if err := rows.Scan(&snap.VariationID, &snap.Quantity); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *Store) GetStockLevel(ctx context.Context, variationID, branchID string) (*domain.StockLevel, error) {
	level := domain.StockLevel{VariationID: variationID, BranchID: branchID}
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM stock_levels WHERE variation_id = $1 AND branch_id = $2
	`, variationID, branchID).Scan(&level.Quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &level, nil
}

func (s *Store) GetSerializedItem(ctx context.Context, serial string) (*domain.SerializedItem, error) {
	var item domain.SerializedItem
	err := s.db.QueryRowContext(ctx, `
		SELECT serial_number, variation_id, branch_id, status
		FROM serialized_items
		WHERE serial_number = $1
	`, serial).Scan(&item.SerialNumber, &item.VariationID, &item.BranchID, &item.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSerialHistory(ctx context.Context, serial string) ([]domain.SerialHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, serial_number, old_status, new_status, actor, COALESCE(sale_id, ''), created_at
		FROM serialized_item_history
		WHERE serial_number = $1
		ORDER BY created_at ASC, id ASC
	`, serial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.SerialHistoryEntry, 0, 4)
	for rows.Next() {
		var entry domain.SerialHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.SerialNumber, &entry.OldStatus, &entry.NewStatus,
			&entry.Actor, &entry.SaleID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CreditBalance(ctx context.Context, customerID string) (int64, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, customerID).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, store.ErrNotFound
	}

	var balance int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type = 'debit' THEN -amount_cents ELSE amount_cents END), 0)
		FROM store_credit_ledger
		WHERE customer_id = $1
	`, customerID).Scan(&balance)
	return balance, err
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return value, nil
}

func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, payload, status, attempts, created_at
		FROM outbox_events
		WHERE status IN ('pending', 'failed')
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.OutboxEvent, 0, limit)
	for rows.Next() {
		var event domain.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.Name, &payload, &event.Status, &event.Attempts, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) MarkOutbox(ctx context.Context, id string, status domain.OutboxStatus, attempts int, publishedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, published_at = $4
		WHERE id = $1
	`, id, status, attempts, nullTime(publishedAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// encodeSerials stores the consumed serial list as jsonb; NULL when the
// line item is not serialized.
func encodeSerials(serials []string) (any, error) {
	if len(serials) == 0 {
		return nil, nil
	}
	return json.Marshal(serials)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
