package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
	"tokosera/backend/internal/xid"
)

type stockKey struct {
	variationID string
	branchID    string
}

// Store is the in-memory implementation used for tests and dev mode.
// Transactions serialize on txSlot, which stands in for the database's row
// locks: a Begin blocks until the holder commits or rolls back, and honors
// context cancellation the way a lock wait timeout would.
type Store struct {
	mu     sync.RWMutex
	txSlot chan struct{}

	variations      map[string]domain.ProductVariation
	stock           map[stockKey]int
	movements       []domain.InventoryMovement
	serials         map[string]domain.SerializedItem
	serialHistory   []domain.SerialHistoryEntry
	sales           map[string]domain.Sale
	salesByExternal map[string]string
	saleItems       map[string][]domain.SaleItem
	salePayments    map[string][]domain.SalePayment
	customers       map[string]struct{}
	creditLedger    []domain.StoreCreditEntry
	outbox          []domain.OutboxEvent
	settings        map[string]string
}

func New() *Store {
	return &Store{
		txSlot:          make(chan struct{}, 1),
		variations:      make(map[string]domain.ProductVariation),
		stock:           make(map[stockKey]int),
		serials:         make(map[string]domain.SerializedItem),
		sales:           make(map[string]domain.Sale),
		salesByExternal: make(map[string]string),
		saleItems:       make(map[string][]domain.SaleItem),
		salePayments:    make(map[string][]domain.SalePayment),
		customers:       make(map[string]struct{}),
		settings:        make(map[string]string),
	}
}

// NewSeeded returns a store pre-loaded with a small catalog for dev mode
// and the test suites.
func NewSeeded() *Store {
	s := New()
	s.SeedVariation(domain.ProductVariation{
		ID: "var-tshirt-m", SKU: "TSHIRT-M", Name: "T-Shirt M",
		PriceCents: 5000, CostPriceCents: 2000,
	}, "branch-central", 120)
	s.SeedVariation(domain.ProductVariation{
		ID: "var-mug-01", SKU: "MUG-01", Name: "Enamel Mug",
		PriceCents: 3500, CostPriceCents: 1400,
	}, "branch-central", 80)
	s.SeedVariation(domain.ProductVariation{
		ID: "var-phone-x", SKU: "PHONE-X", Name: "Phone X 128GB",
		PriceCents: 650000, CostPriceCents: 480000, Serialized: true,
	}, "branch-central", 0)
	s.SeedCustomer("cust-1")
	s.SeedSetting("inventory_valuation_method", string(domain.ValuationAverageCost))
	return s
}

func (s *Store) SeedVariation(v domain.ProductVariation, branchID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variations[v.ID] = v
	s.stock[stockKey{v.ID, branchID}] = qty
}

func (s *Store) SeedSerial(item domain.SerializedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Status == "" {
		item.Status = domain.SerialInStock
	}
	s.serials[item.SerialNumber] = item
	key := stockKey{item.VariationID, item.BranchID}
	if item.Status == domain.SerialInStock {
		s.stock[key]++
	}
}

func (s *Store) SeedCustomer(customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customerID] = struct{}{}
}

func (s *Store) SeedCredit(customerID string, amountCents int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customerID] = struct{}{}
	s.creditLedger = append(s.creditLedger, domain.StoreCreditEntry{
		ID:          xid.New("scl"),
		CustomerID:  customerID,
		AmountCents: amountCents,
		Type:        domain.CreditTypeCredit,
		Reason:      "seed",
		CreatedAt:   time.Now().UTC(),
	})
}

func (s *Store) SeedSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

type snapshot struct {
	stock         map[stockKey]int
	movements     []domain.InventoryMovement
	serials       map[string]domain.SerializedItem
	serialHistory []domain.SerialHistoryEntry
	sales         map[string]domain.Sale
	salesByExt    map[string]string
	saleItems     map[string][]domain.SaleItem
	salePayments  map[string][]domain.SalePayment
	creditLedger  []domain.StoreCreditEntry
	outbox        []domain.OutboxEvent
}

func (s *Store) takeSnapshot() *snapshot {
	snap := &snapshot{
		stock:         make(map[stockKey]int, len(s.stock)),
		movements:     slices.Clone(s.movements),
		serials:       make(map[string]domain.SerializedItem, len(s.serials)),
		serialHistory: slices.Clone(s.serialHistory),
		sales:         make(map[string]domain.Sale, len(s.sales)),
		salesByExt:    make(map[string]string, len(s.salesByExternal)),
		saleItems:     make(map[string][]domain.SaleItem, len(s.saleItems)),
		salePayments:  make(map[string][]domain.SalePayment, len(s.salePayments)),
		creditLedger:  slices.Clone(s.creditLedger),
		outbox:        slices.Clone(s.outbox),
	}
	for k, v := range s.stock {
		snap.stock[k] = v
	}
	for k, v := range s.serials {
		snap.serials[k] = v
	}
	for k, v := range s.sales {
		snap.sales[k] = v
	}
	for k, v := range s.salesByExternal {
		snap.salesByExt[k] = v
	}
	for k, v := range s.saleItems {
		snap.saleItems[k] = slices.Clone(v)
	}
	for k, v := range s.salePayments {
		snap.salePayments[k] = slices.Clone(v)
	}
	return snap
}

func (s *Store) restoreSnapshot(snap *snapshot) {
	s.stock = snap.stock
	s.movements = snap.movements
	s.serials = snap.serials
	s.serialHistory = snap.serialHistory
	s.sales = snap.sales
	s.salesByExternal = snap.salesByExt
	s.saleItems = snap.saleItems
	s.salePayments = snap.salePayments
	s.creditLedger = snap.creditLedger
	s.outbox = snap.outbox
}

type memTx struct {
	s    *Store
	snap *snapshot
	done bool
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	select {
	case s.txSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, store.ErrConcurrencyTimeout
	}

	s.mu.Lock()
	snap := s.takeSnapshot()
	s.mu.Unlock()

	return &memTx{s: s, snap: snap}, nil
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.snap = nil
	<-t.s.txSlot
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Lock()
	t.s.restoreSnapshot(t.snap)
	t.s.mu.Unlock()
	t.snap = nil
	<-t.s.txSlot
	return nil
}

func (t *memTx) LockStock(_ context.Context, variationID, branchID string) (*domain.LockedStock, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	qty, ok := t.s.stock[stockKey{variationID, branchID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	v, ok := t.s.variations[variationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &domain.LockedStock{
		VariationID:    variationID,
		BranchID:       branchID,
		PriceCents:     v.PriceCents,
		CostPriceCents: v.CostPriceCents,
		Quantity:       qty,
		Serialized:     v.Serialized,
	}, nil
}

func (t *memTx) DecrementStock(_ context.Context, variationID, branchID string, qty int) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	key := stockKey{variationID, branchID}
	current, ok := t.s.stock[key]
	if !ok {
		return store.ErrNotFound
	}
	if qty > current {
		return store.ErrInsufficientStock
	}
	t.s.stock[key] = current - qty
	return nil
}

func (t *memTx) IncrementStock(_ context.Context, variationID, branchID string, qty int) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.stock[stockKey{variationID, branchID}] += qty
	return nil
}

func (t *memTx) AppendMovement(_ context.Context, mv domain.InventoryMovement) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if mv.ID == "" {
		mv.ID = xid.New("mv")
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	t.s.movements = append(t.s.movements, mv)
	return nil
}

func (t *memTx) ConsumeMovementLayers(_ context.Context, variationID string, qty int) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	remaining := qty
	for i := range t.s.movements {
		if remaining == 0 {
			break
		}
		mv := &t.s.movements[i]
		if mv.VariationID != variationID || mv.QuantityRemaining < 1 {
			continue
		}
		used := remaining
		if used > mv.QuantityRemaining {
			used = mv.QuantityRemaining
		}
		mv.QuantityRemaining -= used
		remaining -= used
	}
	return nil
}

func (t *memTx) LockSerials(_ context.Context, serials []string) ([]domain.SerializedItem, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	found := make([]domain.SerializedItem, 0, len(serials))
	for _, sn := range serials {
		if item, ok := t.s.serials[sn]; ok {
			found = append(found, item)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].SerialNumber < found[j].SerialNumber })
	return found, nil
}

func (t *memTx) TransitionSerials(_ context.Context, serials []string, status domain.SerialStatus, actor string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	now := time.Now().UTC()
	for _, sn := range serials {
		item, ok := t.s.serials[sn]
		if !ok {
			return store.ErrInvalidSerialState
		}
		old := item.Status
		item.Status = status
		t.s.serials[sn] = item
		t.s.serialHistory = append(t.s.serialHistory, domain.SerialHistoryEntry{
			ID:           xid.New("sch"),
			SerialNumber: sn,
			OldStatus:    old,
			NewStatus:    status,
			Actor:        actor,
			CreatedAt:    now,
		})
	}
	return nil
}

func (t *memTx) TagSerialHistory(_ context.Context, serials []string, saleID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	want := make(map[string]struct{}, len(serials))
	for _, sn := range serials {
		want[sn] = struct{}{}
	}
	for i := range t.s.serialHistory {
		entry := &t.s.serialHistory[i]
		if entry.SaleID != "" || entry.NewStatus != domain.SerialSold {
			continue
		}
		if _, ok := want[entry.SerialNumber]; ok {
			entry.SaleID = saleID
		}
	}
	return nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if sale.ExternalOrderID != "" {
		if _, exists := t.s.salesByExternal[sale.ExternalOrderID]; exists {
			return store.ErrDuplicateSale
		}
		t.s.salesByExternal[sale.ExternalOrderID] = sale.ID
	}
	t.s.sales[sale.ID] = sale
	return nil
}

func (t *memTx) InsertSaleItem(_ context.Context, item domain.SaleItem) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	item.SerialNumbers = slices.Clone(item.SerialNumbers)
	t.s.saleItems[item.SaleID] = append(t.s.saleItems[item.SaleID], item)
	return nil
}

func (t *memTx) InsertSalePayment(_ context.Context, payment domain.SalePayment) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.salePayments[payment.SaleID] = append(t.s.salePayments[payment.SaleID], payment)
	return nil
}

func (t *memTx) LockCreditBalance(_ context.Context, customerID string) (int64, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	if _, ok := t.s.customers[customerID]; !ok {
		return 0, store.ErrNotFound
	}
	return t.s.balanceLocked(customerID), nil
}

func (t *memTx) AppendStoreCredit(_ context.Context, entry domain.StoreCreditEntry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.customers[entry.CustomerID]; !ok {
		return store.ErrNotFound
	}
	if entry.ID == "" {
		entry.ID = xid.New("scl")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.s.creditLedger = append(t.s.creditLedger, entry)
	return nil
}

func (t *memTx) AppendOutbox(_ context.Context, event domain.OutboxEvent) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if event.ID == "" {
		event.ID = xid.New("obx")
	}
	if event.Status == "" {
		event.Status = domain.OutboxPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Payload = slices.Clone(event.Payload)
	t.s.outbox = append(t.s.outbox, event)
	return nil
}

func (s *Store) balanceLocked(customerID string) int64 {
	var balance int64
	for _, entry := range s.creditLedger {
		if entry.CustomerID != customerID {
			continue
		}
		if entry.Type == domain.CreditTypeDebit {
			balance -= entry.AmountCents
		} else {
			balance += entry.AmountCents
		}
	}
	return balance
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := sale
	return &found, nil
}

func (s *Store) FindSaleByExternalOrderID(_ context.Context, externalOrderID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByExternal[externalOrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := s.sales[id]
	return &sale, nil
}

func (s *Store) ListSaleItems(_ context.Context, saleID string) ([]domain.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.SaleItem, len(s.saleItems[saleID]))
	copy(items, s.saleItems[saleID])
	return items, nil
}

func (s *Store) ListSalePayments(_ context.Context, saleID string) ([]domain.SalePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payments := make([]domain.SalePayment, len(s.salePayments[saleID]))
	copy(payments, s.salePayments[saleID])
	return payments, nil
}

func (s *Store) ListMovements(_ context.Context, variationID string) ([]domain.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.InventoryMovement, 0, 8)
	for _, mv := range s.movements {
		if mv.VariationID == variationID {
			movements = append(movements, mv)
		}
	}
	return movements, nil
}

func (s *Store) ListStockOnHand(_ context.Context) ([]domain.StockSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]int, len(s.stock))
	for key, qty := range s.stock {
		totals[key.variationID] += qty
	}
	snapshots := make([]domain.StockSnapshot, 0, len(totals))
	for variationID, qty := range totals {
		if qty > 0 {
			snapshots = append(snapshots, domain.StockSnapshot{VariationID: variationID, Quantity: qty})
		}
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].VariationID < snapshots[j].VariationID })
	return snapshots, nil
}

func (s *Store) GetStockLevel(_ context.Context, variationID, branchID string) (*domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qty, ok := s.stock[stockKey{variationID, branchID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &domain.StockLevel{VariationID: variationID, BranchID: branchID, Quantity: qty}, nil
}

func (s *Store) GetSerializedItem(_ context.Context, serial string) (*domain.SerializedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.serials[serial]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := item
	return &found, nil
}

func (s *Store) ListSerialHistory(_ context.Context, serial string) ([]domain.SerialHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.SerialHistoryEntry, 0, 4)
	for _, entry := range s.serialHistory {
		if entry.SerialNumber == serial {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Store) CreditBalance(_ context.Context, customerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.customers[customerID]; !ok {
		return 0, store.ErrNotFound
	}
	return s.balanceLocked(customerID), nil
}

func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.settings[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return value, nil
}

func (s *Store) PendingOutbox(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	events := make([]domain.OutboxEvent, 0, limit)
	for _, event := range s.outbox {
		if event.Status != domain.OutboxPending && event.Status != domain.OutboxFailed {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *Store) MarkOutbox(_ context.Context, id string, status domain.OutboxStatus, attempts int, publishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID != id {
			continue
		}
		s.outbox[i].Status = status
		s.outbox[i].Attempts = attempts
		s.outbox[i].PublishedAt = publishedAt
		return nil
	}
	return store.ErrNotFound
}
