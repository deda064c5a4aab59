package sale

import (
	"encoding/json"
	"time"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/xid"
)

const (
	EventSaleCreated = "sale.created"
	EventStockDelta  = "stock.delta"
)

type saleCreatedPayload struct {
	SaleID     string            `json:"sale_id"`
	BranchID   string            `json:"branch_id"`
	CustomerID string            `json:"customer_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	TotalCents int64             `json:"total_cents"`
	Items      []domain.SaleItem `json:"items"`
	CreatedAt  time.Time         `json:"created_at"`
}

type stockDeltaPayload struct {
	VariationID string `json:"variation_id"`
	BranchID    string `json:"branch_id"`
	Delta       int    `json:"delta"`
	SaleID      string `json:"sale_id"`
}

func saleCreatedEvent(sale domain.Sale, items []domain.SaleItem) (domain.OutboxEvent, error) {
	payload, err := json.Marshal(saleCreatedPayload{
		SaleID:     sale.ID,
		BranchID:   sale.BranchID,
		CustomerID: sale.CustomerID,
		UserID:     sale.UserID,
		TotalCents: sale.TotalCents,
		Items:      items,
		CreatedAt:  sale.CreatedAt,
	})
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	return domain.OutboxEvent{
		ID:        xid.New("obx"),
		Name:      EventSaleCreated,
		Payload:   payload,
		Status:    domain.OutboxPending,
		CreatedAt: sale.CreatedAt,
	}, nil
}

func stockDeltaEvent(sale domain.Sale, item domain.SaleItem) (domain.OutboxEvent, error) {
	payload, err := json.Marshal(stockDeltaPayload{
		VariationID: item.VariationID,
		BranchID:    sale.BranchID,
		Delta:       -item.Quantity,
		SaleID:      sale.ID,
	})
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	return domain.OutboxEvent{
		ID:        xid.New("obx"),
		Name:      EventStockDelta,
		Payload:   payload,
		Status:    domain.OutboxPending,
		CreatedAt: sale.CreatedAt,
	}, nil
}
