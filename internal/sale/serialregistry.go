package sale

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
)

// SerializedItemRegistry tracks per-unit lifecycle for variations sold by
// serial number. Consume is the sale-path transition in_stock -> sold.
type SerializedItemRegistry struct{}

func NewSerializedItemRegistry() *SerializedItemRegistry {
	return &SerializedItemRegistry{}
}

// Consume locks every named serial, verifies it belongs to the requested
// variation and branch and is still in stock, then transitions all of them
// to sold with one history entry each. Any failed check aborts the whole
// item, naming the offending serial. The returned slice is the normalized,
// sorted serial list recorded on the sale item.
func (r *SerializedItemRegistry) Consume(ctx context.Context, tx store.Tx, variationID, branchID string, serials []string, required int, actor string) ([]string, error) {
	normalized := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, sn := range serials {
		sn = strings.TrimSpace(sn)
		if sn == "" {
			return nil, fmt.Errorf("%w: empty serial number for variation %s", store.ErrValidation, variationID)
		}
		if _, dup := seen[sn]; dup {
			return nil, fmt.Errorf("%w: serial %s listed twice", store.ErrValidation, sn)
		}
		seen[sn] = struct{}{}
		normalized = append(normalized, sn)
	}
	if len(normalized) != required {
		return nil, fmt.Errorf("%w: variation %s needs %d serial numbers, got %d",
			store.ErrValidation, variationID, required, len(normalized))
	}

	// Lexicographic order keeps lock acquisition deterministic across
	// concurrent sales touching overlapping serials.
	sort.Strings(normalized)

	locked, err := tx.LockSerials(ctx, normalized)
	if err != nil {
		return nil, err
	}
	bySerial := make(map[string]domain.SerializedItem, len(locked))
	for _, item := range locked {
		bySerial[item.SerialNumber] = item
	}

	for _, sn := range normalized {
		item, ok := bySerial[sn]
		if !ok {
			return nil, fmt.Errorf("%w: serial %s does not exist", store.ErrInvalidSerialState, sn)
		}
		if item.VariationID != variationID || item.BranchID != branchID {
			return nil, fmt.Errorf("%w: serial %s belongs to a different variation or branch",
				store.ErrInvalidSerialState, sn)
		}
		if item.Status != domain.SerialInStock {
			return nil, fmt.Errorf("%w: serial %s is %s", store.ErrInvalidSerialState, sn, item.Status)
		}
	}

	if err := tx.TransitionSerials(ctx, normalized, domain.SerialSold, actor); err != nil {
		return nil, err
	}
	return normalized, nil
}

// MarkDefective transitions an in-stock unit out of sellable inventory.
func (r *SerializedItemRegistry) MarkDefective(ctx context.Context, tx store.Tx, serial, actor string) error {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return fmt.Errorf("%w: serial required", store.ErrValidation)
	}

	locked, err := tx.LockSerials(ctx, []string{serial})
	if err != nil {
		return err
	}
	if len(locked) == 0 {
		return fmt.Errorf("%w: serial %s does not exist", store.ErrInvalidSerialState, serial)
	}
	if locked[0].Status != domain.SerialInStock {
		return fmt.Errorf("%w: serial %s is %s", store.ErrInvalidSerialState, serial, locked[0].Status)
	}
	return tx.TransitionSerials(ctx, []string{serial}, domain.SerialDefective, actor)
}
