package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
	"tokosera/backend/internal/store/memory"
)

type recordingCache struct {
	values map[string]string
	sets   int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{values: make(map[string]string)}
}

func (c *recordingCache) Get(_ context.Context, key string) (string, bool, error) {
	val, ok := c.values[key]
	return val, ok, nil
}

func (c *recordingCache) Set(_ context.Context, key string, value string, _ time.Duration) error {
	c.values[key] = value
	c.sets++
	return nil
}

func TestGetReadsThroughAndFillsCache(t *testing.T) {
	db := memory.New()
	db.SeedSetting("tax_mode", "inclusive")
	cache := newRecordingCache()
	svc := NewService(db, cache, nil)
	ctx := context.Background()

	val, err := svc.Get(ctx, "tax_mode")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if val != "inclusive" {
		t.Fatalf("unexpected value %q", val)
	}
	if cache.sets != 1 {
		t.Fatalf("expected one cache fill, got %d", cache.sets)
	}

	// Second read hits the cache, not the database.
	db.SeedSetting("tax_mode", "exclusive")
	val, err = svc.Get(ctx, "tax_mode")
	if err != nil {
		t.Fatalf("cached get failed: %v", err)
	}
	if val != "inclusive" {
		t.Fatalf("expected cached value, got %q", val)
	}
}

func TestGetUnknownKey(t *testing.T) {
	svc := NewService(memory.New(), nil, nil)
	_, err := svc.Get(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestValuationMethodDefaultsToAverageCost(t *testing.T) {
	svc := NewService(memory.New(), nil, nil)
	method, err := svc.ValuationMethod(context.Background())
	if err != nil {
		t.Fatalf("method lookup failed: %v", err)
	}
	if method != domain.ValuationAverageCost {
		t.Fatalf("expected average cost default, got %s", method)
	}
}

func TestValuationMethodReadsSetting(t *testing.T) {
	db := memory.New()
	db.SeedSetting(KeyValuationMethod, string(domain.ValuationFIFO))
	svc := NewService(db, nil, nil)

	method, err := svc.ValuationMethod(context.Background())
	if err != nil {
		t.Fatalf("method lookup failed: %v", err)
	}
	if method != domain.ValuationFIFO {
		t.Fatalf("expected fifo, got %s", method)
	}
}

func TestValuationMethodRejectsUnknownValue(t *testing.T) {
	db := memory.New()
	db.SeedSetting(KeyValuationMethod, "lifo")
	svc := NewService(db, nil, nil)

	if _, err := svc.ValuationMethod(context.Background()); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
