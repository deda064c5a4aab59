// Package settings reads store-level configuration rows with a cache in
// front. Settings change rarely; a short TTL keeps the hot path off the
// database without making changes invisible for long.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokosera/backend/internal/domain"
	"tokosera/backend/internal/store"
)

const (
	KeyValuationMethod = "inventory_valuation_method"

	cacheTTL = 30 * time.Second
)

type Service struct {
	db    store.DB
	cache Cache
	log   *zap.Logger
}

func NewService(db store.DB, cache Cache, log *zap.Logger) *Service {
	if cache == nil {
		cache = NoopCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, cache: cache, log: log}
}

// Get returns the setting value, preferring the cache. Cache failures are
// logged and fall through to the database.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	val, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("setting cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		return val, nil
	}

	val, err = s.db.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	if err := s.cache.Set(ctx, key, val, cacheTTL); err != nil {
		s.log.Warn("setting cache write failed", zap.String("key", key), zap.Error(err))
	}
	return val, nil
}

// ValuationMethod resolves the configured inventory valuation method.
// A missing setting defaults to average cost; an unrecognized value is an
// error rather than a silent fallback.
func (s *Service) ValuationMethod(ctx context.Context) (domain.ValuationPolicy, error) {
	val, err := s.Get(ctx, KeyValuationMethod)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ValuationAverageCost, nil
	}
	if err != nil {
		return "", err
	}
	switch domain.ValuationPolicy(val) {
	case domain.ValuationAverageCost, domain.ValuationFIFO:
		return domain.ValuationPolicy(val), nil
	default:
		return "", fmt.Errorf("%w: unknown valuation method %q", store.ErrValidation, val)
	}
}
