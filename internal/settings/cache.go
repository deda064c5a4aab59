package settings

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type NoopCache struct{}

func (NoopCache) Get(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (NoopCache) Set(_ context.Context, _ string, _ string, _ time.Duration) error {
	return nil
}
