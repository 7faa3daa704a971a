package cache

import (
	"context"
	"time"

	"dukapos/backend/internal/domain"
)

// ProductCache holds the active product catalog. Catalog writes call
// Invalidate so reads never serve a stale listing longer than the TTL.
type ProductCache interface {
	Get(ctx context.Context, key string) ([]domain.Product, bool, error)
	Set(ctx context.Context, key string, value []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
