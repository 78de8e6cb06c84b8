package cache

import (
	"context"
	"time"

	"tokopos/backend/internal/domain"
)

const ActivePromotionsKey = "promotions:active"

// PromotionSnapshot holds every enabled promotion row. Validity windows are
// applied by the pricing catalog at the moment of use, not when caching.
type PromotionSnapshot struct {
	Rules    []domain.PromotionRule  `json:"rules"`
	Combos   []domain.ComboPromotion `json:"combos"`
	CachedAt time.Time               `json:"cached_at"`
}

type PromotionCache interface {
	Get(ctx context.Context, key string) (*PromotionSnapshot, bool, error)
	Set(ctx context.Context, key string, value *PromotionSnapshot, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopPromotionCache struct{}

func (NoopPromotionCache) Get(_ context.Context, _ string) (*PromotionSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopPromotionCache) Set(_ context.Context, _ string, _ *PromotionSnapshot, _ time.Duration) error {
	return nil
}

func (NoopPromotionCache) Delete(_ context.Context, _ string) error {
	return nil
}
