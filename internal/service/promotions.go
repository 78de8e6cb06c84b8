package service

import (
	"context"

	"go.uber.org/zap"

	"tokopos/backend/internal/cache"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/pricing"
)

func (s *Service) ActivePromotions(ctx context.Context) (domain.ActivePromotionsResponse, error) {
	if _, err := s.authorize(ctx, ActionListPromotions); err != nil {
		return domain.ActivePromotionsResponse{}, err
	}
	catalog, err := s.catalog(ctx)
	if err != nil {
		return domain.ActivePromotionsResponse{}, err
	}
	rules := catalog.Rules()
	combos := catalog.Combos()
	if rules == nil {
		rules = []domain.PromotionRule{}
	}
	if combos == nil {
		combos = []domain.ComboPromotion{}
	}
	return domain.ActivePromotionsResponse{Rules: rules, Combos: combos}, nil
}

// RefreshPromotions drops the cached snapshot so the next read sees the
// current promotion tables.
func (s *Service) RefreshPromotions(ctx context.Context) error {
	if _, err := s.authorize(ctx, ActionRefreshPromotions); err != nil {
		return err
	}
	if err := s.promotions.Delete(ctx, cache.ActivePromotionsKey); err != nil {
		return domain.ErrStorage.With("drop promotion cache").Wrap(err)
	}
	return nil
}

// catalog builds the promotion catalog as of now. The cache holds raw enabled
// rows; validity windows are checked here so a cached snapshot never keeps an
// expired promotion alive.
func (s *Service) catalog(ctx context.Context) (*pricing.Catalog, error) {
	snapshot, hit, err := s.promotions.Get(ctx, cache.ActivePromotionsKey)
	if err != nil {
		s.logger(ctx).Warn("promotion cache read failed", zap.Error(err))
		hit = false
	}
	if hit && snapshot != nil {
		s.metrics.PromotionCacheLooks.WithLabelValues("hit").Inc()
		return pricing.NewCatalog(snapshot.Rules, snapshot.Combos, s.clock.Now()), nil
	}
	s.metrics.PromotionCacheLooks.WithLabelValues("miss").Inc()

	rules, combos, err := s.repo.ListPromotions(ctx)
	if err != nil {
		return nil, err
	}
	snapshot = &cache.PromotionSnapshot{Rules: rules, Combos: combos, CachedAt: s.clock.Now()}
	if err := s.promotions.Set(ctx, cache.ActivePromotionsKey, snapshot, s.promotionTTL); err != nil {
		s.logger(ctx).Warn("promotion cache write failed", zap.Error(err))
	}
	return pricing.NewCatalog(rules, combos, s.clock.Now()), nil
}
