package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tokopos/backend/internal/domain"
)

func TestCatalogFiltersDisabledAndOutOfWindow(t *testing.T) {
	past := now.Add(-48 * time.Hour)
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)

	catalog := NewCatalog([]domain.PromotionRule{
		{ID: 1, ProductID: 1, Kind: domain.PromotionNPayM, N: 2, M: 1, Enabled: true},
		{ID: 2, ProductID: 1, Kind: domain.PromotionNPayM, N: 2, M: 1, Enabled: false},
		{ID: 3, ProductID: 1, Kind: domain.PromotionNPayM, N: 2, M: 1, Enabled: true, ValidFrom: &tomorrow},
		{ID: 4, ProductID: 1, Kind: domain.PromotionNPayM, N: 2, M: 1, Enabled: true, ValidFrom: &past, ValidTo: &yesterday},
		{ID: 5, ProductID: 1, Kind: domain.PromotionNPayM, N: 2, M: 1, Enabled: true, ValidFrom: &yesterday, ValidTo: &tomorrow},
	}, []domain.ComboPromotion{
		{ID: 1, Price: dec("5"), Enabled: true, Items: []domain.ComboItem{{ProductID: 1, Qty: dec("1")}}},
		{ID: 2, Price: dec("5"), Enabled: true, ValidTo: &yesterday, Items: []domain.ComboItem{{ProductID: 1, Qty: dec("1")}}},
	}, now)

	ids := make([]int64, 0)
	for _, rule := range catalog.RulesFor(1) {
		ids = append(ids, rule.ID)
	}
	assert.Equal(t, []int64{1, 5}, ids)
	assert.Len(t, catalog.Combos(), 1)
	assert.Equal(t, now, catalog.At())
}

func TestCatalogDropsMalformedRules(t *testing.T) {
	catalog := NewCatalog([]domain.PromotionRule{
		{ID: 1, ProductID: 1, Kind: domain.PromotionNPayM, N: 0, M: 0, Enabled: true},
		{ID: 2, ProductID: 1, Kind: domain.PromotionNPayM, N: 2, M: 2, Enabled: true},
		{ID: 3, ProductID: 1, Kind: domain.PromotionNthPercent, N: 2, Percent: dec("150"), Enabled: true},
		{ID: 4, ProductID: 1, Kind: "BOGUS", N: 2, Enabled: true},
	}, []domain.ComboPromotion{
		{ID: 1, Price: dec("5"), Enabled: true},
		{ID: 2, Price: dec("5"), Enabled: true, Items: []domain.ComboItem{{ProductID: 1, Qty: dec("0.5")}}},
	}, now)

	assert.Empty(t, catalog.RulesFor(1))
	assert.Empty(t, catalog.Combos())
}

func TestCatalogRulesAreOrderedById(t *testing.T) {
	catalog := NewCatalog([]domain.PromotionRule{
		{ID: 9, ProductID: 2, Kind: domain.PromotionNPayM, N: 2, M: 1, Enabled: true},
		{ID: 3, ProductID: 1, Kind: domain.PromotionNPayM, N: 2, M: 1, Enabled: true},
	}, nil, now)

	rules := catalog.Rules()
	assert.Len(t, rules, 2)
	assert.Equal(t, int64(3), rules[0].ID)
	assert.Equal(t, int64(9), rules[1].ID)
}
