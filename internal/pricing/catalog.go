package pricing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

// Catalog is a read-only snapshot of the promotions active at one instant.
// Rules are kept in ascending id order; that order decides ties.
type Catalog struct {
	at     time.Time
	rules  map[int64][]domain.PromotionRule
	combos []domain.ComboPromotion
}

var hundred = decimal.NewFromInt(100)

func NewCatalog(rules []domain.PromotionRule, combos []domain.ComboPromotion, at time.Time) *Catalog {
	c := &Catalog{
		at:    at,
		rules: make(map[int64][]domain.PromotionRule),
	}

	sortedRules := append([]domain.PromotionRule(nil), rules...)
	sort.Slice(sortedRules, func(i, j int) bool { return sortedRules[i].ID < sortedRules[j].ID })
	for _, rule := range sortedRules {
		if !rule.Enabled || !withinWindow(at, rule.ValidFrom, rule.ValidTo) || !validRule(rule) {
			continue
		}
		c.rules[rule.ProductID] = append(c.rules[rule.ProductID], rule)
	}

	sortedCombos := append([]domain.ComboPromotion(nil), combos...)
	sort.Slice(sortedCombos, func(i, j int) bool { return sortedCombos[i].ID < sortedCombos[j].ID })
	for _, combo := range sortedCombos {
		if !combo.Enabled || !withinWindow(at, combo.ValidFrom, combo.ValidTo) || !validCombo(combo) {
			continue
		}
		c.combos = append(c.combos, combo)
	}

	return c
}

// EmptyCatalog prices every cart at list price.
func EmptyCatalog() *Catalog {
	return &Catalog{rules: map[int64][]domain.PromotionRule{}}
}

func (c *Catalog) At() time.Time {
	return c.at
}

func (c *Catalog) RulesFor(productID int64) []domain.PromotionRule {
	if c == nil {
		return nil
	}
	return c.rules[productID]
}

func (c *Catalog) Rules() []domain.PromotionRule {
	if c == nil {
		return nil
	}
	out := make([]domain.PromotionRule, 0)
	for _, rules := range c.rules {
		out = append(out, rules...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Combos() []domain.ComboPromotion {
	if c == nil {
		return nil
	}
	return append([]domain.ComboPromotion(nil), c.combos...)
}

func withinWindow(at time.Time, from *time.Time, to *time.Time) bool {
	if from != nil && at.Before(*from) {
		return false
	}
	if to != nil && at.After(*to) {
		return false
	}
	return true
}

func validRule(rule domain.PromotionRule) bool {
	if rule.ProductID <= 0 || rule.N < 1 {
		return false
	}
	switch rule.Kind {
	case domain.PromotionNPayM:
		return rule.M >= 0 && rule.M < rule.N
	case domain.PromotionNthPercent:
		return rule.Percent.IsPositive() && rule.Percent.LessThanOrEqual(hundred)
	default:
		return false
	}
}

func validCombo(combo domain.ComboPromotion) bool {
	if len(combo.Items) == 0 || combo.Price.IsNegative() {
		return false
	}
	for _, item := range combo.Items {
		if item.ProductID <= 0 || !item.Qty.IsPositive() || !item.Qty.IsInteger() {
			return false
		}
	}
	return true
}
