package pricing

import (
	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

// Engine prices carts. It does no I/O and keeps no state between calls.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Price runs the single-product rule pass and then the combo pass. Both passes
// draw from the full line quantity, so a unit discounted by a rule can also be
// folded into a combo.
func (e *Engine) Price(lines []domain.CartLine, catalog *Catalog) (domain.Quote, error) {
	if catalog == nil {
		catalog = EmptyCatalog()
	}
	for i, line := range lines {
		if err := validateLine(i, line); err != nil {
			return domain.Quote{}, err
		}
	}

	priced := make([]domain.PricedLine, len(lines))
	discounts := make([]decimal.Decimal, len(lines))
	ledger := make([]domain.PromotionApplication, 0)

	for i, line := range lines {
		unit := effectiveUnitPrice(line)
		priced[i] = domain.PricedLine{
			CartLine:   line,
			UnitPrice:  unit,
			Gross:      round2(line.Quantity.Mul(unit)),
			Promotions: []domain.AppliedPromotion{},
		}
		discounts[i] = decimal.Zero
		if !promotionEligible(line) {
			continue
		}

		rule, amount, ok := bestRule(catalog.RulesFor(line.ProductID), line.Quantity.IntPart(), unit)
		if !ok {
			continue
		}
		amount = round2(amount)
		discounts[i] = amount
		priced[i].Promotions = append(priced[i].Promotions, domain.AppliedPromotion{
			Kind:        rule.Kind,
			PromotionID: rule.ID,
			Name:        rule.Name,
			Amount:      amount,
		})
		ledger = append(ledger, domain.PromotionApplication{
			Kind:        rule.Kind,
			PromotionID: rule.ID,
			Name:        rule.Name,
			Instance:    1,
			Discount:    amount,
			Lines:       []domain.LineDiscount{{Line: i + 1, ProductID: line.ProductID, Amount: amount}},
		})
	}

	combos, refs := applyCombos(lines, catalog.Combos(), discounts, priced)
	for i := range refs {
		for k := range refs[i] {
			refs[i][k].entry += len(ledger)
		}
	}
	ledger = append(ledger, combos...)
	clampToGross(priced, discounts, ledger, refs)

	totals := domain.Totals{Gross: decimal.Zero, Discount: decimal.Zero, Net: decimal.Zero}
	for i := range priced {
		discount := discounts[i]
		if discount.GreaterThan(priced[i].Gross) {
			discount = priced[i].Gross
		}
		priced[i].Discount = discount
		priced[i].Subtotal = priced[i].Gross.Sub(discount)
		charged := priced[i].Subtotal.Div(priced[i].Quantity).Round(2)
		if charged.IsNegative() {
			charged = decimal.Zero
		}
		priced[i].ChargedUnitPrice = charged

		totals.Gross = totals.Gross.Add(priced[i].Gross)
		totals.Discount = totals.Discount.Add(discount)
		totals.Net = totals.Net.Add(priced[i].Subtotal)
	}

	return domain.Quote{Lines: priced, Promotions: ledger, Totals: totals}, nil
}

func validateLine(index int, line domain.CartLine) error {
	switch {
	case line.ProductID <= 0:
		return domain.ErrInvalidLine.With("line %d: product id is required", index+1)
	case !line.Quantity.IsPositive():
		return domain.ErrInvalidLine.With("line %d: quantity must be greater than zero", index+1)
	case line.ListUnitPrice.IsNegative():
		return domain.ErrInvalidLine.With("line %d: unit price must not be negative", index+1)
	case line.ManualUnitPrice != nil && line.ManualUnitPrice.IsNegative():
		return domain.ErrInvalidLine.With("line %d: manual unit price must not be negative", index+1)
	}
	return nil
}

func effectiveUnitPrice(line domain.CartLine) decimal.Decimal {
	if line.ManualUnitPrice != nil {
		return *line.ManualUnitPrice
	}
	return line.ListUnitPrice
}

// Weighed goods and fractional quantities never take part in promotions.
func promotionEligible(line domain.CartLine) bool {
	return !line.Weighable && line.Quantity.IsInteger()
}

func bestRule(rules []domain.PromotionRule, qty int64, unit decimal.Decimal) (domain.PromotionRule, decimal.Decimal, bool) {
	var (
		best       domain.PromotionRule
		bestAmount decimal.Decimal
		found      bool
	)
	for _, rule := range rules {
		amount, ok := ruleDiscount(rule, qty, unit)
		if !ok || !amount.IsPositive() {
			continue
		}
		if !found || amount.GreaterThan(bestAmount) {
			best, bestAmount, found = rule, amount, true
		}
	}
	return best, bestAmount, found
}

func ruleDiscount(rule domain.PromotionRule, qty int64, unit decimal.Decimal) (decimal.Decimal, bool) {
	if rule.N < 1 || qty < rule.N {
		return decimal.Zero, false
	}
	switch rule.Kind {
	case domain.PromotionNPayM:
		packs := qty / rule.N
		payable := packs*rule.M + qty%rule.N
		return decimal.NewFromInt(qty - payable).Mul(unit), true
	case domain.PromotionNthPercent:
		discounted := qty / rule.N
		return decimal.NewFromInt(discounted).Mul(unit).Mul(rule.Percent).Div(hundred), true
	default:
		return decimal.Zero, false
	}
}

type requirement struct {
	productID int64
	qty       int64
}

type share struct {
	line         int
	contribution decimal.Decimal
}

// comboRef points a line's combo share at its ledger entry and at its slot in
// the line's promotions.
type comboRef struct {
	entry     int
	share     int
	promotion int
}

func applyCombos(lines []domain.CartLine, combos []domain.ComboPromotion, discounts []decimal.Decimal, priced []domain.PricedLine) ([]domain.PromotionApplication, [][]comboRef) {
	refs := make([][]comboRef, len(lines))
	remaining := make([]int64, len(lines))
	for i, line := range lines {
		if promotionEligible(line) {
			remaining[i] = line.Quantity.IntPart()
		}
	}

	ledger := make([]domain.PromotionApplication, 0)
	for _, combo := range combos {
		reqs := requirementsOf(combo)
		instances := maxInstances(reqs, lines, remaining)
		applied := 0
		for n := 0; n < instances; n++ {
			next := append([]int64(nil), remaining...)
			normal, parts := consume(reqs, lines, next)
			discount := round2(normal.Sub(combo.Price))
			if !discount.IsPositive() {
				continue
			}
			remaining = next
			applied++

			entry := domain.PromotionApplication{
				Kind:        domain.PromotionCombo,
				PromotionID: combo.ID,
				Name:        combo.Name,
				Instance:    applied,
				Discount:    discount,
				Lines:       make([]domain.LineDiscount, 0, len(parts)),
			}
			allocated := decimal.Zero
			for k, part := range parts {
				amount := discount.Sub(allocated)
				if k < len(parts)-1 {
					amount = discount.Mul(part.contribution).Div(normal).Truncate(2)
				}
				allocated = allocated.Add(amount)

				discounts[part.line] = discounts[part.line].Add(amount)
				refs[part.line] = append(refs[part.line], comboRef{
					entry:     len(ledger),
					share:     len(entry.Lines),
					promotion: len(priced[part.line].Promotions),
				})
				priced[part.line].Promotions = append(priced[part.line].Promotions, domain.AppliedPromotion{
					Kind:        domain.PromotionCombo,
					PromotionID: combo.ID,
					Name:        combo.Name,
					Amount:      amount,
				})
				entry.Lines = append(entry.Lines, domain.LineDiscount{
					Line:      part.line + 1,
					ProductID: lines[part.line].ProductID,
					Amount:    amount,
				})
			}
			ledger = append(ledger, entry)
		}
	}
	return ledger, refs
}

// clampToGross caps each line's discount at its gross. The excess comes off
// the line's latest combo shares and off the ledger entries that carry them,
// so the ledger always sums to the discount actually given.
func clampToGross(priced []domain.PricedLine, discounts []decimal.Decimal, ledger []domain.PromotionApplication, refs [][]comboRef) {
	for i := range priced {
		excess := discounts[i].Sub(priced[i].Gross)
		if !excess.IsPositive() {
			continue
		}
		for k := len(refs[i]) - 1; k >= 0 && excess.IsPositive(); k-- {
			ref := refs[i][k]
			applied := &priced[i].Promotions[ref.promotion]
			cut := decimal.Min(applied.Amount, excess)
			applied.Amount = applied.Amount.Sub(cut)
			entry := &ledger[ref.entry]
			entry.Lines[ref.share].Amount = entry.Lines[ref.share].Amount.Sub(cut)
			entry.Discount = entry.Discount.Sub(cut)
			discounts[i] = discounts[i].Sub(cut)
			excess = excess.Sub(cut)
		}
		priced[i].Promotions = dropZeroPromotions(priced[i].Promotions)
	}
	for i := range ledger {
		ledger[i].Lines = dropZeroShares(ledger[i].Lines)
	}
}

func dropZeroPromotions(in []domain.AppliedPromotion) []domain.AppliedPromotion {
	out := in[:0]
	for _, p := range in {
		if !p.Amount.IsZero() {
			out = append(out, p)
		}
	}
	return out
}

func dropZeroShares(in []domain.LineDiscount) []domain.LineDiscount {
	out := in[:0]
	for _, l := range in {
		if !l.Amount.IsZero() {
			out = append(out, l)
		}
	}
	return out
}

// requirementsOf merges repeated products so each appears once, in first-seen order.
func requirementsOf(combo domain.ComboPromotion) []requirement {
	index := make(map[int64]int, len(combo.Items))
	reqs := make([]requirement, 0, len(combo.Items))
	for _, item := range combo.Items {
		qty := item.Qty.IntPart()
		if pos, ok := index[item.ProductID]; ok {
			reqs[pos].qty += qty
			continue
		}
		index[item.ProductID] = len(reqs)
		reqs = append(reqs, requirement{productID: item.ProductID, qty: qty})
	}
	return reqs
}

func maxInstances(reqs []requirement, lines []domain.CartLine, remaining []int64) int {
	if len(reqs) == 0 {
		return 0
	}
	instances := int64(-1)
	for _, req := range reqs {
		if req.qty <= 0 {
			return 0
		}
		var available int64
		for i, line := range lines {
			if line.ProductID == req.productID {
				available += remaining[i]
			}
		}
		n := available / req.qty
		if instances < 0 || n < instances {
			instances = n
		}
	}
	return int(instances)
}

// consume takes one instance worth of units from remaining, in line order, and
// reports the instance's list-price value with each line's part of it.
func consume(reqs []requirement, lines []domain.CartLine, remaining []int64) (decimal.Decimal, []share) {
	normal := decimal.Zero
	parts := make([]share, 0, len(reqs))
	for _, req := range reqs {
		need := req.qty
		for i, line := range lines {
			if need == 0 {
				break
			}
			if line.ProductID != req.productID || remaining[i] == 0 {
				continue
			}
			take := min(need, remaining[i])
			remaining[i] -= take
			need -= take

			contribution := decimal.NewFromInt(take).Mul(line.ListUnitPrice)
			normal = normal.Add(contribution)
			parts = append(parts, share{line: i, contribution: contribution})
		}
	}
	return normal, parts
}

func round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}
