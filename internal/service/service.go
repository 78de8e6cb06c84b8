package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokopos/backend/internal/audit"
	"tokopos/backend/internal/cache"
	"tokopos/backend/internal/clock"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/logger"
	"tokopos/backend/internal/metrics"
	"tokopos/backend/internal/pricing"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type Service struct {
	repo               store.Repository
	engine             *pricing.Engine
	promotions         cache.PromotionCache
	promotionTTL       time.Duration
	metrics            *metrics.Metrics
	audit              audit.Sink
	clock              clock.Clock
	authz              Authorizer
	log                *zap.Logger
	requireCashSession bool
}

type Option func(*Service)

func WithPromotionCache(c cache.PromotionCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.promotions = c
		}
		if ttl > 0 {
			s.promotionTTL = ttl
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.audit = sink
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithAuthorizer(a Authorizer) Option {
	return func(s *Service) {
		if a != nil {
			s.authz = a
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRequireCashSession rejects sales while no cash session is open.
func WithRequireCashSession(require bool) Option {
	return func(s *Service) {
		s.requireCashSession = require
	}
}

func New(repo store.Repository, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		engine:       pricing.NewEngine(),
		promotions:   cache.NoopPromotionCache{},
		promotionTTL: 30 * time.Second,
		metrics:      metrics.New(""),
		audit:        audit.NewZapSink(nil),
		clock:        clock.RealClock{},
		authz:        NewRoleAuthorizer(),
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) PreviewSale(ctx context.Context, req domain.PreviewRequest) (domain.Quote, error) {
	actor, err := s.authorize(ctx, ActionPreviewSale)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := s.checkLines(actor, req.Lines); err != nil {
		return domain.Quote{}, err
	}

	products, err := s.repo.GetProducts(ctx, productIDs(req.Lines))
	if err != nil {
		return domain.Quote{}, err
	}
	lines, err := buildCart(req.Lines, products)
	if err != nil {
		return domain.Quote{}, err
	}
	catalog, err := s.catalog(ctx)
	if err != nil {
		return domain.Quote{}, err
	}
	return s.engine.Price(lines, catalog)
}

func (s *Service) CommitSale(ctx context.Context, req domain.CommitSaleRequest) (domain.CommitSaleResponse, error) {
	started := s.clock.Now()
	resp, err := s.commitSale(ctx, req)
	if err != nil {
		s.metrics.SaleRejections.WithLabelValues(domain.KindOf(err).String()).Inc()
		return domain.CommitSaleResponse{}, err
	}
	s.metrics.SaleCommitDuration.Observe(s.clock.Now().Sub(started).Seconds())
	return resp, nil
}

func (s *Service) commitSale(ctx context.Context, req domain.CommitSaleRequest) (domain.CommitSaleResponse, error) {
	actor, err := s.authorize(ctx, ActionCommitSale)
	if err != nil {
		return domain.CommitSaleResponse{}, err
	}

	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(method) {
		return domain.CommitSaleResponse{}, domain.ErrInvalidPayment.With("%q", req.PaymentMethod)
	}
	if req.Paid.IsNegative() {
		return domain.CommitSaleResponse{}, domain.ErrInvalidPayment.With("paid amount must not be negative")
	}
	if err := s.checkLines(actor, req.Lines); err != nil {
		return domain.CommitSaleResponse{}, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.repo.FindSaleByIdempotencyKey(ctx, key)
		if err == nil {
			return toCommitResponse(existing, true), nil
		}
		if !errors.Is(err, domain.ErrSaleNotFound) {
			return domain.CommitSaleResponse{}, err
		}
	}

	catalog, err := s.catalog(ctx)
	if err != nil {
		return domain.CommitSaleResponse{}, err
	}

	var (
		sale     domain.Sale
		quote    domain.Quote
		lowStock = make(map[int64]domain.Product)
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockProducts(ctx, productIDs(req.Lines))
		if err != nil {
			return err
		}
		lines, err := buildCart(req.Lines, products)
		if err != nil {
			return err
		}
		quote, err = s.engine.Price(lines, catalog)
		if err != nil {
			return err
		}
		if err := checkStock(lines, products); err != nil {
			return err
		}

		total := quote.Totals.Net
		paid, change := req.Paid, decimal.Zero
		if method == domain.PaymentCash {
			if paid.LessThan(total) {
				return domain.ErrInsufficientPayment.With("paid %s, total %s", paid.StringFixed(2), total.StringFixed(2))
			}
			change = paid.Sub(total)
		} else {
			paid = total
		}

		session, err := tx.LockCashSessionForSale(ctx)
		if err != nil {
			return err
		}
		if session == nil && s.requireCashSession {
			return domain.ErrNoOpenSession
		}

		now := s.clock.Now()
		sale = domain.Sale{
			ID:             xid.New("sale"),
			IdempotencyKey: key,
			CreatedAt:      now,
			Actor:          actor.Username,
			PaymentMethod:  method,
			Paid:           paid,
			Change:         change,
			Gross:          quote.Totals.Gross,
			Discount:       quote.Totals.Discount,
			Total:          total,
			State:          domain.SaleEmitted,
			Items:          saleItems(quote.Lines),
			Promotions:     quote.Promotions,
		}
		if session != nil {
			sale.CashSessionID = session.ID
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}

		for _, item := range sale.Items {
			next, err := applyStockDelta(ctx, tx, stockChange{
				ProductID: item.ProductID,
				Kind:      domain.MovementSale,
				Quantity:  item.Quantity.Neg(),
				SaleID:    sale.ID,
				Actor:     actor.Username,
				At:        now,
			})
			if err != nil {
				return err
			}
			product := products[item.ProductID]
			if next.LessThanOrEqual(product.StockMin) {
				product.StockQty = next
				lowStock[product.ID] = product
			}
		}

		if session != nil {
			if session.Totals == nil {
				session.Totals = make(map[string]decimal.Decimal, 1)
			}
			session.Totals[method] = session.Totals[method].Add(total)
			session.SaleCount++
			session.ItemCount += int64(len(sale.Items))
			if err := tx.SaveCashSessionTotals(ctx, *session); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if key != "" && errors.Is(err, domain.ErrDuplicateIdempotency) {
			if existing, findErr := s.repo.FindSaleByIdempotencyKey(ctx, key); findErr == nil {
				return toCommitResponse(existing, true), nil
			}
		}
		return domain.CommitSaleResponse{}, err
	}

	s.metrics.SalesTotal.WithLabelValues(method).Inc()
	s.metrics.SaleAmount.WithLabelValues(method).Add(sale.Total.InexactFloat64())
	s.emit(ctx, audit.Event{
		Action:     audit.SaleCreated,
		Actor:      actor.Username,
		EntityType: "sale",
		EntityID:   sale.ID,
		At:         sale.CreatedAt,
		Fields: map[string]string{
			"total":           sale.Total.StringFixed(2),
			"payment_method":  method,
			"discount":        sale.Discount.StringFixed(2),
			"cash_session_id": sale.CashSessionID,
		},
	})
	for _, product := range lowStock {
		s.metrics.LowStockWarnings.Inc()
		s.logger(ctx).Warn("product at or below minimum stock",
			zap.Int64("product_id", product.ID),
			zap.String("code", product.Code),
			zap.String("stock_qty", product.StockQty.String()),
			zap.String("stock_min", product.StockMin.String()),
		)
	}

	resp := toCommitResponse(&sale, false)
	resp.Quote = quote
	return resp, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	if _, err := s.authorize(ctx, ActionViewSale); err != nil {
		return domain.Sale{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Sale{}, domain.ErrInvalidInput.With("sale id is required")
	}
	sale, err := s.repo.FindSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// VoidSale reverses an emitted sale exactly once. It is the only compensating
// path; there are no line-level voids.
func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.VoidSaleResponse, error) {
	actor, err := s.authorize(ctx, ActionVoidSale)
	if err != nil {
		return domain.VoidSaleResponse{}, err
	}
	saleID := strings.TrimSpace(req.SaleID)
	if saleID == "" {
		return domain.VoidSaleResponse{}, domain.ErrInvalidInput.With("sale id is required")
	}
	reason := strings.TrimSpace(req.Reason)

	var (
		sale     *domain.Sale
		voidedAt time.Time
		invoices int
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		sale, err = tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.State != domain.SaleEmitted {
			return domain.ErrAlreadyVoid.With("sale %s", sale.ID)
		}
		if len(sale.Items) == 0 {
			return domain.ErrEmptySale.With("sale %s", sale.ID)
		}

		ids := make([]int64, 0, len(sale.Items))
		for _, item := range sale.Items {
			ids = append(ids, item.ProductID)
		}
		if _, err := tx.LockProducts(ctx, ids); err != nil {
			return err
		}

		voidedAt = s.clock.Now()
		for _, item := range sale.Items {
			if _, err := applyStockDelta(ctx, tx, stockChange{
				ProductID: item.ProductID,
				Kind:      domain.MovementVoidReversal,
				Quantity:  item.Quantity,
				SaleID:    sale.ID,
				Note:      reason,
				Actor:     actor.Username,
				At:        voidedAt,
			}); err != nil {
				return err
			}
		}

		if err := tx.MarkSaleVoid(ctx, sale.ID, domain.VoidInfo{At: voidedAt, Actor: actor.Username, Reason: reason}); err != nil {
			return err
		}

		if sale.CashSessionID != "" {
			session, err := tx.LockCashSession(ctx, sale.CashSessionID)
			if err != nil {
				return err
			}
			// A closed session keeps the figures frozen at close time.
			if session.IsOpen() {
				reverseSessionTotals(session, sale)
				if err := tx.SaveCashSessionTotals(ctx, *session); err != nil {
					return err
				}
			}
		}

		invoices, err = tx.VoidInvoicesForSale(ctx, sale.ID, voidedAt)
		return err
	})
	if err != nil {
		return domain.VoidSaleResponse{}, err
	}

	s.metrics.VoidsTotal.Inc()
	s.emit(ctx, audit.Event{
		Action:     audit.SaleVoided,
		Actor:      actor.Username,
		EntityType: "sale",
		EntityID:   sale.ID,
		At:         voidedAt,
		Fields: map[string]string{
			"reason":          reason,
			"total":           sale.Total.StringFixed(2),
			"payment_method":  sale.PaymentMethod,
			"invoices_voided": strconv.Itoa(invoices),
		},
	})

	return domain.VoidSaleResponse{
		SaleID:   sale.ID,
		State:    string(domain.SaleVoid),
		VoidedAt: voidedAt.Format(time.RFC3339),
	}, nil
}

func reverseSessionTotals(session *domain.CashSession, sale *domain.Sale) {
	remaining := session.Totals[sale.PaymentMethod].Sub(sale.Total)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	session.Totals[sale.PaymentMethod] = remaining
	session.SaleCount = max(session.SaleCount-1, 0)
	session.ItemCount = max(session.ItemCount-int64(len(sale.Items)), 0)
	session.VoidCount++
}

// checkLines validates request shape before any lookup. Quantities of products
// sold per unit are checked later, once the product is known.
func (s *Service) checkLines(actor domain.Actor, lines []domain.CartLineRequest) error {
	if len(lines) == 0 {
		return domain.ErrEmptyCart
	}
	for i, line := range lines {
		if line.ProductID <= 0 {
			return domain.ErrInvalidLine.With("line %d: product id is required", i+1)
		}
		if !line.Quantity.IsPositive() {
			return domain.ErrInvalidLine.With("line %d: quantity must be positive", i+1)
		}
		if line.ManualUnitPrice != nil {
			if line.ManualUnitPrice.IsNegative() {
				return domain.ErrInvalidLine.With("line %d: manual price must not be negative", i+1)
			}
			if !s.authz.Authorize(actor, ActionOverridePrice) {
				return domain.ErrForbidden.With("line %d: manual price override requires permission", i+1)
			}
		}
	}
	return nil
}

func buildCart(req []domain.CartLineRequest, products map[int64]domain.Product) ([]domain.CartLine, error) {
	lines := make([]domain.CartLine, 0, len(req))
	for i, line := range req {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, domain.ErrProductNotFound.With("product %d", line.ProductID)
		}
		if !product.Active {
			return nil, domain.ErrProductInactive.With("product %d", line.ProductID)
		}
		if !product.Weighable && !line.Quantity.IsInteger() {
			return nil, domain.ErrInvalidLine.With("line %d: %s is sold per unit", i+1, product.Name)
		}
		lines = append(lines, domain.CartLine{
			ProductID:       product.ID,
			Quantity:        line.Quantity,
			ListUnitPrice:   product.UnitPrice,
			ManualUnitPrice: line.ManualUnitPrice,
			Weighable:       product.Weighable,
		})
	}
	return lines, nil
}

// checkStock compares the quantity requested per product, summed over lines,
// with the locked stock.
func checkStock(lines []domain.CartLine, products map[int64]domain.Product) error {
	requested := make(map[int64]decimal.Decimal, len(products))
	for _, line := range lines {
		requested[line.ProductID] = requested[line.ProductID].Add(line.Quantity)
	}
	for _, id := range store.CanonicalOrder(productIDsOf(lines)) {
		product := products[id]
		if requested[id].GreaterThan(product.StockQty) {
			return domain.ErrInsufficientStock.With("product %d: requested %s, available %s", id, requested[id].String(), product.StockQty.String())
		}
	}
	return nil
}

func saleItems(lines []domain.PricedLine) []domain.SaleItem {
	items := make([]domain.SaleItem, 0, len(lines))
	for i, line := range lines {
		items = append(items, domain.SaleItem{
			Line:          i + 1,
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			UnitPrice:     line.ChargedUnitPrice,
			ListUnitPrice: line.ListUnitPrice,
			Discount:      line.Discount,
			Subtotal:      line.Subtotal,
		})
	}
	return items
}

func toCommitResponse(sale *domain.Sale, duplicate bool) domain.CommitSaleResponse {
	return domain.CommitSaleResponse{
		SaleID:        sale.ID,
		Total:         sale.Total,
		Paid:          sale.Paid,
		Change:        sale.Change,
		PaymentMethod: sale.PaymentMethod,
		CashSessionID: sale.CashSessionID,
		Duplicate:     duplicate,
		Quote:         quoteFromSale(sale),
		CreatedAt:     sale.CreatedAt.Format(time.RFC3339),
	}
}

// quoteFromSale rebuilds the priced view of a stored sale for replayed commits.
func quoteFromSale(sale *domain.Sale) domain.Quote {
	lines := make([]domain.PricedLine, 0, len(sale.Items))
	for _, item := range sale.Items {
		gross := item.Subtotal.Add(item.Discount)
		lines = append(lines, domain.PricedLine{
			CartLine: domain.CartLine{
				ProductID:     item.ProductID,
				Quantity:      item.Quantity,
				ListUnitPrice: item.ListUnitPrice,
			},
			UnitPrice:        item.ListUnitPrice,
			Gross:            gross,
			Discount:         item.Discount,
			Subtotal:         item.Subtotal,
			ChargedUnitPrice: item.UnitPrice,
		})
	}
	return domain.Quote{
		Lines:      lines,
		Promotions: sale.Promotions,
		Totals: domain.Totals{
			Gross:    sale.Gross,
			Discount: sale.Discount,
			Net:      sale.Total,
		},
	}
}

func productIDs(lines []domain.CartLineRequest) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func productIDsOf(lines []domain.CartLine) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if event.Actor == "" {
		event.Actor = "system"
	}
	s.audit.Emit(ctx, event)
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	if l := logger.FromContext(ctx); l != zap.L() {
		return l
	}
	return s.log
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer, domain.PaymentQRIS, domain.PaymentEWallet:
		return true
	default:
		return false
	}
}
