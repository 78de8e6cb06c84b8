package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokopos/backend/internal/audit"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

type stockChange struct {
	ProductID int64
	Kind      domain.MovementKind
	Quantity  decimal.Decimal // signed
	SaleID    string
	Note      string
	Actor     string
	At        time.Time
}

// applyStockDelta is the only path that changes stock. The product must
// already be locked by tx; the movement is appended in the same tx.
func applyStockDelta(ctx context.Context, tx store.Tx, change stockChange) (decimal.Decimal, error) {
	next, err := tx.AdjustStock(ctx, change.ProductID, change.Quantity)
	if err != nil {
		return decimal.Zero, err
	}
	err = tx.AppendMovement(ctx, domain.StockMovement{
		ProductID: change.ProductID,
		Kind:      change.Kind,
		Quantity:  change.Quantity,
		SaleID:    change.SaleID,
		Note:      change.Note,
		Actor:     change.Actor,
		CreatedAt: change.At,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

var manualMovementKinds = map[domain.MovementKind]struct{}{
	domain.MovementPurchase:      {},
	domain.MovementAdjustmentPos: {},
	domain.MovementAdjustmentNeg: {},
	domain.MovementReturn:        {},
}

// AdjustStock records a stock movement outside the sale flow: goods received,
// stock count corrections and customer returns.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockAdjustmentResponse, error) {
	actor, err := s.authorize(ctx, ActionAdjustStock)
	if err != nil {
		return domain.StockAdjustmentResponse{}, err
	}
	kind := domain.MovementKind(strings.ToUpper(strings.TrimSpace(string(req.Kind))))
	if _, ok := manualMovementKinds[kind]; !ok {
		return domain.StockAdjustmentResponse{}, domain.ErrInvalidAdjustment.With("unsupported kind %q", req.Kind)
	}
	if req.ProductID <= 0 {
		return domain.StockAdjustmentResponse{}, domain.ErrInvalidAdjustment.With("product id is required")
	}
	if !req.Quantity.IsPositive() {
		return domain.StockAdjustmentResponse{}, domain.ErrInvalidAdjustment.With("quantity must be positive")
	}

	delta := req.Quantity
	if kind.Sign() < 0 {
		delta = delta.Neg()
	}

	var (
		product domain.Product
		next    decimal.Decimal
		at      time.Time
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockProducts(ctx, []int64{req.ProductID})
		if err != nil {
			return err
		}
		product = products[req.ProductID]
		if !product.Weighable && !req.Quantity.IsInteger() {
			return domain.ErrInvalidAdjustment.With("%s is counted per unit", product.Name)
		}
		at = s.clock.Now()
		next, err = applyStockDelta(ctx, tx, stockChange{
			ProductID: product.ID,
			Kind:      kind,
			Quantity:  delta,
			Note:      strings.TrimSpace(req.Note),
			Actor:     actor.Username,
			At:        at,
		})
		return err
	})
	if err != nil {
		return domain.StockAdjustmentResponse{}, err
	}

	s.metrics.StockAdjustments.WithLabelValues(string(kind)).Inc()
	s.emit(ctx, audit.Event{
		Action:     audit.StockAdjusted,
		Actor:      actor.Username,
		EntityType: "product",
		EntityID:   product.Code,
		At:         at,
		Fields: map[string]string{
			"kind":      string(kind),
			"quantity":  delta.String(),
			"stock_qty": next.String(),
		},
	})
	if next.LessThanOrEqual(product.StockMin) {
		s.metrics.LowStockWarnings.Inc()
		s.logger(ctx).Warn("product at or below minimum stock",
			zap.Int64("product_id", product.ID),
			zap.String("stock_qty", next.String()),
		)
	}

	return domain.StockAdjustmentResponse{
		Movement: domain.StockMovement{
			ProductID: product.ID,
			Kind:      kind,
			Quantity:  delta,
			Note:      strings.TrimSpace(req.Note),
			Actor:     actor.Username,
			CreatedAt: at,
		},
		StockQty: next,
	}, nil
}

// ListMovements returns the newest movements of a product first.
func (s *Service) ListMovements(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	if _, err := s.authorize(ctx, ActionViewStock); err != nil {
		return nil, err
	}
	if productID <= 0 {
		return nil, domain.ErrInvalidInput.With("product id is required")
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListMovements(ctx, productID, limit)
}
