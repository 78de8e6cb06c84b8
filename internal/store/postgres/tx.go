package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

// cashSessionLockKey is the advisory lock held while opening or closing the
// open session. It covers the "is one open" check that row locks cannot.
const cashSessionLockKey int64 = 0x746f6b6f_63617368

const openSessionFilter = `WHERE closed_at IS NULL ORDER BY opened_at DESC LIMIT 1`

type pgTx struct {
	tx            *sql.Tx
	sessionLocked bool
}

func (t *pgTx) lockSessions(ctx context.Context) error {
	if t.sessionLocked {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, cashSessionLockKey); err != nil {
		return mapError("lock cash sessions", err)
	}
	t.sessionLocked = true
	return nil
}

func (t *pgTx) LockProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	ordered := store.CanonicalOrder(ids)
	out := make(map[int64]domain.Product, len(ordered))
	if len(ordered) == 0 {
		return out, nil
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ordered)
	if err != nil {
		return nil, mapError("lock products", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, mapError("scan product", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("lock products", err)
	}
	for _, id := range ordered {
		if _, ok := out[id]; !ok {
			return nil, domain.ErrProductNotFound.With("product %d", id)
		}
	}
	return out, nil
}

func (t *pgTx) AdjustStock(ctx context.Context, productID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var next decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty + $2, updated_at = now()
		WHERE id = $1 AND stock_qty + $2 >= 0
		RETURNING stock_qty
	`, productID, delta).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, domain.ErrInsufficientStock.With("product %d", productID)
	}
	if err != nil {
		return decimal.Zero, mapError("adjust stock", err)
	}
	return next, nil
}

func (t *pgTx) AppendMovement(ctx context.Context, movement domain.StockMovement) error {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, kind, quantity, sale_id, note, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.ProductID, string(movement.Kind), movement.Quantity,
		nullIfEmpty(movement.SaleID), movement.Note, movement.Actor, movement.CreatedAt)
	return mapError("append movement", err)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	promotions := sale.Promotions
	if promotions == nil {
		promotions = []domain.PromotionApplication{}
	}
	ledger, err := json.Marshal(promotions)
	if err != nil {
		return domain.ErrStorage.With("encode promotion ledger").Wrap(err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, idempotency_key, created_at, actor, payment_method, paid, change_amount,
			gross, discount, total, state, cash_session_id, promotion_ledger
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sale.ID, nullIfEmpty(sale.IdempotencyKey), sale.CreatedAt, sale.Actor, sale.PaymentMethod, sale.Paid, sale.Change,
		sale.Gross, sale.Discount, sale.Total, string(sale.State), nullIfEmpty(sale.CashSessionID), string(ledger))
	if err != nil {
		return mapError("insert sale", err)
	}

	for _, item := range sale.Items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line, product_id, quantity, unit_price, list_unit_price, discount, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, sale.ID, item.Line, item.ProductID, item.Quantity, item.UnitPrice, item.ListUnitPrice, item.Discount, item.Subtotal); err != nil {
			return mapError("insert sale item", err)
		}
	}
	return nil
}

func (t *pgTx) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, "id", id, true)
}

func (t *pgTx) MarkSaleVoid(ctx context.Context, id string, info domain.VoidInfo) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET state = $2, voided_at = $3, voided_by = $4, void_reason = $5
		WHERE id = $1 AND state = $6
	`, id, string(domain.SaleVoid), info.At, info.Actor, info.Reason, string(domain.SaleEmitted))
	if err != nil {
		return mapError("mark sale void", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("mark sale void", err)
	}
	if affected == 0 {
		return domain.ErrAlreadyVoid.With("sale %s", id)
	}
	return nil
}

func (t *pgTx) VoidInvoicesForSale(ctx context.Context, saleID string, at time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices
		SET status = $2, updated_at = $3
		WHERE sale_id = $1 AND status <> $2
	`, saleID, domain.InvoiceVoided, at)
	if err != nil {
		return 0, mapError("void invoices", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, mapError("void invoices", err)
	}
	return int(affected), nil
}

func (t *pgTx) LockOpenCashSession(ctx context.Context) (*domain.CashSession, error) {
	if err := t.lockSessions(ctx); err != nil {
		return nil, err
	}
	return loadCashSession(ctx, t.tx, openSessionFilter, nil, true)
}

// LockCashSessionForSale takes the open session's row lock only. A session
// closed while the lock was awaited no longer matches and reads as none.
func (t *pgTx) LockCashSessionForSale(ctx context.Context) (*domain.CashSession, error) {
	return loadCashSession(ctx, t.tx, openSessionFilter, nil, true)
}

func (t *pgTx) LockCashSession(ctx context.Context, id string) (*domain.CashSession, error) {
	session, err := loadCashSession(ctx, t.tx, `WHERE id = $1`, []any{id}, true)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound.With("session %s", id)
	}
	return session, nil
}

func (t *pgTx) InsertCashSession(ctx context.Context, session domain.CashSession) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, opening_balance, opened_at, opened_by, notes)
		VALUES ($1,$2,$3,$4,$5)
	`, session.ID, session.OpeningBalance, session.OpenedAt, session.OpenedBy, session.Notes)
	if err != nil {
		return mapError("insert cash session", err)
	}
	return t.saveTotals(ctx, session)
}

func (t *pgTx) SaveCashSessionTotals(ctx context.Context, session domain.CashSession) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET sale_count = $2, item_count = $3, void_count = $4
		WHERE id = $1
	`, session.ID, session.SaleCount, session.ItemCount, session.VoidCount)
	if err != nil {
		return mapError("save session totals", err)
	}
	return t.saveTotals(ctx, session)
}

func (t *pgTx) CloseCashSession(ctx context.Context, session domain.CashSession) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET closed_at = $2, closed_by = $3, declared = $4, system_balance = $5, difference = $6,
			notes = $7, sale_count = $8, item_count = $9, void_count = $10
		WHERE id = $1 AND closed_at IS NULL
	`, session.ID, nullTime(session.ClosedAt), session.ClosedBy, nullDecimal(session.Declared),
		nullDecimal(session.SystemBalance), nullDecimal(session.Difference), session.Notes,
		session.SaleCount, session.ItemCount, session.VoidCount)
	if err != nil {
		return mapError("close cash session", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("close cash session", err)
	}
	if affected == 0 {
		return domain.ErrAlreadyClosed.With("session %s", session.ID)
	}
	return t.saveTotals(ctx, session)
}

func (t *pgTx) saveTotals(ctx context.Context, session domain.CashSession) error {
	for method, amount := range session.Totals {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO cash_session_totals (session_id, method, amount)
			VALUES ($1,$2,$3)
			ON CONFLICT (session_id, method)
			DO UPDATE SET amount = EXCLUDED.amount
		`, session.ID, method, amount); err != nil {
			return mapError("save session total", err)
		}
	}
	return nil
}
