package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for any row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn at READ COMMITTED. Correctness comes from the explicit row
// locks the Tx takes, not from the isolation level.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError("begin", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return mapError("set lock timeout", err)
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const productColumns = `id, code, name, unit_price, cost, stock_qty, stock_min, weighable, sale_unit, active`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.UnitPrice, &p.Cost, &p.StockQty, &p.StockMin, &p.Weighable, &p.SaleUnit, &p.Active)
	return p, err
}

func (s *Store) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	ordered := store.CanonicalOrder(ids)
	if len(ordered) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, ordered)
	if err != nil {
		return nil, mapError("get products", err)
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
		return nil, mapError("get products", err)
	}
	return out, nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]domain.PromotionRule, []domain.ComboPromotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, product_id, kind, n, m, percent, enabled, valid_from, valid_to
		FROM promotion_rules
		WHERE enabled = true
		ORDER BY id
	`)
	if err != nil {
		return nil, nil, mapError("list promotion rules", err)
	}
	defer rows.Close()

	rules := make([]domain.PromotionRule, 0, 16)
	for rows.Next() {
		var (
			rule     domain.PromotionRule
			kind     string
			from, to sql.NullTime
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.ProductID, &kind, &rule.N, &rule.M, &rule.Percent, &rule.Enabled, &from, &to); err != nil {
			return nil, nil, mapError("scan promotion rule", err)
		}
		rule.Kind = domain.PromotionKind(kind)
		rule.ValidFrom = timePtr(from)
		rule.ValidTo = timePtr(to)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, mapError("list promotion rules", err)
	}

	combos, err := s.listCombos(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rules, combos, nil
}

func (s *Store) listCombos(ctx context.Context) ([]domain.ComboPromotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.price, c.enabled, c.valid_from, c.valid_to, i.product_id, i.qty
		FROM combo_promotions c
		LEFT JOIN combo_promotion_items i ON i.combo_id = c.id
		WHERE c.enabled = true
		ORDER BY c.id, i.position
	`)
	if err != nil {
		return nil, mapError("list combos", err)
	}
	defer rows.Close()

	combos := make([]domain.ComboPromotion, 0, 8)
	for rows.Next() {
		var (
			combo     domain.ComboPromotion
			from, to  sql.NullTime
			productID sql.NullInt64
			qty       decimal.NullDecimal
		)
		if err := rows.Scan(&combo.ID, &combo.Name, &combo.Price, &combo.Enabled, &from, &to, &productID, &qty); err != nil {
			return nil, mapError("scan combo", err)
		}
		if n := len(combos); n == 0 || combos[n-1].ID != combo.ID {
			combo.ValidFrom = timePtr(from)
			combo.ValidTo = timePtr(to)
			combos = append(combos, combo)
		}
		if productID.Valid && qty.Valid {
			last := &combos[len(combos)-1]
			last.Items = append(last.Items, domain.ComboItem{ProductID: productID.Int64, Qty: qty.Decimal})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list combos", err)
	}
	return combos, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, "id", id, false)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	if strings.TrimSpace(key) == "" {
		return nil, domain.ErrSaleNotFound
	}
	return loadSale(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) GetOpenCashSession(ctx context.Context) (*domain.CashSession, error) {
	session, err := loadCashSession(ctx, s.db, openSessionFilter, nil, false)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound.With("no open cash session")
	}
	return session, nil
}

func (s *Store) GetCashSession(ctx context.Context, id string) (*domain.CashSession, error) {
	session, err := loadCashSession(ctx, s.db, `WHERE id = $1`, []any{id}, false)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound.With("session %s", id)
	}
	return session, nil
}

func (s *Store) ListMovements(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, mapError("check product", err)
	}
	if !exists {
		return nil, domain.ErrProductNotFound.With("product %d", productID)
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, kind, quantity, COALESCE(sale_id, ''), note, actor, created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, mapError("list movements", err)
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var (
			m    domain.StockMovement
			kind string
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &kind, &m.Quantity, &m.SaleID, &m.Note, &m.Actor, &m.CreatedAt); err != nil {
			return nil, mapError("scan movement", err)
		}
		m.Kind = domain.MovementKind(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list movements", err)
	}
	return movements, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.ErrInvalidInput.With("username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrInvalidInput.With("username already exists")
		}
		return mapError("create user", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, mapError("list users", err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, mapError("scan user", err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list users", err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.ErrInvalidInput.With("username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return mapError("update password", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("update password", err)
	}
	if affected == 0 {
		return domain.ErrNotFound.With("user %s", username)
	}
	return nil
}

const saleColumns = `id, COALESCE(idempotency_key, ''), created_at, actor, payment_method, paid, change_amount,
	gross, discount, total, state, COALESCE(cash_session_id, ''), voided_at, voided_by, void_reason, promotion_ledger`

// column is one of a fixed set of identifiers chosen by the caller, never user input.
func loadSale(ctx context.Context, q queryer, column string, value string, forUpdate bool) (*domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		sale     domain.Sale
		state    string
		voidedAt sql.NullTime
		ledger   []byte
	)
	err := q.QueryRowContext(ctx, query, value).Scan(
		&sale.ID, &sale.IdempotencyKey, &sale.CreatedAt, &sale.Actor, &sale.PaymentMethod, &sale.Paid, &sale.Change,
		&sale.Gross, &sale.Discount, &sale.Total, &state, &sale.CashSessionID, &voidedAt, &sale.VoidedBy, &sale.VoidReason, &ledger,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSaleNotFound.With("sale %s", value)
	}
	if err != nil {
		return nil, mapError("load sale", err)
	}
	sale.State = domain.SaleState(state)
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.VoidedAt = timePtr(voidedAt)
	if len(ledger) > 0 {
		if err := json.Unmarshal(ledger, &sale.Promotions); err != nil {
			return nil, domain.ErrStorage.With("decode promotion ledger").Wrap(err)
		}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT line, product_id, quantity, unit_price, list_unit_price, discount, subtotal
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line
	`, sale.ID)
	if err != nil {
		return nil, mapError("load sale items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.Line, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.ListUnitPrice, &item.Discount, &item.Subtotal); err != nil {
			return nil, mapError("scan sale item", err)
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("load sale items", err)
	}
	return &sale, nil
}

const cashSessionColumns = `id, opening_balance, opened_at, opened_by, closed_at, closed_by,
	sale_count, item_count, void_count, declared, system_balance, difference, notes`

// loadCashSession returns nil, nil when the filter matches nothing.
func loadCashSession(ctx context.Context, q queryer, filter string, args []any, forUpdate bool) (*domain.CashSession, error) {
	query := `SELECT ` + cashSessionColumns + ` FROM cash_sessions ` + filter
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		session                         domain.CashSession
		closedAt                        sql.NullTime
		declared, systemBalance, differ decimal.NullDecimal
	)
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&session.ID, &session.OpeningBalance, &session.OpenedAt, &session.OpenedBy, &closedAt, &session.ClosedBy,
		&session.SaleCount, &session.ItemCount, &session.VoidCount, &declared, &systemBalance, &differ, &session.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("load cash session", err)
	}
	session.OpenedAt = session.OpenedAt.UTC()
	session.ClosedAt = timePtr(closedAt)
	session.Declared = decimalPtr(declared)
	session.SystemBalance = decimalPtr(systemBalance)
	session.Difference = decimalPtr(differ)

	rows, err := q.QueryContext(ctx, `SELECT method, amount FROM cash_session_totals WHERE session_id = $1`, session.ID)
	if err != nil {
		return nil, mapError("load session totals", err)
	}
	defer rows.Close()

	session.Totals = make(map[string]decimal.Decimal, 4)
	for rows.Next() {
		var (
			method string
			amount decimal.Decimal
		)
		if err := rows.Scan(&method, &amount); err != nil {
			return nil, mapError("scan session total", err)
		}
		session.Totals[method] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("load session totals", err)
	}
	return &session, nil
}

// mapError turns driver failures into domain errors. Lock and statement
// timeouts surface as ErrLockTimeout so callers can retry.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "57014":
			return domain.ErrLockTimeout.With("%s", op).Wrap(err)
		case "40P01":
			return domain.ErrLockTimeout.With("%s: deadlock detected", op).Wrap(err)
		case "23505":
			switch pgErr.ConstraintName {
			case "sales_idempotency_key_key":
				return domain.ErrDuplicateIdempotency.Wrap(err)
			case "cash_sessions_one_open":
				return domain.ErrAlreadyOpen.Wrap(err)
			}
		case "23514":
			if pgErr.ConstraintName == "products_stock_qty_check" {
				return domain.ErrInsufficientStock.Wrap(err)
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.ErrLockTimeout.With("%s", op).Wrap(err)
	}
	return domain.ErrStorage.With("%s", op).Wrap(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func decimalPtr(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}
