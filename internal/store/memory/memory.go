package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

const defaultLockTimeout = 5 * time.Second

// Store keeps everything in process memory. Row locks are per-key semaphores
// held for the life of a transaction; transactional writes are staged and only
// published, under mu, when the transaction commits.
type Store struct {
	mu              sync.RWMutex
	products        map[int64]domain.Product
	rules           map[int64]domain.PromotionRule
	combos          map[int64]domain.ComboPromotion
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]string
	movements       []domain.StockMovement
	sessionsByID    map[string]domain.CashSession
	invoicesBySale  map[string][]store.Invoice
	usersByUsername map[string]domain.UserAccount

	locks       *lockTable
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		products:        make(map[int64]domain.Product),
		rules:           make(map[int64]domain.PromotionRule),
		combos:          make(map[int64]domain.ComboPromotion),
		salesByID:       make(map[string]*domain.Sale),
		salesByIdem:     make(map[string]string),
		movements:       make([]domain.StockMovement, 0, 128),
		sessionsByID:    make(map[string]domain.CashSession),
		invoicesBySale:  make(map[string][]store.Invoice),
		usersByUsername: make(map[string]domain.UserAccount),
		locks:           newLockTable(),
		lockTimeout:     defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD, with dev defaults when unset.
func seedUsers() map[string]domain.UserAccount {
	seeds := []struct {
		username string
		env      string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"manager", "SEED_MANAGER_PASSWORD", "manager123", domain.RoleManager},
		{"cashier", "SEED_CASHIER_PASSWORD", "cashier123", domain.RoleCashier},
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range seeds {
		if os.Getenv(u.env) == "" {
			zap.L().Warn("memory store using default dev credential", zap.String("username", u.username), zap.String("env", u.env))
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(envOr(u.env, u.fallback)), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Error("hash seed password", zap.String("username", u.username), zap.Error(err))
			continue
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small demo catalog, promotions and users.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	d := decimal.RequireFromString

	products := []domain.Product{
		{ID: 1, Code: "MIE-01", Name: "Mie Goreng Instan", UnitPrice: d("3500"), Cost: d("2700"), StockQty: d("120"), StockMin: d("24"), SaleUnit: "pcs", Active: true},
		{ID: 2, Code: "TELUR-01", Name: "Telur 10 Butir", UnitPrice: d("26500"), Cost: d("23000"), StockQty: d("40"), StockMin: d("10"), SaleUnit: "pack", Active: true},
		{ID: 3, Code: "SUSU-01", Name: "Susu UHT 1L", UnitPrice: d("18900"), Cost: d("13600"), StockQty: d("60"), StockMin: d("12"), SaleUnit: "pcs", Active: true},
		{ID: 4, Code: "ROTI-01", Name: "Roti Tawar", UnitPrice: d("17800"), Cost: d("12500"), StockQty: d("30"), StockMin: d("6"), SaleUnit: "pcs", Active: true},
		{ID: 5, Code: "KOPI-01", Name: "Kopi Sachet", UnitPrice: d("2600"), Cost: d("1700"), StockQty: d("200"), StockMin: d("40"), SaleUnit: "pcs", Active: true},
		{ID: 6, Code: "GULA-CURAH", Name: "Gula Pasir Curah", UnitPrice: d("17400"), Cost: d("15300"), StockQty: d("50"), StockMin: d("5"), Weighable: true, SaleUnit: "kg", Active: true},
		{ID: 7, Code: "AIR-01", Name: "Air Mineral 600ml", UnitPrice: d("3900"), Cost: d("3200"), StockQty: d("144"), StockMin: d("24"), SaleUnit: "pcs", Active: true},
		{ID: 8, Code: "SABUN-01", Name: "Sabun Mandi", UnitPrice: d("7400"), Cost: d("5000"), StockQty: d("48"), StockMin: d("12"), SaleUnit: "pcs", Active: false},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}

	s.rules[1] = domain.PromotionRule{ID: 1, Name: "Kopi beli 3 bayar 2", ProductID: 5, Kind: domain.PromotionNPayM, N: 3, M: 2, Enabled: true}
	s.rules[2] = domain.PromotionRule{ID: 2, Name: "Mie kedua diskon 50%", ProductID: 1, Kind: domain.PromotionNthPercent, N: 2, Percent: d("50"), Enabled: true}
	s.combos[1] = domain.ComboPromotion{
		ID:      1,
		Name:    "Paket Sarapan",
		Price:   d("33000"),
		Enabled: true,
		Items: []domain.ComboItem{
			{ProductID: 4, Qty: d("1")},
			{ProductID: 3, Qty: d("1")},
		},
	}

	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := newTx(s)
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) GetProducts(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) ListPromotions(_ context.Context) ([]domain.PromotionRule, []domain.ComboPromotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]domain.PromotionRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Enabled {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	combos := make([]domain.ComboPromotion, 0, len(s.combos))
	for _, combo := range s.combos {
		if combo.Enabled {
			combo.Items = append([]domain.ComboItem(nil), combo.Items...)
			combos = append(combos, combo)
		}
	}
	sort.Slice(combos, func(i, j int) bool { return combos[i].ID < combos[j].ID })
	return rules, combos, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, domain.ErrSaleNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, domain.ErrSaleNotFound
	}
	return cloneSale(s.salesByID[id]), nil
}

func (s *Store) GetOpenCashSession(_ context.Context) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if open, ok := s.openSessionLocked(); ok {
		out := open.Clone()
		return &out, nil
	}
	return nil, domain.ErrSessionNotFound
}

func (s *Store) GetCashSession(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := session.Clone()
	return &out, nil
}

func (s *Store) ListMovements(_ context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, domain.ErrProductNotFound
	}
	out := make([]domain.StockMovement, 0)
	for i := len(s.movements) - 1; i >= 0; i-- {
		if s.movements[i].ProductID != productID {
			continue
		}
		out = append(out, s.movements[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.ErrInvalidInput.With("username and password are required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return domain.ErrInvalidInput.With("username already exists")
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.ErrInvalidInput.With("username and password are required")
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return domain.ErrNotFound.With("user %s", username)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// Catalog maintenance helpers. Product and promotion editing is done by the
// back office; these exist for seeding and tests.

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	s.products[p.ID] = p
	s.mu.Unlock()
}

func (s *Store) PutPromotionRule(rule domain.PromotionRule) {
	s.mu.Lock()
	s.rules[rule.ID] = rule
	s.mu.Unlock()
}

func (s *Store) PutComboPromotion(combo domain.ComboPromotion) {
	s.mu.Lock()
	combo.Items = append([]domain.ComboItem(nil), combo.Items...)
	s.combos[combo.ID] = combo
	s.mu.Unlock()
}

// AttachInvoice links an issued invoice to a sale.
func (s *Store) AttachInvoice(saleID string, number string) {
	s.mu.Lock()
	s.invoicesBySale[saleID] = append(s.invoicesBySale[saleID], store.Invoice{
		SaleID:    saleID,
		Number:    number,
		Status:    domain.InvoiceIssued,
		UpdatedAt: time.Now().UTC(),
	})
	s.mu.Unlock()
}

func (s *Store) Invoices(saleID string) []store.Invoice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Invoice(nil), s.invoicesBySale[saleID]...)
}

func (s *Store) SaleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.salesByID)
}

func (s *Store) openSessionLocked() (domain.CashSession, bool) {
	var (
		open  domain.CashSession
		found bool
	)
	for _, session := range s.sessionsByID {
		if !session.IsOpen() {
			continue
		}
		if !found || session.OpenedAt.After(open.OpenedAt) {
			open, found = session, true
		}
	}
	return open, found
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	out := *src
	out.Items = append([]domain.SaleItem(nil), src.Items...)
	out.Promotions = make([]domain.PromotionApplication, len(src.Promotions))
	for i, p := range src.Promotions {
		p.Lines = append([]domain.LineDiscount(nil), p.Lines...)
		out.Promotions[i] = p
	}
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		out.VoidedAt = &at
	}
	return &out
}

func newMovementID() string {
	return xid.New("mov")
}

func productKey(id int64) string {
	return fmt.Sprintf("product:%d", id)
}

func saleKey(id string) string {
	return "sale:" + id
}

// cashSessionKey guards opening a session and the "is one open" check. Sales
// only take the per-session key.
const cashSessionKey = "cash_session"

func sessionKey(id string) string {
	return cashSessionKey + ":" + id
}
