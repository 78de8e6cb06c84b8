package store

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

// Repository is the persistence boundary. Reads outside WithinTx see committed
// state only; every mutation happens through a Tx.
type Repository interface {
	// WithinTx runs fn in one transaction. A nil return commits, anything else
	// rolls back every write fn made.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	ListPromotions(ctx context.Context) ([]domain.PromotionRule, []domain.ComboPromotion, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
	GetOpenCashSession(ctx context.Context) (*domain.CashSession, error)
	GetCashSession(ctx context.Context, id string) (*domain.CashSession, error)
	ListMovements(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is one unit of work. Lock methods block until the lock is granted or the
// lock timeout elapses; locks are held until commit or rollback. Callers take
// locks in the order sale, products (ascending id), cash session.
type Tx interface {
	LockProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	// AdjustStock adds delta to a locked product and returns the new quantity.
	AdjustStock(ctx context.Context, productID int64, delta decimal.Decimal) (decimal.Decimal, error)
	AppendMovement(ctx context.Context, movement domain.StockMovement) error

	InsertSale(ctx context.Context, sale domain.Sale) error
	LockSale(ctx context.Context, id string) (*domain.Sale, error)
	MarkSaleVoid(ctx context.Context, id string, info domain.VoidInfo) error
	// VoidInvoicesForSale flips every linked invoice to voided, stamped at.
	VoidInvoicesForSale(ctx context.Context, saleID string, at time.Time) (int, error)

	// LockOpenCashSession returns nil when no session is open. It also takes
	// the session guard so two opens cannot both pass the "is one open" check.
	LockOpenCashSession(ctx context.Context) (*domain.CashSession, error)
	// LockCashSessionForSale locks only the open session itself, so sales of
	// different products never wait on each other when none is open.
	LockCashSessionForSale(ctx context.Context) (*domain.CashSession, error)
	LockCashSession(ctx context.Context, id string) (*domain.CashSession, error)
	InsertCashSession(ctx context.Context, session domain.CashSession) error
	SaveCashSessionTotals(ctx context.Context, session domain.CashSession) error
	// CloseCashSession closes the session only if it is still open and returns
	// domain.ErrAlreadyClosed otherwise.
	CloseCashSession(ctx context.Context, session domain.CashSession) error
}

// CanonicalOrder returns the distinct ids in ascending order, the order in
// which product locks must be taken.
func CanonicalOrder(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Invoice is the status-only view of an external invoice linked to a sale.
type Invoice struct {
	SaleID    string
	Number    string
	Status    string
	UpdatedAt time.Time
}
