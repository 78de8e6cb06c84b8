package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(opts...)
	s.PutProduct(domain.Product{ID: 1, Code: "A", Name: "A", UnitPrice: decimal.NewFromInt(100), StockQty: decimal.NewFromInt(10), Active: true})
	s.PutProduct(domain.Product{ID: 2, Code: "B", Name: "B", UnitPrice: decimal.NewFromInt(50), StockQty: decimal.NewFromInt(5), Active: true})
	return s
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockProducts(ctx, []int64{1}); err != nil {
			return err
		}
		if _, err := tx.AdjustStock(ctx, 1, decimal.NewFromInt(-4)); err != nil {
			return err
		}
		if err := tx.AppendMovement(ctx, domain.StockMovement{ProductID: 1, Kind: domain.MovementSale, Quantity: decimal.NewFromInt(-4)}); err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, domain.Sale{ID: "sale-x", State: domain.SaleEmitted}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	products, err := s.GetProducts(ctx, []int64{1})
	require.NoError(t, err)
	assert.True(t, products[1].StockQty.Equal(decimal.NewFromInt(10)))
	movements, err := s.ListMovements(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, movements)
	_, err = s.FindSaleByID(ctx, "sale-x")
	assert.ErrorIs(t, err, domain.ErrSaleNotFound)
}

func TestCommitPublishesWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockProducts(ctx, []int64{2, 1}); err != nil {
			return err
		}
		qty, err := tx.AdjustStock(ctx, 2, decimal.NewFromInt(-2))
		if err != nil {
			return err
		}
		assert.True(t, qty.Equal(decimal.NewFromInt(3)))
		return tx.AppendMovement(ctx, domain.StockMovement{ProductID: 2, Kind: domain.MovementSale, Quantity: decimal.NewFromInt(-2)})
	})
	require.NoError(t, err)

	products, err := s.GetProducts(ctx, []int64{2})
	require.NoError(t, err)
	assert.True(t, products[2].StockQty.Equal(decimal.NewFromInt(3)))
	movements, err := s.ListMovements(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.NotEmpty(t, movements[0].ID)
}

func TestAdjustStockRejectsNegativeResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockProducts(ctx, []int64{2}); err != nil {
			return err
		}
		_, err := tx.AdjustStock(ctx, 2, decimal.NewFromInt(-6))
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
}

func TestAdjustStockRequiresLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustStock(ctx, 1, decimal.NewFromInt(1))
		return err
	})
	assert.Error(t, err)
}

func TestLockWaitTimesOut(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(50*time.Millisecond))
	ctx := context.Background()

	holding := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(tx store.Tx) error {
			if _, err := tx.LockProducts(ctx, []int64{1}); err != nil {
				return err
			}
			close(holding)
			<-finish
			return nil
		})
	}()
	<-holding

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockProducts(ctx, []int64{1})
		return err
	})
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))

	close(finish)
	require.NoError(t, <-done)

	// Released locks can be taken again.
	err = s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockProducts(ctx, []int64{1})
		return err
	})
	assert.NoError(t, err)
}

func TestLockWaitHonoursContext(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(time.Minute))

	holding := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(context.Background(), func(tx store.Tx) error {
			if _, err := tx.LockProducts(context.Background(), []int64{1}); err != nil {
				return err
			}
			close(holding)
			<-finish
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockProducts(ctx, []int64{1})
		return err
	})
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(finish)
	require.NoError(t, <-done)
}

func TestDuplicateIdempotencyKeyIsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insert := func(id string) error {
		return s.WithinTx(ctx, func(tx store.Tx) error {
			return tx.InsertSale(ctx, domain.Sale{ID: id, IdempotencyKey: "key-1", State: domain.SaleEmitted})
		})
	}
	require.NoError(t, insert("sale-1"))
	assert.ErrorIs(t, insert("sale-2"), domain.ErrDuplicateIdempotency)

	sale, err := s.FindSaleByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "sale-1", sale.ID)
}

func TestCloseCashSessionTwiceFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	opened := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		open, err := tx.LockOpenCashSession(ctx)
		require.NoError(t, err)
		require.Nil(t, open)
		return tx.InsertCashSession(ctx, domain.CashSession{ID: "cs-1", OpenedAt: opened, Totals: map[string]decimal.Decimal{}})
	}))

	closeIt := func() error {
		return s.WithinTx(ctx, func(tx store.Tx) error {
			session, err := tx.LockCashSession(ctx, "cs-1")
			if err != nil {
				return err
			}
			closedAt := opened.Add(8 * time.Hour)
			session.ClosedAt = &closedAt
			return tx.CloseCashSession(ctx, *session)
		})
	}
	require.NoError(t, closeIt())
	assert.ErrorIs(t, closeIt(), domain.ErrAlreadyClosed)

	_, err := s.GetOpenCashSession(ctx)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestVoidInvoicesFlipsStatusOnCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.AttachInvoice("sale-1", "INV-001")

	voidedAt := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		n, err := tx.VoidInvoicesForSale(ctx, "sale-1", voidedAt)
		assert.Equal(t, 1, n)
		return err
	}))

	invoices := s.Invoices("sale-1")
	require.Len(t, invoices, 1)
	assert.Equal(t, domain.InvoiceVoided, invoices[0].Status)
	assert.True(t, invoices[0].UpdatedAt.Equal(voidedAt))
}

func TestSaleSessionLockIgnoresOtherProducts(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(100*time.Millisecond))
	ctx := context.Background()

	sell := func(productID int64) func(tx store.Tx) error {
		return func(tx store.Tx) error {
			if _, err := tx.LockProducts(ctx, []int64{productID}); err != nil {
				return err
			}
			session, err := tx.LockCashSessionForSale(ctx)
			assert.Nil(t, session)
			return err
		}
	}

	holding := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(tx store.Tx) error {
			if err := sell(1)(tx); err != nil {
				return err
			}
			close(holding)
			<-finish
			return nil
		})
	}()
	<-holding

	err := s.WithinTx(ctx, sell(2))
	close(finish)
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestSaleWaitingOnClosingSessionSeesNoSession(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(time.Second))
	ctx := context.Background()
	opened := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockOpenCashSession(ctx); err != nil {
			return err
		}
		return tx.InsertCashSession(ctx, domain.CashSession{ID: "cs-1", OpenedAt: opened, Totals: map[string]decimal.Decimal{}})
	}))

	holding := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(tx store.Tx) error {
			session, err := tx.LockOpenCashSession(ctx)
			if err != nil {
				return err
			}
			close(holding)
			<-finish
			closedAt := opened.Add(8 * time.Hour)
			session.ClosedAt = &closedAt
			return tx.CloseCashSession(ctx, *session)
		})
	}()
	<-holding

	result := make(chan *domain.CashSession, 1)
	go func() {
		_ = s.WithinTx(ctx, func(tx store.Tx) error {
			session, err := tx.LockCashSessionForSale(ctx)
			result <- session
			return err
		})
	}()
	time.Sleep(20 * time.Millisecond)
	close(finish)
	require.NoError(t, <-done)
	assert.Nil(t, <-result)
}

func TestLockSlotsAreFreedAfterRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockSale(ctx, "sale-missing")
		return err
	})
	require.ErrorIs(t, err, domain.ErrSaleNotFound)
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockProducts(ctx, []int64{1, 2})
		return err
	}))

	s.locks.mu.Lock()
	defer s.locks.mu.Unlock()
	assert.Empty(t, s.locks.slots)
}

func TestTimedOutWaiterDoesNotLeakSlot(t *testing.T) {
	s := newTestStore(t, WithLockTimeout(30*time.Millisecond))
	ctx := context.Background()

	holding := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(tx store.Tx) error {
			if _, err := tx.LockProducts(ctx, []int64{1}); err != nil {
				return err
			}
			close(holding)
			<-finish
			return nil
		})
	}()
	<-holding

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockProducts(ctx, []int64{1})
		return err
	})
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	close(finish)
	require.NoError(t, <-done)

	s.locks.mu.Lock()
	defer s.locks.mu.Unlock()
	assert.Empty(t, s.locks.slots)
}

func TestSeededStoreHasCatalog(t *testing.T) {
	s := NewSeeded()
	rules, combos, err := s.ListPromotions(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
	assert.NotEmpty(t, combos)

	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "admin", users[0].Username)
	assert.Equal(t, domain.RoleManager, users[2].Role)
}
