package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

// lockTable hands out one single-slot channel per key. Holding the slot is
// holding the row lock. A slot lives only while someone holds or waits on it.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]*lockSlot)}
}

func (l *lockTable) ref(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *lockTable) unref(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	slot := l.ref(key)
	select {
	case slot.ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key, slot)
		return domain.ErrLockTimeout.With("%s", key).Wrap(ctx.Err())
	case <-timer.C:
		l.unref(key, slot)
		return domain.ErrLockTimeout.With("%s", key)
	}
}

func (l *lockTable) release(key string) {
	l.mu.Lock()
	slot := l.slots[key]
	l.mu.Unlock()
	<-slot.ch
	l.unref(key, slot)
}

type memTx struct {
	s    *Store
	held []string
	keys map[string]struct{}

	products  map[int64]domain.Product
	movements []domain.StockMovement
	sales     map[string]*domain.Sale
	sessions  map[string]domain.CashSession
	invoices  map[string][]store.Invoice
}

func newTx(s *Store) *memTx {
	return &memTx{
		s:        s,
		keys:     make(map[string]struct{}),
		products: make(map[int64]domain.Product),
		sales:    make(map[string]*domain.Sale),
		sessions: make(map[string]domain.CashSession),
		invoices: make(map[string][]store.Invoice),
	}
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.keys[key]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.keys[key] = struct{}{}
	t.held = append(t.held, key)
	return nil
}

func (t *memTx) holds(key string) bool {
	_, ok := t.keys[key]
	return ok
}

// release frees locks in reverse acquisition order. Staged writes that were
// not committed are dropped with the tx.
func (t *memTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sale := range t.sales {
		if sale.IdempotencyKey == "" {
			continue
		}
		if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok && existing != sale.ID {
			return domain.ErrDuplicateIdempotency
		}
	}

	for id, p := range t.products {
		s.products[id] = p
	}
	s.movements = append(s.movements, t.movements...)
	for id, sale := range t.sales {
		s.salesByID[id] = cloneSale(sale)
		if sale.IdempotencyKey != "" {
			s.salesByIdem[sale.IdempotencyKey] = id
		}
	}
	for id, session := range t.sessions {
		s.sessionsByID[id] = session.Clone()
	}
	for saleID, invoices := range t.invoices {
		s.invoicesBySale[saleID] = invoices
	}
	return nil
}

func (t *memTx) LockProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	for _, id := range store.CanonicalOrder(ids) {
		if err := t.lock(ctx, productKey(id)); err != nil {
			return nil, err
		}
		if staged, ok := t.products[id]; ok {
			out[id] = staged
			continue
		}
		t.s.mu.RLock()
		p, ok := t.s.products[id]
		t.s.mu.RUnlock()
		if !ok {
			return nil, domain.ErrProductNotFound.With("product %d", id)
		}
		t.products[id] = p
		out[id] = p
	}
	return out, nil
}

func (t *memTx) AdjustStock(_ context.Context, productID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	p, ok := t.products[productID]
	if !ok || !t.holds(productKey(productID)) {
		return decimal.Zero, fmt.Errorf("adjust stock: product %d is not locked", productID)
	}
	next := p.StockQty.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, domain.ErrInsufficientStock.With("product %d", productID)
	}
	p.StockQty = next
	t.products[productID] = p
	return next, nil
}

func (t *memTx) AppendMovement(_ context.Context, movement domain.StockMovement) error {
	if movement.ID == "" {
		movement.ID = newMovementID()
	}
	t.movements = append(t.movements, movement)
	return nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if sale.IdempotencyKey != "" {
		t.s.mu.RLock()
		_, taken := t.s.salesByIdem[sale.IdempotencyKey]
		t.s.mu.RUnlock()
		if taken {
			return domain.ErrDuplicateIdempotency
		}
	}
	t.sales[sale.ID] = cloneSale(&sale)
	return nil
}

func (t *memTx) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	if err := t.lock(ctx, saleKey(id)); err != nil {
		return nil, err
	}
	if staged, ok := t.sales[id]; ok {
		return cloneSale(staged), nil
	}
	t.s.mu.RLock()
	sale, ok := t.s.salesByID[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSaleNotFound.With("sale %s", id)
	}
	staged := cloneSale(sale)
	t.sales[id] = staged
	return cloneSale(staged), nil
}

func (t *memTx) MarkSaleVoid(_ context.Context, id string, info domain.VoidInfo) error {
	sale, ok := t.sales[id]
	if !ok || !t.holds(saleKey(id)) {
		return fmt.Errorf("mark sale void: sale %s is not locked", id)
	}
	if sale.State != domain.SaleEmitted {
		return domain.ErrAlreadyVoid.With("sale %s", id)
	}
	at := info.At
	sale.State = domain.SaleVoid
	sale.VoidedAt = &at
	sale.VoidedBy = info.Actor
	sale.VoidReason = info.Reason
	return nil
}

func (t *memTx) VoidInvoicesForSale(_ context.Context, saleID string, at time.Time) (int, error) {
	current, ok := t.invoices[saleID]
	if !ok {
		t.s.mu.RLock()
		current = append([]store.Invoice(nil), t.s.invoicesBySale[saleID]...)
		t.s.mu.RUnlock()
	}
	flipped := 0
	for i := range current {
		if current[i].Status == domain.InvoiceVoided {
			continue
		}
		current[i].Status = domain.InvoiceVoided
		current[i].UpdatedAt = at
		flipped++
	}
	if len(current) > 0 {
		t.invoices[saleID] = current
	}
	return flipped, nil
}

// LockOpenCashSession holds the session guard for the rest of the tx, then
// locks the open session under its own key.
func (t *memTx) LockOpenCashSession(ctx context.Context) (*domain.CashSession, error) {
	if err := t.lock(ctx, cashSessionKey); err != nil {
		return nil, err
	}
	return t.lockOpenSession(ctx)
}

func (t *memTx) LockCashSessionForSale(ctx context.Context) (*domain.CashSession, error) {
	return t.lockOpenSession(ctx)
}

// lockOpenSession locks the open session under its per-session key. A session
// closed while the lock was awaited does not count as open.
func (t *memTx) lockOpenSession(ctx context.Context) (*domain.CashSession, error) {
	for _, session := range t.sessions {
		if session.IsOpen() {
			out := session.Clone()
			return &out, nil
		}
	}
	for attempt := 0; attempt < 3; attempt++ {
		t.s.mu.RLock()
		committed, ok := t.s.openSessionLocked()
		t.s.mu.RUnlock()
		if !ok {
			return nil, nil
		}
		if _, staged := t.sessions[committed.ID]; staged {
			return nil, nil
		}
		session, err := t.LockCashSession(ctx, committed.ID)
		if err != nil {
			return nil, err
		}
		if session.IsOpen() {
			return session, nil
		}
	}
	return nil, nil
}

func (t *memTx) LockCashSession(ctx context.Context, id string) (*domain.CashSession, error) {
	if err := t.lock(ctx, sessionKey(id)); err != nil {
		return nil, err
	}
	session, ok := t.sessions[id]
	if !ok {
		t.s.mu.RLock()
		session, ok = t.s.sessionsByID[id]
		t.s.mu.RUnlock()
		if !ok {
			return nil, domain.ErrSessionNotFound.With("session %s", id)
		}
		t.sessions[id] = session.Clone()
	}
	out := session.Clone()
	return &out, nil
}

func (t *memTx) InsertCashSession(ctx context.Context, session domain.CashSession) error {
	if !t.holds(cashSessionKey) {
		return fmt.Errorf("insert cash session: session guard is not held")
	}
	if err := t.lock(ctx, sessionKey(session.ID)); err != nil {
		return err
	}
	t.sessions[session.ID] = session.Clone()
	return nil
}

func (t *memTx) SaveCashSessionTotals(_ context.Context, session domain.CashSession) error {
	current, ok := t.sessions[session.ID]
	if !ok || !t.holds(sessionKey(session.ID)) {
		return fmt.Errorf("save cash session totals: session %s is not locked", session.ID)
	}
	current.Totals = session.Clone().Totals
	current.SaleCount = session.SaleCount
	current.ItemCount = session.ItemCount
	current.VoidCount = session.VoidCount
	t.sessions[session.ID] = current
	return nil
}

func (t *memTx) CloseCashSession(_ context.Context, session domain.CashSession) error {
	current, ok := t.sessions[session.ID]
	if !ok || !t.holds(sessionKey(session.ID)) {
		return fmt.Errorf("close cash session: session %s is not locked", session.ID)
	}
	if !current.IsOpen() {
		return domain.ErrAlreadyClosed.With("session %s", session.ID)
	}
	t.sessions[session.ID] = session.Clone()
	return nil
}
