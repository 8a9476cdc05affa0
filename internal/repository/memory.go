package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/model"
)

// MemoryStore хранит данные в памяти процесса.
//
// Транзакция берёт блокировки на отдельные записи и копит изменения у себя.
// Изменения видны другим только после успешного завершения функции, переданной в InTx.
type MemoryStore struct {
	mu    sync.RWMutex
	locks *lockTable

	products map[uuid.UUID]*model.Product
	orders   map[uuid.UUID]*model.Order
	accounts map[uuid.UUID]*model.CreditAccount
	bills    map[uuid.UUID]*model.Bill
	payments []*model.Payment
	requests map[uuid.UUID]*model.OrderRequestEntry
	sessions map[uuid.UUID]*model.PaymentSession
	stale    []*model.StaleCallback
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    newLockTable(),
		products: make(map[uuid.UUID]*model.Product),
		orders:   make(map[uuid.UUID]*model.Order),
		accounts: make(map[uuid.UUID]*model.CreditAccount),
		bills:    make(map[uuid.UUID]*model.Bill),
		requests: make(map[uuid.UUID]*model.OrderRequestEntry),
		sessions: make(map[uuid.UUID]*model.PaymentSession),
	}
}

// Close ничего не делает, метод нужен для совместимости с Store.
func (s *MemoryStore) Close() error {
	return nil
}

// InTx выполняет fn в транзакции. При ошибке накопленные изменения отбрасываются.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		store:    s,
		held:     make(map[string]func()),
		orders:   make(map[uuid.UUID]*model.Order),
		accounts: make(map[uuid.UUID]*model.CreditAccount),
		bills:    make(map[uuid.UUID]*model.Bill),
		requests: make(map[uuid.UUID]*model.OrderRequestEntry),
		sessions: make(map[uuid.UUID]*model.PaymentSession),
	}
	defer tx.releaseAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, o := range tx.orders {
		s.orders[id] = o
	}
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for id, b := range tx.bills {
		s.bills[id] = b
	}
	for id, r := range tx.requests {
		s.requests[id] = r
	}
	for id, ps := range tx.sessions {
		s.sessions[id] = ps
	}
	s.payments = append(s.payments, tx.payments...)
	s.stale = append(s.stale, tx.stale...)
}

// SaveProduct добавляет или заменяет товар каталога.
func (s *MemoryStore) SaveProduct(_ context.Context, p *model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.products[p.ID] = &cp
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	return cloneOrder(o), nil
}

// GetOrderByNumber возвращает заказ по его номеру.
func (s *MemoryStore) GetOrderByNumber(_ context.Context, number string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.Number == number {
			return cloneOrder(o), nil
		}
	}
	return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, number)
}

// ListOrders возвращает заказы, новые первыми.
func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.Order
	for _, o := range s.orders {
		if f.CustomerID != nil && o.CustomerID != *f.CustomerID {
			continue
		}
		if f.Status != "" && o.Status() != f.Status {
			continue
		}
		res = append(res, *cloneOrder(o))
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

// GetCreditAccount возвращает кредитный счёт покупателя.
func (s *MemoryStore) GetCreditAccount(_ context.Context, customerID uuid.UUID) (*model.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[customerID]
	if !ok {
		return nil, fmt.Errorf("%w: credit account of %s", model.ErrNotFound, customerID)
	}
	cp := *a
	return &cp, nil
}

// ListBills возвращает все счета покупателя по сроку оплаты.
func (s *MemoryStore) ListBills(_ context.Context, customerID uuid.UUID) ([]model.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.Bill
	for _, b := range s.bills {
		if b.CustomerID == customerID {
			res = append(res, *b)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].DueDate.Before(res[j].DueDate)
	})
	return res, nil
}

// ListPayments возвращает платежи покупателя, новые первыми.
func (s *MemoryStore) ListPayments(_ context.Context, customerID uuid.UUID) ([]model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.Payment
	for i := len(s.payments) - 1; i >= 0; i-- {
		if p := s.payments[i]; p.CustomerID == customerID {
			res = append(res, *clonePayment(p))
		}
	}
	return res, nil
}

// GetOrderRequest возвращает запрос сверх лимита.
func (s *MemoryStore) GetOrderRequest(_ context.Context, id uuid.UUID) (*model.OrderRequestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: order request %s", model.ErrNotFound, id)
	}
	return cloneRequest(r), nil
}

// ListOrderRequests возвращает запросы, старые первыми.
func (s *MemoryStore) ListOrderRequests(_ context.Context, f RequestFilter) ([]model.OrderRequestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.OrderRequestEntry
	for _, r := range s.requests {
		if f.CustomerID != nil && r.CustomerID != *f.CustomerID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		res = append(res, *cloneRequest(r))
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// GetSession возвращает платёжную сессию.
func (s *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*model.PaymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment session %s", model.ErrNotFound, id)
	}
	cp := *ps
	return &cp, nil
}

// ExpiredSessions возвращает зависшие активные сессии.
func (s *MemoryStore) ExpiredSessions(_ context.Context, before time.Time) ([]model.PaymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.PaymentSession
	for _, ps := range s.sessions {
		if ps.State.IsActive() && !ps.IsSuperseded() && ps.UpdatedAt.Before(before) {
			res = append(res, *ps)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.Before(res[j].UpdatedAt)
	})
	return res, nil
}

// ListStaleCallbacks возвращает проигнорированные ответы шлюза по заказу.
func (s *MemoryStore) ListStaleCallbacks(_ context.Context, orderID uuid.UUID) ([]model.StaleCallback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.StaleCallback
	for _, cb := range s.stale {
		if cb.OrderID == orderID {
			res = append(res, *cb)
		}
	}
	return res, nil
}

// memTx накапливает изменения транзакции поверх зафиксированных данных.
type memTx struct {
	store *MemoryStore
	held  map[string]func()

	orders   map[uuid.UUID]*model.Order
	accounts map[uuid.UUID]*model.CreditAccount
	bills    map[uuid.UUID]*model.Bill
	requests map[uuid.UUID]*model.OrderRequestEntry
	sessions map[uuid.UUID]*model.PaymentSession
	payments []*model.Payment
	stale    []*model.StaleCallback
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	release, err := tx.store.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	tx.held[key] = release
	return nil
}

func (tx *memTx) releaseAll() {
	for key, release := range tx.held {
		release()
		delete(tx.held, key)
	}
}

func (tx *memTx) order(id uuid.UUID) (*model.Order, bool) {
	if o, ok := tx.orders[id]; ok {
		return o, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	o, ok := tx.store.orders[id]
	if !ok {
		return nil, false
	}
	return cloneOrder(o), true
}

func (tx *memTx) GetProduct(_ context.Context, id uuid.UUID) (*model.Product, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	p, ok := tx.store.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (tx *memTx) InsertOrder(ctx context.Context, order *model.Order) error {
	if err := tx.lock(ctx, "order:"+order.ID.String()); err != nil {
		return err
	}
	if _, ok := tx.order(order.ID); ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	// Блокировка номера до конца транзакции не даёт двум транзакциям вставить один номер.
	if err := tx.lock(ctx, "order-number:"+order.Number); err != nil {
		return err
	}

	tx.store.mu.RLock()
	for _, o := range tx.store.orders {
		if o.Number == order.Number {
			tx.store.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, order.Number)
		}
	}
	tx.store.mu.RUnlock()

	tx.orders[order.ID] = cloneOrder(order)
	return nil
}

func (tx *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	if err := tx.lock(ctx, "order:"+id.String()); err != nil {
		return nil, err
	}
	o, ok := tx.order(id)
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	return cloneOrder(o), nil
}

func (tx *memTx) UpdateOrder(_ context.Context, order *model.Order) error {
	staged, ok := tx.order(order.ID)
	if !ok {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, order.ID)
	}
	staged.PaymentStatus = order.PaymentStatus
	staged.CreditDueDate = order.CreditDueDate
	tx.orders[order.ID] = staged
	return nil
}

func (tx *memTx) AppendStatus(_ context.Context, orderID uuid.UUID, change model.StatusChange) error {
	staged, ok := tx.order(orderID)
	if !ok {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	staged.History = append(staged.History, change)
	tx.orders[orderID] = staged
	return nil
}

func (tx *memTx) LockCreditAccount(ctx context.Context, customerID uuid.UUID) (*model.CreditAccount, error) {
	if err := tx.lock(ctx, "account:"+customerID.String()); err != nil {
		return nil, err
	}
	if a, ok := tx.accounts[customerID]; ok {
		cp := *a
		return &cp, nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	a, ok := tx.store.accounts[customerID]
	if !ok {
		return nil, fmt.Errorf("%w: credit account of %s", model.ErrNotFound, customerID)
	}
	cp := *a
	return &cp, nil
}

func (tx *memTx) SaveCreditAccount(_ context.Context, acc *model.CreditAccount) error {
	cp := *acc
	tx.accounts[acc.CustomerID] = &cp
	return nil
}

func (tx *memTx) OpenBills(_ context.Context, customerID uuid.UUID) ([]*model.Bill, error) {
	merged := make(map[uuid.UUID]model.Bill)

	tx.store.mu.RLock()
	for id, b := range tx.store.bills {
		if b.CustomerID == customerID {
			merged[id] = *b
		}
	}
	tx.store.mu.RUnlock()

	for id, b := range tx.bills {
		if b.CustomerID == customerID {
			merged[id] = *b
		}
	}

	var res []*model.Bill
	for _, b := range merged {
		if b.IsOpen() {
			b := b
			res = append(res, &b)
		}
	}
	return res, nil
}

func (tx *memTx) BillByOrder(_ context.Context, orderID uuid.UUID) (*model.Bill, error) {
	for _, b := range tx.bills {
		if b.OrderID == orderID {
			cp := *b
			return &cp, nil
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, b := range tx.store.bills {
		if b.OrderID == orderID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: bill for order %s", model.ErrNotFound, orderID)
}

func (tx *memTx) InsertBill(_ context.Context, bill *model.Bill) error {
	cp := *bill
	tx.bills[bill.ID] = &cp
	return nil
}

func (tx *memTx) UpdateBill(_ context.Context, bill *model.Bill) error {
	cp := *bill
	tx.bills[bill.ID] = &cp
	return nil
}

func (tx *memTx) InsertPayment(_ context.Context, p *model.Payment) error {
	tx.payments = append(tx.payments, clonePayment(p))
	return nil
}

func (tx *memTx) InsertOrderRequest(_ context.Context, entry *model.OrderRequestEntry) error {
	tx.requests[entry.ID] = cloneRequest(entry)
	return nil
}

func (tx *memTx) request(id uuid.UUID) (*model.OrderRequestEntry, bool) {
	if r, ok := tx.requests[id]; ok {
		return r, true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	r, ok := tx.store.requests[id]
	if !ok {
		return nil, false
	}
	return cloneRequest(r), true
}

func (tx *memTx) LockOrderRequest(ctx context.Context, id uuid.UUID) (*model.OrderRequestEntry, error) {
	if err := tx.lock(ctx, "request:"+id.String()); err != nil {
		return nil, err
	}
	r, ok := tx.request(id)
	if !ok {
		return nil, fmt.Errorf("%w: order request %s", model.ErrNotFound, id)
	}
	return cloneRequest(r), nil
}

func (tx *memTx) UpdateOrderRequest(_ context.Context, entry *model.OrderRequestEntry) error {
	staged, ok := tx.request(entry.ID)
	if !ok {
		return fmt.Errorf("%w: order request %s", model.ErrNotFound, entry.ID)
	}
	notes := staged.Notes
	staged = cloneRequest(entry)
	staged.Notes = notes
	tx.requests[entry.ID] = staged
	return nil
}

func (tx *memTx) AppendRequestNote(_ context.Context, requestID uuid.UUID, note model.AuditNote) error {
	staged, ok := tx.request(requestID)
	if !ok {
		return fmt.Errorf("%w: order request %s", model.ErrNotFound, requestID)
	}
	staged.Notes = append(staged.Notes, note)
	tx.requests[requestID] = staged
	return nil
}

// sessionsOf возвращает сессии заказа с учётом изменений транзакции.
func (tx *memTx) sessionsOf(orderID uuid.UUID) map[uuid.UUID]model.PaymentSession {
	res := make(map[uuid.UUID]model.PaymentSession)

	tx.store.mu.RLock()
	for id, ps := range tx.store.sessions {
		if ps.OrderID == orderID {
			res[id] = *ps
		}
	}
	tx.store.mu.RUnlock()

	for id, ps := range tx.sessions {
		if ps.OrderID == orderID {
			res[id] = *ps
		}
	}
	return res
}

func (tx *memTx) InsertSession(_ context.Context, s *model.PaymentSession) error {
	for id, other := range tx.sessionsOf(s.OrderID) {
		if id != s.ID && other.State.IsActive() && !other.IsSuperseded() {
			return fmt.Errorf("%w: order %s", model.ErrSessionActive, s.OrderID)
		}
	}
	cp := *s
	tx.sessions[s.ID] = &cp
	return nil
}

func (tx *memTx) LockSession(ctx context.Context, id uuid.UUID) (*model.PaymentSession, error) {
	if err := tx.lock(ctx, "session:"+id.String()); err != nil {
		return nil, err
	}
	if ps, ok := tx.sessions[id]; ok {
		cp := *ps
		return &cp, nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	ps, ok := tx.store.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment session %s", model.ErrNotFound, id)
	}
	cp := *ps
	return &cp, nil
}

func (tx *memTx) LatestSession(ctx context.Context, orderID uuid.UUID) (*model.PaymentSession, error) {
	var latest *model.PaymentSession
	for _, ps := range tx.sessionsOf(orderID) {
		if ps.IsSuperseded() {
			continue
		}
		if latest == nil || ps.CreatedAt.After(latest.CreatedAt) {
			ps := ps
			latest = &ps
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: payment session for order %s", model.ErrNotFound, orderID)
	}
	return tx.LockSession(ctx, latest.ID)
}

func (tx *memTx) UpdateSession(_ context.Context, s *model.PaymentSession) error {
	cp := *s
	tx.sessions[s.ID] = &cp
	return nil
}

func (tx *memTx) RecordStaleCallback(_ context.Context, cb *model.StaleCallback) error {
	cp := *cb
	tx.stale = append(tx.stale, &cp)
	return nil
}

// lockTable выдаёт блокировки по строковому ключу. Ожидание прерывается отменой контекста.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

func (t *lockTable) acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			t.put(key, l)
		}, nil
	case <-ctx.Done():
		t.put(key, l)
		return nil, ctx.Err()
	}
}

func (t *lockTable) put(key string, l *keyLock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

func cloneOrder(o *model.Order) *model.Order {
	cp := *o
	cp.Items = append([]model.OrderItem(nil), o.Items...)
	cp.History = append([]model.StatusChange(nil), o.History...)
	return &cp
}

func cloneRequest(r *model.OrderRequestEntry) *model.OrderRequestEntry {
	cp := *r
	cp.Notes = append([]model.AuditNote(nil), r.Notes...)
	return &cp
}

func clonePayment(p *model.Payment) *model.Payment {
	cp := *p
	cp.AppliedTo = append([]model.AppliedAmount(nil), p.AppliedTo...)
	return &cp
}
