// Package repository содержит хранилища заказов, кредитов, расчётов и платёжных сессий.
//
// Есть две реализации одного контракта: PostgreSQL (pgx, миграции goose) и хранилище в памяти
// для разработки и тестов. Изменяющие операции выполняются только внутри Store.InTx.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/model"
)

// ErrDuplicateOrderNumber возвращает InsertOrder, если номер заказа уже занят.
var ErrDuplicateOrderNumber = errors.New("order number already exists")

// Tx описывает операции, доступные внутри транзакции.
//
// Методы Lock* блокируют запись до конца транзакции. Чтобы не получить взаимную блокировку,
// сервис всегда берёт блокировки в порядке: заказ, платёжная сессия, запрос, кредитный счёт.
type Tx interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error)

	InsertOrder(ctx context.Context, order *model.Order) error
	LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	// UpdateOrder сохраняет статус оплаты и срок кредита заказа.
	UpdateOrder(ctx context.Context, order *model.Order) error
	AppendStatus(ctx context.Context, orderID uuid.UUID, change model.StatusChange) error

	LockCreditAccount(ctx context.Context, customerID uuid.UUID) (*model.CreditAccount, error)
	SaveCreditAccount(ctx context.Context, acc *model.CreditAccount) error
	OpenBills(ctx context.Context, customerID uuid.UUID) ([]*model.Bill, error)
	BillByOrder(ctx context.Context, orderID uuid.UUID) (*model.Bill, error)
	InsertBill(ctx context.Context, bill *model.Bill) error
	UpdateBill(ctx context.Context, bill *model.Bill) error
	InsertPayment(ctx context.Context, p *model.Payment) error

	InsertOrderRequest(ctx context.Context, entry *model.OrderRequestEntry) error
	LockOrderRequest(ctx context.Context, id uuid.UUID) (*model.OrderRequestEntry, error)
	// UpdateOrderRequest сохраняет решение и факт использования запроса.
	UpdateOrderRequest(ctx context.Context, entry *model.OrderRequestEntry) error
	AppendRequestNote(ctx context.Context, requestID uuid.UUID, note model.AuditNote) error

	InsertSession(ctx context.Context, s *model.PaymentSession) error
	LockSession(ctx context.Context, id uuid.UUID) (*model.PaymentSession, error)
	// LatestSession возвращает последнюю незаменённую сессию заказа или ErrNotFound.
	LatestSession(ctx context.Context, orderID uuid.UUID) (*model.PaymentSession, error)
	UpdateSession(ctx context.Context, s *model.PaymentSession) error
	RecordStaleCallback(ctx context.Context, cb *model.StaleCallback) error
}

// OrderFilter ограничивает выборку заказов.
type OrderFilter struct {
	CustomerID *uuid.UUID
	Status     model.OrderStatus
	Limit      int
}

// RequestFilter ограничивает выборку запросов сверх лимита.
type RequestFilter struct {
	CustomerID *uuid.UUID
	Status     model.OrderRequestStatus
}

// Store описывает хранилище целиком: транзакции и чтение без блокировок.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	SaveProduct(ctx context.Context, p *model.Product) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
	GetCreditAccount(ctx context.Context, customerID uuid.UUID) (*model.CreditAccount, error)
	ListBills(ctx context.Context, customerID uuid.UUID) ([]model.Bill, error)
	ListPayments(ctx context.Context, customerID uuid.UUID) ([]model.Payment, error)
	GetOrderRequest(ctx context.Context, id uuid.UUID) (*model.OrderRequestEntry, error)
	ListOrderRequests(ctx context.Context, f RequestFilter) ([]model.OrderRequestEntry, error)
	GetSession(ctx context.Context, id uuid.UUID) (*model.PaymentSession, error)
	// ExpiredSessions возвращает активные незаменённые сессии, не менявшиеся с момента before.
	ExpiredSessions(ctx context.Context, before time.Time) ([]model.PaymentSession, error)
	ListStaleCallbacks(ctx context.Context, orderID uuid.UUID) ([]model.StaleCallback, error)

	Close() error
}
