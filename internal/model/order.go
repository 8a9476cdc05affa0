package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/money"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusReturned   OrderStatus = "returned"
)

// IsValid сообщает, известен ли статус.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned:
		return true
	}
	return false
}

// IsTerminal сообщает, допускает ли статус дальнейшие переходы.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusReturned
}

// PaymentMethod описывает способ оплаты заказа.
type PaymentMethod string

const (
	PaymentMethodGateway        PaymentMethod = "gateway"
	PaymentMethodCredit         PaymentMethod = "credit"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

// IsValid сообщает, известен ли способ оплаты.
func (m PaymentMethod) IsValid() bool {
	return m == PaymentMethodGateway || m == PaymentMethodCredit || m == PaymentMethodCashOnDelivery
}

// PaymentStatus описывает состояние оплаты заказа, независимое от его статуса.
type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "unpaid"
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
	PaymentStatusCredit  PaymentStatus = "credit"
)

// IsSettled сообщает, покрыт ли заказ оплатой или кредитом.
func (s PaymentStatus) IsSettled() bool {
	return s == PaymentStatusPaid || s == PaymentStatusCredit
}

// OrderItem описывает строку заказа.
type OrderItem struct {
	ProductID     uuid.UUID
	Quantity      int64
	UnitPrice     money.Money
	Discount      money.Money
	Total         money.Money
	EntitlementID *uuid.UUID
}

// StatusChange описывает запись истории статусов заказа.
type StatusChange struct {
	Status  OrderStatus
	At      time.Time
	ActorID uuid.UUID
	Note    string
}

// Order описывает заказ. Текущий статус берётся из последней записи истории.
type Order struct {
	ID            uuid.UUID
	Number        string
	CustomerID    uuid.UUID
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	Subtotal      money.Money
	Discount      money.Money
	Total         money.Money
	Items         []OrderItem
	History       []StatusChange
	CreatedAt     time.Time
	CreditDueDate *time.Time
}

// Status возвращает текущий статус заказа.
func (o *Order) Status() OrderStatus {
	if len(o.History) == 0 {
		return ""
	}
	return o.History[len(o.History)-1].Status
}

// StatusAt возвращает статус, действовавший в момент t.
func (o *Order) StatusAt(t time.Time) (OrderStatus, bool) {
	var (
		status OrderStatus
		found  bool
	)
	for _, h := range o.History {
		if h.At.After(t) {
			break
		}
		status, found = h.Status, true
	}
	return status, found
}

// HasBeenIn сообщает, проходил ли заказ через указанный статус.
func (o *Order) HasBeenIn(status OrderStatus) bool {
	for _, h := range o.History {
		if h.Status == status {
			return true
		}
	}
	return false
}
