// Package lifecycle реализует конечный автомат статусов заказа.
//
// Автомат не выполняет ввода-вывода: каждый переход дописывает запись в историю заказа
// и возвращает событие, на которое реагирует окружающий код (склад, кредит).
package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/model"
)

var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPending:    {model.OrderStatusConfirmed, model.OrderStatusCancelled},
	model.OrderStatusConfirmed:  {model.OrderStatusProcessing, model.OrderStatusCancelled},
	model.OrderStatusProcessing: {model.OrderStatusShipped, model.OrderStatusCancelled},
	model.OrderStatusShipped:    {model.OrderStatusDelivered, model.OrderStatusReturned},
}

// CanTransition сообщает, разрешён ли переход from -> to.
func CanTransition(from, to model.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Event описывает совершённый переход и побочные эффекты, которых он требует.
type Event struct {
	OrderID          uuid.UUID
	CustomerID       uuid.UUID
	From             model.OrderStatus
	To               model.OrderStatus
	At               time.Time
	ActorID          uuid.UUID
	ReserveInventory bool
	ReleaseInventory bool
	ReleaseCredit    bool
}

// Start записывает начальный статус pending нового заказа.
func Start(order *model.Order, actorID uuid.UUID, now time.Time) error {
	if len(order.History) != 0 {
		return fmt.Errorf("%w: order %s already has history", model.ErrInvalidTransition, order.ID)
	}
	order.History = append(order.History, model.StatusChange{
		Status:  model.OrderStatusPending,
		At:      now,
		ActorID: actorID,
	})
	return nil
}

// Authorize проверяет, может ли actor перевести заказ в статус to.
// Сотрудники выполняют любые переходы. Покупатель может только отменить свой заказ,
// пока тот не ушёл в сборку.
func Authorize(order *model.Order, actor model.Actor, to model.OrderStatus) error {
	if actor.IsStaff() {
		return nil
	}
	if actor.Role != model.RoleCustomer || !actor.Owns(order.CustomerID) || to != model.OrderStatusCancelled {
		return model.ErrForbidden
	}
	switch order.Status() {
	case model.OrderStatusPending, model.OrderStatusConfirmed:
		return nil
	}
	return model.ErrForbidden
}

// Transition переводит заказ в статус to и дописывает историю.
func Transition(order *model.Order, to model.OrderStatus, actor model.Actor, note string, now time.Time) (Event, error) {
	if err := Authorize(order, actor, to); err != nil {
		return Event{}, err
	}

	from := order.Status()
	if !CanTransition(from, to) {
		return Event{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	if to == model.OrderStatusDelivered && !order.PaymentStatus.IsSettled() {
		return Event{}, fmt.Errorf("%w: payment status is %s", model.ErrPaymentRequired, order.PaymentStatus)
	}

	stockCommitted := order.HasBeenIn(model.OrderStatusConfirmed)
	reverting := to == model.OrderStatusCancelled || to == model.OrderStatusReturned

	// история не должна идти назад во времени
	if last := order.History[len(order.History)-1].At; now.Before(last) {
		now = last
	}

	order.History = append(order.History, model.StatusChange{
		Status:  to,
		At:      now,
		ActorID: actor.ID,
		Note:    note,
	})

	return Event{
		OrderID:          order.ID,
		CustomerID:       order.CustomerID,
		From:             from,
		To:               to,
		At:               now,
		ActorID:          actor.ID,
		ReserveInventory: to == model.OrderStatusConfirmed,
		ReleaseInventory: reverting && stockCommitted,
		ReleaseCredit:    reverting && order.PaymentStatus == model.PaymentStatusCredit,
	}, nil
}
