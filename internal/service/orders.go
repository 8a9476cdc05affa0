package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/ledger"
	"github.com/mmeshcher/pharmaledger/internal/lifecycle"
	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/payment"
	"github.com/mmeshcher/pharmaledger/internal/repository"
	"github.com/mmeshcher/pharmaledger/internal/validation"
)

const defaultListLimit = 100

// Transition переводит заказ в статус to.
//
// Отмена и возврат в одной транзакции закрывают кредитный счёт заказа и возвращают товар
// на склад. Если склад не подтвердил возврат, переход не сохраняется.
func (s *Service) Transition(ctx context.Context, actor model.Actor, orderID uuid.UUID, to model.OrderStatus, note string) (*model.Order, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, to)
	}

	var (
		order *model.Order
		ev    lifecycle.Event
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.IsStaff() && !actor.Owns(order.CustomerID) {
			return model.ErrNotFound
		}

		now := s.now()
		ev, err = lifecycle.Transition(order, to, actor, strings.TrimSpace(note), now)
		if err != nil {
			return err
		}

		if to == model.OrderStatusCancelled {
			if err := s.abandonSession(ctx, tx, order, now); err != nil {
				return err
			}
		}
		if ev.ReleaseCredit {
			if err := s.releaseCredit(ctx, tx, order); err != nil {
				return err
			}
		}
		if ev.ReleaseInventory && s.inventory != nil {
			if err := s.inventory.Release(ctx, order.ID); err != nil {
				return fmt.Errorf("release inventory: %w", err)
			}
		}

		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return tx.AppendStatus(ctx, order.ID, order.History[len(order.History)-1])
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status changed",
		zap.String("order_id", order.ID.String()),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.String("actor_id", actor.ID.String()),
	)

	if ev.ReserveInventory {
		s.reserveInventory(ctx, order.ID)
	}
	return order, nil
}

// Cancel отменяет заказ.
func (s *Service) Cancel(ctx context.Context, actor model.Actor, orderID uuid.UUID, reason string) (*model.Order, error) {
	return s.Transition(ctx, actor, orderID, model.OrderStatusCancelled, reason)
}

// releaseCredit снимает с кредитного счёта непогашенный остаток счёта заказа.
// Уже оплаченный счёт не меняется: возврат денег выполняется вне системы.
func (s *Service) releaseCredit(ctx context.Context, tx repository.Tx, order *model.Order) error {
	// счёт заказа читается только под блокировкой кредитного счёта
	acc, err := tx.LockCreditAccount(ctx, order.CustomerID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	bill, err := tx.BillByOrder(ctx, order.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !bill.IsOpen() {
		return nil
	}

	released, err := ledger.Release(acc, bill, s.now())
	if err != nil {
		return err
	}
	if err := tx.UpdateBill(ctx, bill); err != nil {
		return err
	}
	if err := tx.SaveCreditAccount(ctx, acc); err != nil {
		return err
	}

	s.logger.Info("credit released",
		zap.String("order_id", order.ID.String()),
		zap.String("customer_id", order.CustomerID.String()),
		zap.String("amount", released.String()),
	)
	return nil
}

// abandonSession завершает активную платёжную сессию отменяемого заказа.
// Ответ шлюза, пришедший позже, будет признан устаревшим.
func (s *Service) abandonSession(ctx context.Context, tx repository.Tx, order *model.Order, now time.Time) error {
	if order.PaymentMethod != model.PaymentMethodGateway {
		return nil
	}

	sess, err := tx.LatestSession(ctx, order.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sess.State.IsActive() {
		return nil
	}
	if err := payment.Error(sess, "order cancelled", now); err != nil {
		return err
	}
	if order.PaymentStatus != model.PaymentStatusPaid {
		order.PaymentStatus = model.PaymentStatusFailed
	}
	return tx.UpdateSession(ctx, sess)
}

// MarkPaid отмечает оплату заказа при получении. Доступно только администратору.
func (s *Service) MarkPaid(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.Order, error) {
	if !actor.IsAdmin() {
		return nil, model.ErrForbidden
	}

	var order *model.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.PaymentMethod != model.PaymentMethodCashOnDelivery {
			return fmt.Errorf("%w: order is paid by %s", model.ErrInvalidInput, order.PaymentMethod)
		}
		if order.PaymentStatus == model.PaymentStatusPaid {
			return fmt.Errorf("%w: order is already paid", model.ErrAlreadyProcessed)
		}
		if order.Status() == model.OrderStatusCancelled || order.Status() == model.OrderStatusReturned {
			return fmt.Errorf("%w: order is %s", model.ErrInvalidTransition, order.Status())
		}
		order.PaymentStatus = model.PaymentStatusPaid
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order marked paid",
		zap.String("order_id", order.ID.String()),
		zap.String("actor_id", actor.ID.String()),
	)
	return order, nil
}

// GetOrder возвращает заказ. Чужой заказ для покупателя не существует.
func (s *Service) GetOrder(ctx context.Context, actor model.Actor, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsStaff() && !actor.Owns(order.CustomerID) {
		return nil, model.ErrNotFound
	}
	return order, nil
}

// GetOrderByNumber ищет заказ по номеру с контрольной цифрой.
func (s *Service) GetOrderByNumber(ctx context.Context, actor model.Actor, number string) (*model.Order, error) {
	if !validation.IsValidOrderNumber(number) {
		return nil, fmt.Errorf("%w: invalid order number", model.ErrInvalidInput)
	}
	order, err := s.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if !actor.IsStaff() && !actor.Owns(order.CustomerID) {
		return nil, model.ErrNotFound
	}
	return order, nil
}

// ListOrders возвращает заказы. Покупатель видит только свои, администратор может
// ограничить выборку покупателем customerID.
func (s *Service) ListOrders(ctx context.Context, actor model.Actor, customerID *uuid.UUID, status model.OrderStatus, limit int) ([]model.Order, error) {
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, status)
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	f := repository.OrderFilter{Status: status, Limit: limit, CustomerID: customerID}
	if !actor.IsStaff() {
		id := actor.ID
		f.CustomerID = &id
	}
	return s.store.ListOrders(ctx, f)
}
