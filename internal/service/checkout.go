package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/approval"
	"github.com/mmeshcher/pharmaledger/internal/ledger"
	"github.com/mmeshcher/pharmaledger/internal/lifecycle"
	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/repository"
)

// CheckoutLine описывает строку корзины. RequestID обязателен, если количество больше
// максимального для товара: тогда строка погашает одобренный запрос.
type CheckoutLine struct {
	ProductID uuid.UUID
	Quantity  int64
	RequestID *uuid.UUID
}

// CheckoutInput описывает оформляемый заказ.
type CheckoutInput struct {
	// CustomerID задаёт покупателя, если заказ оформляет администратор. Покупатель оформляет только свой заказ.
	CustomerID    uuid.UUID
	Lines         []CheckoutLine
	PaymentMethod model.PaymentMethod
	// DiscountRate задаёт скидку в процентах на весь заказ, доступна только администратору.
	DiscountRate decimal.Decimal
}

var hundredPercent = decimal.NewFromInt(100)

// maxOrderNumberAttempts ограничивает число попыток подобрать свободный номер заказа.
const maxOrderNumberAttempts = 5

// Checkout оформляет заказ.
//
// Заказ в кредит сразу резервирует сумму на кредитном счёте и подтверждается. Заказ с оплатой
// через шлюз остаётся pending до ответа шлюза, заказ с оплатой при получении ждёт подтверждения
// администратором.
func (s *Service) Checkout(ctx context.Context, actor model.Actor, in CheckoutInput) (*model.Order, error) {
	customerID, err := checkoutCustomer(actor, in)
	if err != nil {
		return nil, err
	}
	if err := validateCheckout(actor, in); err != nil {
		return nil, err
	}

	var (
		order *model.Order
		ev    lifecycle.Event
	)
	// Номер заказа случайный, при коллизии транзакция повторяется с новым номером.
	for attempt := 1; ; attempt++ {
		err = s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			now := s.now()
			order = &model.Order{
				ID:            uuid.New(),
				Number:        s.opts.OrderNumber(now),
				CustomerID:    customerID,
				PaymentMethod: in.PaymentMethod,
				PaymentStatus: model.PaymentStatusUnpaid,
				CreatedAt:     now,
			}
			ev = lifecycle.Event{}

			if err := s.priceOrder(ctx, tx, order, in); err != nil {
				return err
			}
			if err := lifecycle.Start(order, actor.ID, now); err != nil {
				return err
			}
			if in.PaymentMethod == model.PaymentMethodCredit {
				order.PaymentStatus = model.PaymentStatusCredit
			}

			if err := tx.InsertOrder(ctx, order); err != nil {
				return err
			}

			for _, item := range order.Items {
				if item.EntitlementID == nil {
					continue
				}
				if err := consumeEntitlement(ctx, tx, order, item, now); err != nil {
					return err
				}
			}

			if in.PaymentMethod != model.PaymentMethodCredit {
				return nil
			}

			acc, err := tx.LockCreditAccount(ctx, customerID)
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("%w: customer has no credit account", model.ErrInsufficientCredit)
			}
			if err != nil {
				return err
			}

			bill, err := ledger.Reserve(acc, order.ID, order.Total, now)
			if err != nil {
				return err
			}
			if err := tx.SaveCreditAccount(ctx, acc); err != nil {
				return err
			}
			if err := tx.InsertBill(ctx, bill); err != nil {
				return err
			}

			ev, err = lifecycle.Transition(order, model.OrderStatusConfirmed, model.SystemActor, "secured by credit", now)
			if err != nil {
				return err
			}
			due := bill.DueDate
			order.CreditDueDate = &due
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
			return tx.AppendStatus(ctx, order.ID, order.History[len(order.History)-1])
		})
		if !errors.Is(err, repository.ErrDuplicateOrderNumber) || attempt == maxOrderNumberAttempts {
			break
		}
		s.logger.Warn("order number collision, regenerating",
			zap.String("number", order.Number),
			zap.Int("attempt", attempt),
		)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("number", order.Number),
		zap.String("payment_method", string(order.PaymentMethod)),
		zap.String("total", order.Total.String()),
	)

	if ev.ReserveInventory {
		s.reserveInventory(ctx, order.ID)
	}
	return order, nil
}

func checkoutCustomer(actor model.Actor, in CheckoutInput) (uuid.UUID, error) {
	switch {
	case actor.IsAdmin():
		if in.CustomerID == uuid.Nil {
			return uuid.Nil, fmt.Errorf("%w: customer is required", model.ErrInvalidInput)
		}
		return in.CustomerID, nil
	case actor.Role == model.RoleCustomer:
		if in.CustomerID != uuid.Nil && in.CustomerID != actor.ID {
			return uuid.Nil, model.ErrForbidden
		}
		return actor.ID, nil
	}
	return uuid.Nil, model.ErrForbidden
}

func validateCheckout(actor model.Actor, in CheckoutInput) error {
	if len(in.Lines) == 0 {
		return fmt.Errorf("%w: order has no lines", model.ErrInvalidInput)
	}
	if !in.PaymentMethod.IsValid() {
		return fmt.Errorf("%w: unknown payment method %q", model.ErrInvalidInput, in.PaymentMethod)
	}
	for _, l := range in.Lines {
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive", model.ErrInvalidQuantity)
		}
	}
	if in.DiscountRate.IsZero() {
		return nil
	}
	if !actor.IsAdmin() {
		return model.ErrForbidden
	}
	if in.DiscountRate.IsNegative() || in.DiscountRate.GreaterThan(hundredPercent) {
		return fmt.Errorf("%w: discount rate must be within 0..100", model.ErrInvalidInput)
	}
	return nil
}

// priceOrder заполняет строки и суммы заказа по ценам каталога.
func (s *Service) priceOrder(ctx context.Context, tx repository.Tx, order *model.Order, in CheckoutInput) error {
	order.Items = make([]model.OrderItem, 0, len(in.Lines))
	weights := make([]int64, 0, len(in.Lines))
	subtotal := money.Zero(s.opts.Currency)

	for _, l := range in.Lines {
		product, err := tx.GetProduct(ctx, l.ProductID)
		if err != nil {
			return fmt.Errorf("product %s: %w", l.ProductID, err)
		}

		if l.RequestID == nil && l.Quantity > product.MaxOrderQuantity {
			return fmt.Errorf("%w: %d of %s exceeds the limit of %d, an approved request is required",
				model.ErrInvalidQuantity, l.Quantity, product.Name, product.MaxOrderQuantity)
		}

		gross, err := product.UnitPrice.Multiply(l.Quantity)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidQuantity, err)
		}
		if subtotal, err = subtotal.Add(gross); err != nil {
			return err
		}

		item := model.OrderItem{
			ProductID: product.ID,
			Quantity:  l.Quantity,
			UnitPrice: product.UnitPrice,
			Discount:  money.Zero(s.opts.Currency),
			Total:     gross,
		}
		if l.RequestID != nil {
			id := *l.RequestID
			item.EntitlementID = &id
		}
		order.Items = append(order.Items, item)
		weights = append(weights, gross.Minor())
	}

	discount := subtotal.PercentageOf(in.DiscountRate)
	if discount.IsPositive() {
		shares, err := money.Distribute(discount, weights)
		if err != nil {
			return err
		}
		for i := range order.Items {
			order.Items[i].Discount = shares[i]
			if order.Items[i].Total, err = order.Items[i].Total.Subtract(shares[i]); err != nil {
				return err
			}
		}
	}

	total, err := subtotal.Subtract(discount)
	if err != nil {
		return err
	}
	if !total.IsPositive() {
		return fmt.Errorf("%w: order total must be positive", model.ErrInvalidInput)
	}

	order.Subtotal = subtotal
	order.Discount = discount
	order.Total = total
	return nil
}

func consumeEntitlement(ctx context.Context, tx repository.Tx, order *model.Order, item model.OrderItem, now time.Time) error {
	entry, err := tx.LockOrderRequest(ctx, *item.EntitlementID)
	if err != nil {
		return fmt.Errorf("order request %s: %w", *item.EntitlementID, err)
	}
	if err := approval.Consume(entry, order.CustomerID, item.ProductID, item.Quantity, order.ID, now); err != nil {
		return err
	}
	return tx.UpdateOrderRequest(ctx, entry)
}

// reserveInventory сообщает складу о подтверждённом заказе. Ошибка склада не отменяет переход:
// резерв повторяет оператор по записи в журнале.
func (s *Service) reserveInventory(ctx context.Context, orderID uuid.UUID) {
	if s.inventory == nil {
		return
	}
	if err := s.inventory.Reserve(context.WithoutCancel(ctx), orderID); err != nil {
		s.logger.Error("inventory reserve failed",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
	}
}
