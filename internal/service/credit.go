package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmaledger/internal/ledger"
	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/repository"
)

const defaultPaymentTermsDays = 30

// SetCreditLimit задаёт кредитный лимит покупателя. Счёт создаётся при первом вызове.
func (s *Service) SetCreditLimit(ctx context.Context, actor model.Actor, customerID uuid.UUID, limit money.Money) (*model.CreditAccount, error) {
	if !actor.IsAdmin() {
		return nil, model.ErrForbidden
	}
	if limit.Currency() != s.opts.Currency {
		return nil, fmt.Errorf("%w: %s", money.ErrCurrencyMismatch, limit.Currency())
	}

	return s.updateAccount(ctx, customerID, func(acc *model.CreditAccount) error {
		return ledger.SetLimit(acc, limit, s.now())
	})
}

// SetPaymentTerms задаёт срок оплаты новых счетов покупателя в днях.
func (s *Service) SetPaymentTerms(ctx context.Context, actor model.Actor, customerID uuid.UUID, days int) (*model.CreditAccount, error) {
	if !actor.IsAdmin() {
		return nil, model.ErrForbidden
	}
	if days < 0 {
		return nil, fmt.Errorf("%w: payment terms must not be negative", model.ErrInvalidInput)
	}

	return s.updateAccount(ctx, customerID, func(acc *model.CreditAccount) error {
		acc.PaymentTermsDays = days
		acc.UpdatedAt = s.now()
		return nil
	})
}

func (s *Service) updateAccount(ctx context.Context, customerID uuid.UUID, fn func(acc *model.CreditAccount) error) (*model.CreditAccount, error) {
	var acc *model.CreditAccount
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		acc, err = tx.LockCreditAccount(ctx, customerID)
		if errors.Is(err, model.ErrNotFound) {
			acc = &model.CreditAccount{
				CustomerID:       customerID,
				Limit:            money.Zero(s.opts.Currency),
				Used:             money.Zero(s.opts.Currency),
				PaymentTermsDays: defaultPaymentTermsDays,
			}
		} else if err != nil {
			return err
		}

		if err := fn(acc); err != nil {
			return err
		}
		return tx.SaveCreditAccount(ctx, acc)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("credit account updated",
		zap.String("customer_id", customerID.String()),
		zap.String("limit", acc.Limit.String()),
		zap.Int("payment_terms_days", acc.PaymentTermsDays),
	)
	return acc, nil
}

// SettleInput описывает платёж покупателя в погашение задолженности.
type SettleInput struct {
	CustomerID uuid.UUID
	Amount     money.Money
	Method     model.SettlementMethod
	Reference  string
}

// Settle распределяет платёж по открытым счетам покупателя начиная с самого старого.
//
// Распределение, изменение счетов, уменьшение used и запись платежа выполняются в одной
// транзакции. При ошибке ничего не меняется, а в журнал платежей пишется запись со статусом failed.
// Сумма, которую не на что направить, возвращается в Payment.Unallocated.
func (s *Service) Settle(ctx context.Context, actor model.Actor, in SettleInput) (*model.Payment, error) {
	if !actor.IsAdmin() {
		return nil, model.ErrForbidden
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: settlement amount must be positive", model.ErrInvalidInput)
	}
	if in.Amount.Currency() != s.opts.Currency {
		return nil, fmt.Errorf("%w: %s", money.ErrCurrencyMismatch, in.Amount.Currency())
	}
	if !in.Method.IsValid() {
		return nil, fmt.Errorf("%w: unknown settlement method %q", model.ErrInvalidInput, in.Method)
	}
	if _, err := s.store.GetCreditAccount(ctx, in.CustomerID); err != nil {
		return nil, err
	}

	var p *model.Payment
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		now := s.now()

		acc, err := tx.LockCreditAccount(ctx, in.CustomerID)
		if err != nil {
			return err
		}
		bills, err := tx.OpenBills(ctx, in.CustomerID)
		if err != nil {
			return err
		}

		alloc, err := ledger.Settle(acc, bills, in.Amount, now)
		if err != nil {
			return err
		}

		byID := make(map[uuid.UUID]*model.Bill, len(bills))
		for _, b := range bills {
			byID[b.ID] = b
		}
		for _, a := range alloc.AppliedTo {
			if err := tx.UpdateBill(ctx, byID[a.BillID]); err != nil {
				return err
			}
		}
		if err := tx.SaveCreditAccount(ctx, acc); err != nil {
			return err
		}

		p = &model.Payment{
			ID:                   uuid.New(),
			CustomerID:           in.CustomerID,
			Amount:               in.Amount,
			Method:               in.Method,
			TransactionReference: strings.TrimSpace(in.Reference),
			Status:               model.PaymentRecordCompleted,
			AppliedTo:            alloc.AppliedTo,
			Unallocated:          alloc.Unallocated,
			CreatedAt:            now,
		}
		return tx.InsertPayment(ctx, p)
	})
	if err != nil {
		s.logger.Error("settlement failed",
			zap.String("customer_id", in.CustomerID.String()),
			zap.String("amount", in.Amount.String()),
			zap.Error(err),
		)
		s.recordFailedSettlement(ctx, in, err)
		return nil, fmt.Errorf("%w: %w", model.ErrSettlementFailed, err)
	}

	s.logger.Info("settlement applied",
		zap.String("payment_id", p.ID.String()),
		zap.String("customer_id", p.CustomerID.String()),
		zap.String("amount", p.Amount.String()),
		zap.Int("bills", len(p.AppliedTo)),
		zap.String("unallocated", p.Unallocated.String()),
	)
	return p, nil
}

func (s *Service) recordFailedSettlement(ctx context.Context, in SettleInput, cause error) {
	p := &model.Payment{
		ID:                   uuid.New(),
		CustomerID:           in.CustomerID,
		Amount:               in.Amount,
		Method:               in.Method,
		TransactionReference: strings.TrimSpace(in.Reference),
		Status:               model.PaymentRecordFailed,
		Unallocated:          money.Zero(in.Amount.Currency()),
		FailureReason:        cause.Error(),
		CreatedAt:            s.now(),
	}
	err := s.store.InTx(context.WithoutCancel(ctx), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertPayment(ctx, p)
	})
	if err != nil {
		s.logger.Warn("failed settlement was not recorded",
			zap.String("customer_id", in.CustomerID.String()),
			zap.Error(err),
		)
	}
}

// Statement описывает кредитное положение покупателя.
type Statement struct {
	Account   *model.CreditAccount
	Available money.Money
	Bills     []model.Bill
	Payments  []model.Payment
}

// Statement возвращает кредитный счёт покупателя, его счета и платежи.
func (s *Service) Statement(ctx context.Context, actor model.Actor, customerID uuid.UUID) (*Statement, error) {
	if !actor.IsStaff() && !actor.Owns(customerID) {
		return nil, model.ErrForbidden
	}

	acc, err := s.store.GetCreditAccount(ctx, customerID)
	if err != nil {
		return nil, err
	}
	bills, err := s.store.ListBills(ctx, customerID)
	if err != nil {
		return nil, err
	}
	payments, err := s.store.ListPayments(ctx, customerID)
	if err != nil {
		return nil, err
	}

	return &Statement{
		Account:   acc,
		Available: acc.Available(),
		Bills:     bills,
		Payments:  payments,
	}, nil
}
