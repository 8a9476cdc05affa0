// Package payment описывает локальное состояние попыток оплаты заказа через шлюз.
package payment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
)

// Open создаёт новую сессию в состоянии initiated.
func Open(orderID uuid.UUID, amount money.Money, sandbox bool, now time.Time) (*model.PaymentSession, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: session amount must be positive", model.ErrInvalidInput)
	}
	return &model.PaymentSession{
		ID:        uuid.New(),
		OrderID:   orderID,
		Amount:    amount,
		State:     model.SessionInitiated,
		Sandbox:   sandbox,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// MarkAwaitingCallback фиксирует, что шлюз принял платёж и сессия ждёт ответа.
func MarkAwaitingCallback(s *model.PaymentSession, providerPaymentID string, now time.Time) error {
	if err := checkResolvable(s); err != nil {
		return err
	}
	if s.State != model.SessionInitiated {
		return fmt.Errorf("%w: session %s is %s", model.ErrInvalidTransition, s.ID, s.State)
	}
	s.State = model.SessionAwaitingCallback
	s.ProviderPaymentID = providerPaymentID
	s.UpdatedAt = now
	return nil
}

// Complete завершает сессию успешной оплатой.
func Complete(s *model.PaymentSession, gatewayReference string, now time.Time) error {
	if err := resolve(s, model.SessionCompleted, now); err != nil {
		return err
	}
	s.GatewayReference = gatewayReference
	return nil
}

// Dismiss завершает сессию отказом покупателя.
func Dismiss(s *model.PaymentSession, now time.Time) error {
	return resolve(s, model.SessionDismissed, now)
}

// Error завершает сессию ошибкой шлюза или истечением срока.
func Error(s *model.PaymentSession, reason string, now time.Time) error {
	if err := resolve(s, model.SessionErrored, now); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// CanRetry сообщает, можно ли начать новую попытку после сессии prior.
func CanRetry(prior *model.PaymentSession) error {
	if prior.IsSuperseded() {
		return fmt.Errorf("%w: session %s was already retried", model.ErrInvalidTransition, prior.ID)
	}
	switch prior.State {
	case model.SessionDismissed, model.SessionErrored:
		return nil
	case model.SessionCompleted:
		return fmt.Errorf("%w: order is already paid", model.ErrAlreadyProcessed)
	default:
		return fmt.Errorf("%w: session %s is %s", model.ErrSessionActive, prior.ID, prior.State)
	}
}

// Supersede связывает завершившуюся сессию prior с новой попыткой next.
// После этого prior не может разрешиться, любой ответ шлюза по ней считается устаревшим.
func Supersede(prior, next *model.PaymentSession, now time.Time) error {
	if err := CanRetry(prior); err != nil {
		return err
	}
	if prior.OrderID != next.OrderID {
		return fmt.Errorf("%w: sessions belong to different orders", model.ErrInvalidInput)
	}
	id := next.ID
	prior.SupersededBy = &id
	prior.UpdatedAt = now
	return nil
}

func checkResolvable(s *model.PaymentSession) error {
	if s.IsSuperseded() {
		return fmt.Errorf("%w: session %s superseded by %s", model.ErrStaleCallback, s.ID, s.SupersededBy)
	}
	return nil
}

func resolve(s *model.PaymentSession, to model.SessionState, now time.Time) error {
	if err := checkResolvable(s); err != nil {
		return err
	}
	if !s.State.IsActive() {
		return fmt.Errorf("%w: session %s is already %s", model.ErrStaleCallback, s.ID, s.State)
	}
	s.State = to
	s.UpdatedAt = now
	return nil
}
