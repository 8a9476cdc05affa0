package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/money"
)

// SessionState описывает состояние попытки оплаты через шлюз.
type SessionState string

const (
	SessionInitiated        SessionState = "initiated"
	SessionAwaitingCallback SessionState = "awaiting_callback"
	SessionCompleted        SessionState = "completed"
	SessionDismissed        SessionState = "dismissed"
	SessionErrored          SessionState = "errored"
)

// IsActive сообщает, может ли сессия ещё разрешиться.
func (s SessionState) IsActive() bool {
	return s == SessionInitiated || s == SessionAwaitingCallback
}

// PaymentSession хранит локальную запись об одной попытке оплаты заказа через шлюз.
type PaymentSession struct {
	ID                uuid.UUID
	OrderID           uuid.UUID
	Amount            money.Money
	State             SessionState
	Sandbox           bool
	GatewayReference  string
	ProviderPaymentID string
	FailureReason     string
	SupersededBy      *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsSuperseded сообщает, заменена ли сессия повторной попыткой.
func (s *PaymentSession) IsSuperseded() bool {
	return s.SupersededBy != nil
}

// StaleCallback хранит запоздалый или повторный ответ шлюза, который был принят и проигнорирован.
type StaleCallback struct {
	ID               uuid.UUID
	SessionID        uuid.UUID
	OrderID          uuid.UUID
	Outcome          SessionState
	GatewayReference string
	ReceivedAt       time.Time
}
