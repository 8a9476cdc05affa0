package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/money"
)

// CreditAccount описывает кредитный лимит врача. Доступный остаток не хранится, а вычисляется.
type CreditAccount struct {
	CustomerID       uuid.UUID
	Limit            money.Money
	Used             money.Money
	PaymentTermsDays int
	UpdatedAt        time.Time
}

// Available возвращает limit - used.
func (a *CreditAccount) Available() money.Money {
	return money.New(a.Limit.Minor()-a.Used.Minor(), a.Limit.Currency())
}

// Bill описывает непогашенный остаток по одному заказу, купленному в кредит.
type Bill struct {
	ID         uuid.UUID
	CustomerID uuid.UUID
	OrderID    uuid.UUID
	AmountDue  money.Money
	AmountPaid money.Money
	DueDate    time.Time
	CreatedAt  time.Time
	ClosedAt   *time.Time
	Released   bool
}

// Outstanding возвращает amountDue - amountPaid.
func (b *Bill) Outstanding() money.Money {
	return money.New(b.AmountDue.Minor()-b.AmountPaid.Minor(), b.AmountDue.Currency())
}

// IsOpen сообщает, остался ли по счёту долг.
func (b *Bill) IsOpen() bool {
	return b.ClosedAt == nil && b.AmountPaid.Minor() < b.AmountDue.Minor()
}

// SettlementMethod описывает способ внесения платежа в погашение счетов.
type SettlementMethod string

const (
	SettlementMethodCash         SettlementMethod = "cash"
	SettlementMethodBankTransfer SettlementMethod = "bank_transfer"
	SettlementMethodCheque       SettlementMethod = "cheque"
	SettlementMethodGateway      SettlementMethod = "gateway"
)

// IsValid сообщает, известен ли способ.
func (m SettlementMethod) IsValid() bool {
	switch m {
	case SettlementMethodCash, SettlementMethodBankTransfer, SettlementMethodCheque, SettlementMethodGateway:
		return true
	}
	return false
}

// PaymentRecordStatus описывает статус записи о платеже.
type PaymentRecordStatus string

const (
	PaymentRecordPending   PaymentRecordStatus = "pending"
	PaymentRecordCompleted PaymentRecordStatus = "completed"
	PaymentRecordFailed    PaymentRecordStatus = "failed"
)

// AppliedAmount описывает часть платежа, направленную на один счёт.
type AppliedAmount struct {
	BillID        uuid.UUID   `json:"bill_id"`
	AmountApplied money.Money `json:"amount_applied"`
}

// Payment описывает платёж врача в погашение задолженности.
type Payment struct {
	ID                   uuid.UUID
	CustomerID           uuid.UUID
	Amount               money.Money
	Method               SettlementMethod
	TransactionReference string
	Status               PaymentRecordStatus
	AppliedTo            []AppliedAmount
	Unallocated          money.Money
	FailureReason        string
	CreatedAt            time.Time
}
