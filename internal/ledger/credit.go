// Package ledger реализует кредитный счёт врача и распределение платежей по счетам.
//
// Функции пакета не выполняют ввода-вывода: они изменяют переданные значения, а атомарность
// и сериализацию по счёту обеспечивает вызывающая сторона в рамках одной транзакции.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
)

var (
	// ErrNonPositiveAmount возвращается для нулевых и отрицательных сумм.
	ErrNonPositiveAmount = errors.New("amount must be positive")
	// ErrBillClosed возвращается при изменении закрытого счёта.
	ErrBillClosed = errors.New("bill is already closed")
	// ErrBillAccountMismatch возвращается, если счёт принадлежит другому покупателю.
	ErrBillAccountMismatch = errors.New("bill does not belong to the credit account")
	// ErrOverpayment возвращается при попытке внести на счёт больше остатка.
	ErrOverpayment = errors.New("amount exceeds bill outstanding balance")
	// ErrInconsistentLedger возвращается, если операция нарушила бы 0 <= used <= limit.
	ErrInconsistentLedger = errors.New("credit ledger invariant violated")
)

// InsufficientCreditError содержит подробности отказа в резервировании кредита.
type InsufficientCreditError struct {
	Limit     money.Money
	Used      money.Money
	Requested money.Money
}

func (e *InsufficientCreditError) Error() string {
	available := money.New(e.Limit.Minor()-e.Used.Minor(), e.Limit.Currency())
	return fmt.Sprintf("insufficient credit: requested %s, available %s (limit %s, used %s)",
		e.Requested, available, e.Limit, e.Used)
}

// Unwrap позволяет сравнивать ошибку с model.ErrInsufficientCredit.
func (e *InsufficientCreditError) Unwrap() error {
	return model.ErrInsufficientCredit
}

// Reserve увеличивает used на amount и создаёт счёт со сроком оплаты now + PaymentTermsDays.
// Если used + amount превышает лимит, счёт не изменяется.
func Reserve(acc *model.CreditAccount, orderID uuid.UUID, amount money.Money, now time.Time) (*model.Bill, error) {
	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}

	used, err := acc.Used.Add(amount)
	if err != nil {
		return nil, err
	}

	over, err := used.Compare(acc.Limit)
	if err != nil {
		return nil, err
	}
	if over > 0 {
		return nil, &InsufficientCreditError{Limit: acc.Limit, Used: acc.Used, Requested: amount}
	}

	acc.Used = used
	acc.UpdatedAt = now

	return &model.Bill{
		ID:         uuid.New(),
		CustomerID: acc.CustomerID,
		OrderID:    orderID,
		AmountDue:  amount,
		AmountPaid: money.Zero(amount.Currency()),
		DueDate:    now.AddDate(0, 0, acc.PaymentTermsDays),
		CreatedAt:  now,
	}, nil
}

// Release закрывает счёт без оплаты и уменьшает used на его остаток. Возвращает снятую сумму.
func Release(acc *model.CreditAccount, bill *model.Bill, now time.Time) (money.Money, error) {
	if bill.CustomerID != acc.CustomerID {
		return money.Money{}, ErrBillAccountMismatch
	}
	if !bill.IsOpen() {
		return money.Money{}, ErrBillClosed
	}

	outstanding := bill.Outstanding()
	used, err := acc.Used.Subtract(outstanding)
	if err != nil {
		return money.Money{}, err
	}
	if used.IsNegative() {
		return money.Money{}, fmt.Errorf("%w: release of %s from used %s", ErrInconsistentLedger, outstanding, acc.Used)
	}

	acc.Used = used
	acc.UpdatedAt = now
	bill.ClosedAt = &now
	bill.Released = true

	return outstanding, nil
}

// ApplyToBill вносит amount в счёт и на ту же сумму уменьшает used.
// Полностью оплаченный счёт закрывается.
func ApplyToBill(acc *model.CreditAccount, bill *model.Bill, amount money.Money, now time.Time) error {
	if bill.CustomerID != acc.CustomerID {
		return ErrBillAccountMismatch
	}
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if !bill.IsOpen() {
		return ErrBillClosed
	}

	c, err := amount.Compare(bill.Outstanding())
	if err != nil {
		return err
	}
	if c > 0 {
		return ErrOverpayment
	}

	used, err := acc.Used.Subtract(amount)
	if err != nil {
		return err
	}
	if used.IsNegative() {
		return fmt.Errorf("%w: payment of %s against used %s", ErrInconsistentLedger, amount, acc.Used)
	}

	paid, err := bill.AmountPaid.Add(amount)
	if err != nil {
		return err
	}

	bill.AmountPaid = paid
	if !bill.IsOpen() {
		bill.ClosedAt = &now
	}
	acc.Used = used
	acc.UpdatedAt = now

	return nil
}

// SetLimit меняет кредитный лимит. Лимит не может быть меньше уже использованной суммы.
func SetLimit(acc *model.CreditAccount, limit money.Money, now time.Time) error {
	if limit.IsNegative() {
		return fmt.Errorf("%w: negative credit limit", model.ErrInvalidInput)
	}
	c, err := limit.Compare(acc.Used)
	if err != nil {
		return err
	}
	if c < 0 {
		return fmt.Errorf("%w: limit %s is below used %s", model.ErrInvalidInput, limit, acc.Used)
	}
	acc.Limit = limit
	acc.UpdatedAt = now
	return nil
}
