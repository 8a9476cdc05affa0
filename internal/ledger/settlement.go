package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/model"
	"github.com/mmeshcher/pharmaledger/internal/money"
)

// Allocation описывает план распределения платежа по открытым счетам.
type Allocation struct {
	AppliedTo   []model.AppliedAmount
	Applied     money.Money
	Unallocated money.Money
}

// SortFIFO упорядочивает счета по сроку оплаты, затем по дате создания, затем по идентификатору.
func SortFIFO(bills []*model.Bill) {
	sort.SliceStable(bills, func(i, j int) bool {
		a, b := bills[i], bills[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// Allocate рассчитывает распределение amount по счетам начиная с самого старого.
// Переданные счета не изменяются. Остаток, который не на что направить, возвращается
// в Unallocated.
func Allocate(amount money.Money, bills []*model.Bill) (Allocation, error) {
	if !amount.IsPositive() {
		return Allocation{}, ErrNonPositiveAmount
	}

	ordered := make([]*model.Bill, 0, len(bills))
	for _, b := range bills {
		if b.IsOpen() {
			ordered = append(ordered, b)
		}
	}
	SortFIFO(ordered)

	res := Allocation{
		AppliedTo: make([]model.AppliedAmount, 0, len(ordered)),
		Applied:   money.Zero(amount.Currency()),
	}
	remaining := amount

	for _, b := range ordered {
		if remaining.IsZero() {
			break
		}

		portion, err := money.Min(remaining, b.Outstanding())
		if err != nil {
			return Allocation{}, err
		}

		res.AppliedTo = append(res.AppliedTo, model.AppliedAmount{BillID: b.ID, AmountApplied: portion})

		if remaining, err = remaining.Subtract(portion); err != nil {
			return Allocation{}, err
		}
		if res.Applied, err = res.Applied.Add(portion); err != nil {
			return Allocation{}, err
		}
	}

	res.Unallocated = remaining
	return res, nil
}

// Settle распределяет платёж и применяет его к счетам и кредитному счёту.
// При ошибке часть значений может быть уже изменена: вызывающая сторона обязана
// откатить транзакцию целиком.
func Settle(acc *model.CreditAccount, bills []*model.Bill, amount money.Money, now time.Time) (Allocation, error) {
	alloc, err := Allocate(amount, bills)
	if err != nil {
		return Allocation{}, err
	}

	byID := make(map[uuid.UUID]*model.Bill, len(bills))
	for _, b := range bills {
		byID[b.ID] = b
	}

	for _, a := range alloc.AppliedTo {
		if err := ApplyToBill(acc, byID[a.BillID], a.AmountApplied, now); err != nil {
			return Allocation{}, err
		}
	}

	return alloc, nil
}
