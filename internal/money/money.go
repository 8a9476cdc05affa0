// Package money содержит денежный тип с фиксированной точкой в минимальных единицах валюты.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency задаёт код валюты ISO 4217.
type Currency string

const (
	NPR Currency = "NPR"
	INR Currency = "INR"
	USD Currency = "USD"
)

// IsValid сообщает, поддерживается ли валюта.
func (c Currency) IsValid() bool {
	return c == NPR || c == INR || c == USD
}

// DefaultCurrency используется витриной для всех цен.
const DefaultCurrency = NPR

// minorDigits задаёт количество знаков после запятой у поддерживаемых валют.
const minorDigits = 2

var (
	// ErrCurrencyMismatch возвращается при операциях над суммами в разных валютах.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrInvalidAmount возвращается при разборе некорректной суммы.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrEmptyCurrency возвращается, если код валюты не указан.
	ErrEmptyCurrency = errors.New("currency cannot be empty")
	// ErrOverflow возвращается, если результат не помещается в int64 минимальных единиц.
	ErrOverflow = errors.New("amount overflow")
)

var hundred = decimal.NewFromInt(100)

// Money хранит неизменяемую денежную сумму в минимальных единицах (пайсах, центах).
type Money struct {
	minor    int64
	currency Currency
}

// New создаёт сумму из минимальных единиц.
func New(minor int64, currency Currency) Money {
	return Money{minor: minor, currency: currency}
}

// Zero возвращает нулевую сумму в указанной валюте.
func Zero(currency Currency) Money {
	return Money{currency: currency}
}

// Parse разбирает десятичную запись вида "10000.50". Больше двух знаков после запятой считается ошибкой,
// округление здесь не выполняется.
func Parse(amount string, currency Currency) (Money, error) {
	if currency == "" {
		return Money{}, ErrEmptyCurrency
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	scaled := d.Shift(minorDigits)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, amount, minorDigits)
	}
	return Money{minor: scaled.IntPart(), currency: currency}, nil
}

// Minor возвращает сумму в минимальных единицах.
func (m Money) Minor() int64 { return m.minor }

// Currency возвращает код валюты.
func (m Money) Currency() Currency { return m.currency }

// IsZero сообщает, равна ли сумма нулю.
func (m Money) IsZero() bool { return m.minor == 0 }

// IsPositive сообщает, больше ли сумма нуля.
func (m Money) IsPositive() bool { return m.minor > 0 }

// IsNegative сообщает, меньше ли сумма нуля.
func (m Money) IsNegative() bool { return m.minor < 0 }

func (m Money) sameCurrency(other Money) error {
	if m.currency != other.currency {
		return fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return nil
}

// Add возвращает сумму двух значений.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	sum := m.minor + other.minor
	if (other.minor > 0 && sum < m.minor) || (other.minor < 0 && sum > m.minor) {
		return Money{}, fmt.Errorf("%w: %s + %s", ErrOverflow, m, other)
	}
	return Money{minor: sum, currency: m.currency}, nil
}

// Subtract возвращает разность двух значений.
func (m Money) Subtract(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	diff := m.minor - other.minor
	if (other.minor > 0 && diff > m.minor) || (other.minor < 0 && diff < m.minor) {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrOverflow, m, other)
	}
	return Money{minor: diff, currency: m.currency}, nil
}

// Multiply умножает сумму на количество.
func (m Money) Multiply(quantity int64) (Money, error) {
	product := m.minor * quantity
	if quantity != 0 && (product/quantity != m.minor || (quantity == -1 && m.minor == math.MinInt64)) {
		return Money{}, fmt.Errorf("%w: %s x %d", ErrOverflow, m, quantity)
	}
	return Money{minor: product, currency: m.currency}, nil
}

// PercentageOf возвращает rate процентов от суммы. Результат округляется до минимальной единицы
// один раз, половина округляется от нуля.
func (m Money) PercentageOf(rate decimal.Decimal) Money {
	v := decimal.NewFromInt(m.minor).Mul(rate).Div(hundred).Round(0)
	return Money{minor: v.IntPart(), currency: m.currency}
}

// Compare возвращает -1, 0 или 1.
func (m Money) Compare(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	switch {
	case m.minor < other.minor:
		return -1, nil
	case m.minor > other.minor:
		return 1, nil
	default:
		return 0, nil
	}
}

// Min возвращает меньшую из двух сумм одной валюты.
func Min(a, b Money) (Money, error) {
	c, err := a.Compare(b)
	if err != nil {
		return Money{}, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}

// Decimal возвращает сумму в основных единицах.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.minor, -minorDigits)
}

// StringFixed возвращает сумму в основных единицах без кода валюты.
func (m Money) StringFixed() string {
	return m.Decimal().StringFixed(minorDigits)
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.currency, m.StringFixed())
}

type moneyJSON struct {
	Amount   string   `json:"amount"`
	Currency Currency `json:"currency"`
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.StringFixed(), Currency: m.currency})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Money) UnmarshalJSON(data []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := Parse(v.Amount, v.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
