// Package validation содержит номера заказов с контрольной цифрой по алгоритму Луна.
package validation

import (
	"fmt"
	"math/rand/v2"
	"time"
	"unicode"
)

// orderNumberRandomDigits задаёт длину случайной части номера заказа.
const (
	orderNumberRandomDigits = 8
	orderNumberRandomSpace  = 100_000_000
)

// IsValidOrderNumber проверяет корректность номера заказа по алгоритму Луна.
func IsValidOrderNumber(number string) bool {
	if number == "" {
		return false
	}
	sum, ok := luhnSum(number, false)
	return ok && sum%10 == 0
}

// CheckDigit вычисляет контрольную цифру, которую нужно дописать к payload.
func CheckDigit(payload string) (byte, error) {
	if payload == "" {
		return 0, fmt.Errorf("empty payload")
	}
	sum, ok := luhnSum(payload, true)
	if !ok {
		return 0, fmt.Errorf("payload %q contains non-digit characters", payload)
	}
	return byte('0' + (10-sum%10)%10), nil
}

// GenerateOrderNumber возвращает номер вида YYMMDD + случайные цифры + контрольная цифра.
// Номер не обязательно уникален: уникальность проверяет хранилище, а Checkout при коллизии
// генерирует номер заново.
func GenerateOrderNumber(now time.Time) string {
	payload := now.UTC().Format("060102") + fmt.Sprintf("%0*d", orderNumberRandomDigits, rand.IntN(orderNumberRandomSpace))
	digit, _ := CheckDigit(payload)
	return payload + string(digit)
}

// luhnSum суммирует цифры справа налево, удваивая каждую вторую.
// doubleFirst означает, что самая правая цифра удваивается: так считается сумма без контрольной цифры.
func luhnSum(number string, doubleFirst bool) (int, bool) {
	sum := 0
	double := doubleFirst

	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return 0, false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum, true
}
