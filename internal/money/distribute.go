package money

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrInvalidWeights возвращается при пустом или неположительном наборе весов.
var ErrInvalidWeights = errors.New("weights must be non-negative with a positive sum")

// Distribute делит total пропорционально весам без потери минимальных единиц.
// Каждая доля получает целую часть, остаток раздаётся по одной единице долям с наибольшим
// дробным остатком, при равенстве первой идёт доля с меньшим индексом. Сумма долей всегда равна total.
func Distribute(total Money, weights []int64) ([]Money, error) {
	if len(weights) == 0 || total.minor < 0 {
		return nil, ErrInvalidWeights
	}

	var sum int64
	for _, w := range weights {
		if w < 0 {
			return nil, ErrInvalidWeights
		}
		sum += w
	}
	if sum <= 0 {
		return nil, ErrInvalidWeights
	}

	type share struct {
		index int
		rem   int64
	}

	parts := make([]Money, len(weights))
	shares := make([]share, len(weights))
	divisor := decimal.NewFromInt(sum)
	var assigned int64

	for i, w := range weights {
		q, r := decimal.NewFromInt(total.minor).Mul(decimal.NewFromInt(w)).QuoRem(divisor, 0)
		parts[i] = Money{minor: q.IntPart(), currency: total.currency}
		shares[i] = share{index: i, rem: r.IntPart()}
		assigned += q.IntPart()
	}

	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].rem > shares[j].rem
	})

	for left, k := total.minor-assigned, 0; left > 0; left, k = left-1, k+1 {
		parts[shares[k%len(shares)].index].minor++
	}

	return parts, nil
}
