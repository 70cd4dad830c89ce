package model

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent - число знаков после запятой в минимальной денежной единице.
const MinorUnitExponent = 2

var (
	// ErrAmountOverflow возвращается при переполнении int64 в денежной арифметике.
	ErrAmountOverflow = errors.New("amount overflow")
	// ErrAmountPrecision возвращается, если сумма точнее минимальной денежной единицы.
	ErrAmountPrecision = errors.New("amount has more fractional digits than minor units allow")
)

// Amount - денежная сумма в минимальных единицах (например, в центах).
type Amount int64

// Add складывает суммы с проверкой переполнения.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}

// Sub вычитает суммы с проверкой переполнения.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b == math.MinInt64 {
		return 0, ErrAmountOverflow
	}
	return a.Add(-b)
}

// Mul умножает сумму на целое количество с проверкой переполнения.
func (a Amount) Mul(n int64) (Amount, error) {
	if a == 0 || n == 0 {
		return 0, nil
	}
	r := int64(a) * n
	if r/n != int64(a) || (n == -1 && a == math.MinInt64) {
		return 0, ErrAmountOverflow
	}
	return Amount(r), nil
}

// Decimal переводит сумму в десятичное представление в основных единицах.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -MinorUnitExponent)
}

// String возвращает сумму в виде "25.50".
func (a Amount) String() string {
	return a.Decimal().StringFixed(MinorUnitExponent)
}

// AmountFromDecimal переводит десятичную сумму в минимальные единицы без округления.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	scaled := d.Shift(MinorUnitExponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrAmountPrecision
	}
	if !scaled.BigInt().IsInt64() {
		return 0, ErrAmountOverflow
	}
	return Amount(scaled.IntPart()), nil
}

// ParseAmount разбирает строку вида "25.50" в минимальные единицы.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return AmountFromDecimal(d)
}
