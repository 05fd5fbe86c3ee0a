package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fraction digits every stored amount carries.
const Scale = 2

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
)

// Parse reads a plain decimal string such as "12.50". Exponents and
// thousands separators are rejected.
func Parse(input string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || strings.ContainsAny(trimmed, "eE,_ ") {
		return decimal.Zero, ErrInvalidAmount
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := checkScale(value); err != nil {
		return decimal.Zero, err
	}
	return value, nil
}

// ValidatePositive accepts amounts > 0 with at most Scale fraction digits.
func ValidatePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return checkScale(amount)
}

// ValidateNonNegative is ValidatePositive that also admits zero.
func ValidateNonNegative(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	return checkScale(amount)
}

func Format(value decimal.Decimal) string {
	return value.StringFixedBank(Scale)
}

func checkScale(value decimal.Decimal) error {
	if !value.Equal(value.Truncate(Scale)) {
		return ErrTooManyDecimals
	}
	return nil
}
