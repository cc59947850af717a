package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Amount is a signed integer quantity of a token. Values are integral and
// bounded to the signed 128-bit range used by token ledgers.
type Amount struct {
	d decimal.Decimal
}

var (
	maxAmount = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1)), 0)
	minAmount = decimal.NewFromBigInt(new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127)), 0)
)

// ErrAmountOverflow is returned by arithmetic that leaves the 128-bit range.
var ErrAmountOverflow = errors.New("amount overflows 128-bit range")

// NewAmount returns an Amount holding v.
func NewAmount(v int64) Amount {
	return Amount{d: decimal.NewFromInt(v)}
}

// ParseAmount parses a base-10 integer string.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return amountFromDecimal(d)
}

// maxAmountDigits is the number of decimal digits in the largest 128-bit magnitude.
const maxAmountDigits = 39

func amountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsZero() {
		return Amount{}, nil
	}
	// Reject by digit count before any comparison rescales the value,
	// otherwise an exponent like 1e400000000 expands into a huge big.Int.
	digits, exp := int64(d.NumDigits()), int64(d.Exponent())
	if exp > 0 && digits+exp > maxAmountDigits {
		return Amount{}, ErrAmountOverflow
	}
	if exp < 0 && -exp >= digits {
		return Amount{}, errors.New("amount is not an integer")
	}
	if !d.IsInteger() {
		return Amount{}, fmt.Errorf("amount %s is not an integer", d.String())
	}
	if d.GreaterThan(maxAmount) || d.LessThan(minAmount) {
		return Amount{}, ErrAmountOverflow
	}
	// Normalize the exponent so equal values encode identically.
	return Amount{d: decimal.NewFromBigInt(d.BigInt(), 0)}, nil
}

// Add returns a+b, failing when the result leaves the 128-bit range.
func (a Amount) Add(b Amount) (Amount, error) {
	return amountFromDecimal(a.d.Add(b.d))
}

// Sub returns a-b, failing when the result leaves the 128-bit range.
func (a Amount) Sub(b Amount) (Amount, error) {
	return amountFromDecimal(a.d.Sub(b.d))
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// Equal reports whether a and b hold the same value.
func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}

func (a Amount) IsZero() bool     { return a.d.IsZero() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// Decimal exposes the underlying value for storage layers that persist NUMERIC columns.
func (a Amount) Decimal() decimal.Decimal {
	return a.d
}

func (a Amount) String() string {
	return a.d.BigInt().String()
}

// MarshalJSON encodes the amount as a quoted integer so values above 2^53
// survive JavaScript clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both quoted and bare integers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	parsed, err := amountFromDecimal(d)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
