/*
Package money provides the exact currency amount used by the ledger.

PURPOSE:
  Season debts are folded into a customer's balance over many seasons.
  Floating point drifts under repeated addition, so every amount is an
  exact, non-negative integer in the smallest currency unit (VND has no
  minor unit, so 1 == 1 đồng).

KEY CONCEPTS:
  - Amount: non-negative integer quantity backed by decimal.Decimal
  - QuoRem: exact floor division, the heart of threshold crossing
  - Format: display rendering with locale digit grouping

INVARIANTS:
  1. An Amount is never negative. Constructors and Sub reject negatives.
  2. An Amount never has a fractional part.
  3. No arithmetic goes through float64.

USAGE:
  debt, err := money.Parse("125000000")
  threshold := money.New(60_000_000)
  count, remaining, err := debt.QuoRem(threshold)   // 2, 5000000

SEE ALSO:
  - ledger/calculator.go: threshold arithmetic built on QuoRem
*/
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// =============================================================================
// AMOUNT
// =============================================================================

// Amount is an exact, non-negative money amount in the smallest currency unit.
// The zero value is a valid zero amount.
type Amount struct {
	value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// Max is the largest representable amount. Every store keeps amounts up to
// Max exactly, including SQLite INTEGER columns.
var Max = Amount{value: decimal.NewFromInt(math.MaxInt64)}

// New returns the amount for n units. It panics on a negative n; use
// FromInt64 when n comes from outside the program.
func New(n int64) Amount {
	a, err := FromInt64(n)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt64 converts n, rejecting negatives.
func FromInt64(n int64) (Amount, error) {
	return FromDecimal(decimal.NewFromInt(n))
}

// FromDecimal converts d, rejecting negative, fractional and too large values.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return Amount{}, &InvalidAmountError{Value: d.String(), Reason: "negative"}
	}
	if !d.IsInteger() {
		return Amount{}, &InvalidAmountError{Value: d.String(), Reason: "fractional"}
	}
	if d.GreaterThan(Max.value) {
		return Amount{}, &InvalidAmountError{Value: d.String(), Reason: "too large"}
	}
	return Amount{value: d.Truncate(0)}, nil
}

// Parse reads a decimal string such as "60000000". Digit grouping with
// '.', ',', '_' or spaces is not accepted.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, &InvalidAmountError{Value: s, Reason: "empty"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, &InvalidAmountError{Value: s, Reason: "not a number"}
	}
	return FromDecimal(d)
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// =============================================================================
// ARITHMETIC
// =============================================================================

// Add returns a+b, or an InvalidAmountError when the sum exceeds Max.
func (a Amount) Add(b Amount) (Amount, error) {
	return FromDecimal(a.value.Add(b.value))
}

// Sub returns a-b, or an InvalidAmountError when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.LessThan(b) {
		return Amount{}, &InvalidAmountError{
			Value:  a.value.Sub(b.value).String(),
			Reason: "negative result",
		}
	}
	return Amount{value: a.value.Sub(b.value)}, nil
}

// MulInt multiplies by a non-negative integer count.
func (a Amount) MulInt(n int64) (Amount, error) {
	if n < 0 {
		return Amount{}, &InvalidAmountError{Value: fmt.Sprint(n), Reason: "negative multiplier"}
	}
	return FromDecimal(a.value.Mul(decimal.NewFromInt(n)))
}

// QuoRem returns floor(a/d) and a - floor(a/d)*d. d must be positive.
func (a Amount) QuoRem(d Amount) (int64, Amount, error) {
	if !d.value.IsPositive() {
		return 0, Amount{}, ErrDivisionByZero
	}
	q, r := a.value.QuoRem(d.value, 0)
	if !q.IsInteger() || r.IsNegative() {
		// Both operands are non-negative integers; anything else is a bug.
		return 0, Amount{}, fmt.Errorf("money: inexact division %s / %s", a, d)
	}
	return q.IntPart(), Amount{value: r}, nil
}

// =============================================================================
// COMPARISON
// =============================================================================

func (a Amount) Cmp(b Amount) int             { return a.value.Cmp(b.value) }
func (a Amount) Equal(b Amount) bool          { return a.value.Equal(b.value) }
func (a Amount) LessThan(b Amount) bool       { return a.value.LessThan(b.value) }
func (a Amount) GreaterOrEqual(b Amount) bool { return a.value.GreaterThanOrEqual(b.value) }
func (a Amount) IsZero() bool                 { return a.value.IsZero() }
func (a Amount) IsPositive() bool             { return a.value.IsPositive() }

// Decimal exposes the underlying value for ratio calculations.
func (a Amount) Decimal() decimal.Decimal { return a.value }

// Int64 returns the amount as int64; ok is false when it does not fit.
func (a Amount) Int64() (n int64, ok bool) {
	if !a.value.BigInt().IsInt64() {
		return 0, false
	}
	return a.value.IntPart(), true
}

func (a Amount) String() string { return a.value.String() }

// =============================================================================
// DISPLAY
// =============================================================================

// Format renders the amount with the digit grouping of tag followed by the
// đồng sign, e.g. "60.000.000 ₫" for Vietnamese.
func (a Amount) Format(tag language.Tag) string {
	n, ok := a.Int64()
	if !ok {
		return a.String() + " ₫"
	}
	return message.NewPrinter(tag).Sprintf("%d ₫", n)
}

// =============================================================================
// ENCODING
// =============================================================================

// MarshalJSON encodes the amount as a decimal string to keep large values exact
// in JavaScript clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.value.String())
}

// UnmarshalJSON accepts a JSON string or a JSON integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return &InvalidAmountError{Value: raw, Reason: "null"}
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer. Amounts are stored as decimal text so the
// same column works on SQLite and PostgreSQL NUMERIC.
func (a Amount) Value() (driver.Value, error) {
	return a.value.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("money: scan: %w", err)
	}
	parsed, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
