package money

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned for negative, fractional or unparsable amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDivisionByZero is returned by QuoRem for a zero divisor.
	ErrDivisionByZero = errors.New("division by zero amount")
)

// InvalidAmountError carries the rejected input.
type InvalidAmountError struct {
	Value  string
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %q: %s", e.Value, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error {
	return ErrInvalidAmount
}
