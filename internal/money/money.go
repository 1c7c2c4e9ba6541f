// Package money provides exact decimal arithmetic for ledger amounts.
// Every computed total in the engine flows through a Context so the
// rounding mode and scale are governed in one place.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundingMode selects how quotients are rounded to the target scale.
type RoundingMode string

const (
	// RoundHalfUp rounds ties away from zero (currency default).
	RoundHalfUp RoundingMode = "half-up"
	// RoundHalfEven rounds ties to the nearest even digit (banker's rounding).
	RoundHalfEven RoundingMode = "half-even"
)

var (
	// ErrDivisionByZero indicates a division with a zero divisor.
	ErrDivisionByZero = errors.New("money: division by zero")
	// ErrPrecisionOverflow indicates a result wider than the configured mantissa limit.
	ErrPrecisionOverflow = errors.New("money: precision overflow")
	// ErrInvalidRoundingMode indicates an unrecognised rounding mode name.
	ErrInvalidRoundingMode = errors.New("money: invalid rounding mode")
)

// Context carries the arithmetic configuration for one tenant.
type Context struct {
	scale     int32
	mode      RoundingMode
	maxDigits int
}

// DefaultMaxDigits bounds the mantissa width of any result.
const DefaultMaxDigits = 28

// NewContext builds an arithmetic context. Scale is the number of fractional
// digits kept by Round and Div (typically the company's decimal precision).
func NewContext(scale int32, mode RoundingMode, maxDigits int) (Context, error) {
	switch mode {
	case RoundHalfUp, RoundHalfEven:
	default:
		return Context{}, fmt.Errorf("%w: %q", ErrInvalidRoundingMode, mode)
	}
	if scale < 0 {
		return Context{}, fmt.Errorf("money: negative scale %d", scale)
	}
	if maxDigits <= 0 {
		maxDigits = DefaultMaxDigits
	}
	return Context{scale: scale, mode: mode, maxDigits: maxDigits}, nil
}

// MustContext is NewContext for static configuration known to be valid.
func MustContext(scale int32, mode RoundingMode) Context {
	ctx, err := NewContext(scale, mode, DefaultMaxDigits)
	if err != nil {
		panic(err)
	}
	return ctx
}

// Scale returns the context's target scale.
func (c Context) Scale() int32 { return c.scale }

// Add returns a+b.
func (c Context) Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	return c.check(a.Add(b))
}

// Sub returns a-b.
func (c Context) Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	return c.check(a.Sub(b))
}

// Mul returns a*b rounded to the context scale.
func (c Context) Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	return c.check(c.round(a.Mul(b)))
}

// Div returns a/b rounded to the context scale, or ErrDivisionByZero.
func (c Context) Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Decimal{}, ErrDivisionByZero
	}
	// One guard digit so the final rounding sees the true remainder.
	q := a.DivRound(b, c.scale+1)
	return c.check(c.round(q))
}

// Round rounds v to the context scale using the configured mode.
func (c Context) Round(v decimal.Decimal) (decimal.Decimal, error) {
	return c.check(c.round(v))
}

// Sum adds all values without intermediate rounding.
func (c Context) Sum(values ...decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return c.check(total)
}

func (c Context) round(v decimal.Decimal) decimal.Decimal {
	if c.mode == RoundHalfEven {
		return v.RoundBank(c.scale)
	}
	return v.Round(c.scale)
}

func (c Context) check(v decimal.Decimal) (decimal.Decimal, error) {
	if digits(v) > c.maxDigits {
		return decimal.Decimal{}, fmt.Errorf("%w: %d digits exceeds limit %d", ErrPrecisionOverflow, digits(v), c.maxDigits)
	}
	return v, nil
}

func digits(v decimal.Decimal) int {
	s := v.Coefficient().String()
	if len(s) > 0 && s[0] == '-' {
		return len(s) - 1
	}
	return len(s)
}
