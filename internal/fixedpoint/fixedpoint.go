// Package fixedpoint provides the decimal fixed-point primitives used by the
// rate engine: precision constants, truncating arithmetic and the
// continuous-compounding exponential and logarithm.
//
// All values are shopspring/decimal. Results are truncated toward zero to a
// fixed number of places so the same inputs always produce the same outputs:
// rates and exchange rates to RateDecimals, token amounts to TokenDecimals.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// RateDecimals is the precision of rates and exchange rates (1e9).
	RateDecimals int32 = 9

	// TokenDecimals is the precision of cash, fCash and share amounts (1e8).
	TokenDecimals int32 = 8

	// transcendentalDigits is the working precision of exp/ln before the
	// result is truncated to RateDecimals.
	transcendentalDigits int32 = 18

	SecondsInDay int64 = 86400

	// SecondsInYear is the rate year used to annualize: 360 days.
	SecondsInYear int64 = 360 * SecondsInDay

	// Quarter is the spacing of market reference times: 90 days.
	Quarter int64 = 90 * SecondsInDay
)

var (
	// ErrOverflow is returned when a computation exceeds its numeric bound.
	ErrOverflow = errors.New("fixedpoint: arithmetic overflow")

	// ErrUnderflow is returned when a computation falls below its numeric
	// bound (non-positive logarithm argument, exp of a large negative).
	ErrUnderflow = errors.New("fixedpoint: arithmetic underflow")

	// ErrPrecisionBoundExceeded is returned when a sanity bound on a derived
	// factor fails, e.g. a discount factor above one.
	ErrPrecisionBoundExceeded = errors.New("fixedpoint: precision bound exceeded")

	// ErrDivisionByZero is returned instead of panicking on a zero divisor.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// One is the unit value of rates and exchange rates.
	One = decimal.NewFromInt(1)

	// MaxExpArgument bounds |x| for Exp.
	MaxExpArgument = decimal.NewFromInt(64)

	secondsInYear = decimal.NewFromInt(SecondsInYear)
	hundred       = decimal.NewFromInt(100)
	tenThousand   = decimal.NewFromInt(10_000)
)

// Exp returns e^x truncated to RateDecimals.
func Exp(x decimal.Decimal) (decimal.Decimal, error) {
	if x.Abs().GreaterThan(MaxExpArgument) {
		if x.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: exp(%s)", ErrUnderflow, x)
		}
		return decimal.Zero, fmt.Errorf("%w: exp(%s)", ErrOverflow, x)
	}
	r, err := x.ExpTaylor(transcendentalDigits)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: exp(%s): %v", ErrOverflow, x, err)
	}
	return r.Truncate(RateDecimals), nil
}

// Ln returns the natural logarithm of x truncated to RateDecimals.
func Ln(x decimal.Decimal) (decimal.Decimal, error) {
	if !x.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: ln(%s)", ErrUnderflow, x)
	}
	r, err := x.Ln(transcendentalDigits)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: ln(%s): %v", ErrUnderflow, x, err)
	}
	return r.Truncate(RateDecimals), nil
}

// Rate truncates d to rate precision.
func Rate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(RateDecimals)
}

// Token truncates d to token precision.
func Token(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(TokenDecimals)
}

// MulRate multiplies and truncates to rate precision.
func MulRate(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(RateDecimals)
}

// MulToken multiplies and truncates to token precision.
func MulToken(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(TokenDecimals)
}

// DivRate divides with truncation toward zero at rate precision.
func DivRate(a, b decimal.Decimal) (decimal.Decimal, error) {
	return quo(a, b, RateDecimals)
}

// DivToken divides with truncation toward zero at token precision.
func DivToken(a, b decimal.Decimal) (decimal.Decimal, error) {
	return quo(a, b, TokenDecimals)
}

func quo(a, b decimal.Decimal, precision int32) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s / 0", ErrDivisionByZero, a)
	}
	q, _ := a.QuoRem(b, precision)
	return q, nil
}

// YearFraction returns rate * t / SecondsInYear at rate precision: the
// exponent of a continuously compounded rate held for t seconds.
func YearFraction(rate decimal.Decimal, t int64) decimal.Decimal {
	q, _ := rate.Mul(decimal.NewFromInt(t)).QuoRem(secondsInYear, RateDecimals)
	return q
}

// Annualize returns x * SecondsInYear / t at rate precision.
func Annualize(x decimal.Decimal, t int64) (decimal.Decimal, error) {
	if t <= 0 {
		return decimal.Zero, fmt.Errorf("%w: annualize over %d seconds", ErrDivisionByZero, t)
	}
	return quo(x.Mul(secondsInYear), decimal.NewFromInt(t), RateDecimals)
}

// Percent converts a whole-number percentage (e.g. 95) to a fraction.
func Percent(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Div(hundred)
}

// BasisPoints converts basis points (e.g. 30) to a fraction.
func BasisPoints(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Div(tenThousand)
}
