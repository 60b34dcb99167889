// Package limits implements position limits on fCash exposure.
//
// An account borrowing or lending across every maturity of a currency has
// exposure to the whole yield curve, not just one market. The limiter caps
// both the net fCash held at a single maturity and the aggregate absolute
// fCash across all maturities of the currency.
package limits

import (
	"errors"

	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrPerMaturityLimitExceeded is returned when a trade would push the
	// net fCash at one maturity beyond the per-maturity maximum.
	ErrPerMaturityLimitExceeded = errors.New("limits: per-maturity position limit exceeded")

	// ErrPerCurrencyLimitExceeded is returned when a trade would push the
	// aggregate absolute fCash of a currency beyond the per-currency
	// maximum.
	ErrPerCurrencyLimitExceeded = errors.New("limits: per-currency exposure limit exceeded")
)

// PositionLimiter enforces fCash position limits. A zero limit disables
// the corresponding check.
type PositionLimiter struct {
	// MaxPerMaturity is the maximum absolute net fCash at any single
	// maturity.
	MaxPerMaturity decimal.Decimal

	// MaxPerCurrency is the maximum aggregate absolute fCash across all
	// maturities of a currency.
	MaxPerCurrency decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-maturity and
// per-currency limits.
func NewPositionLimiter(maxPerMaturity, maxPerCurrency decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMaturity: maxPerMaturity,
		MaxPerCurrency: maxPerCurrency,
	}
}

// CheckLimit validates whether adding fCashDelta at (currencyID, maturity)
// to portfolio respects the limits. Pool claims are ignored. Returns nil
// if the trade is within limits.
func (l *PositionLimiter) CheckLimit(
	portfolio model.Portfolio,
	currencyID uint16,
	maturity int64,
	fCashDelta decimal.Decimal,
) error {
	// 1. Per-maturity limit.
	current := decimal.Zero
	if i := portfolio.Find(currencyID, maturity, model.KindFCash); i >= 0 {
		current = portfolio[i].Notional
	}
	newPosition := current.Add(fCashDelta)

	if l.MaxPerMaturity.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerMaturity) {
		return ErrPerMaturityLimitExceeded
	}

	// 2. Currency exposure: sum |fCash| across the currency's maturities.
	if !l.MaxPerCurrency.IsPositive() {
		return nil
	}
	total := newPosition.Abs()
	for _, pos := range portfolio {
		if pos.CurrencyID != currencyID || pos.Kind != model.KindFCash || pos.Maturity == maturity {
			continue // the traded maturity is already counted via newPosition
		}
		total = total.Add(pos.Notional.Abs())
	}

	if total.GreaterThan(l.MaxPerCurrency) {
		return ErrPerCurrencyLimitExceeded
	}

	return nil
}
