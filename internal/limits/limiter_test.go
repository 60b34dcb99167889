package limits

import (
	"testing"

	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	m1 int64 = 1_000_000
	m2 int64 = 2_000_000
	m3 int64 = 3_000_000
)

func portfolio(positions ...model.Position) model.Portfolio {
	p := model.Portfolio(positions)
	p.Sort()
	return p
}

func fCash(currencyID uint16, maturity int64, notional float64) model.Position {
	return model.Position{CurrencyID: currencyID, Maturity: maturity, Kind: model.KindFCash, Notional: d(notional)}
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	if err := limiter.CheckLimit(nil, 1, m1, d(100)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMaturityExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing position of 950 + new 100 = 1050 > 1000.
	existing := portfolio(fCash(1, m1, 950))

	if err := limiter.CheckLimit(existing, 1, m1, d(100)); err != ErrPerMaturityLimitExceeded {
		t.Errorf("expected ErrPerMaturityLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_BorrowSideCounts(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	existing := portfolio(fCash(1, m1, -950))

	if err := limiter.CheckLimit(existing, 1, m1, d(-100)); err != ErrPerMaturityLimitExceeded {
		t.Errorf("expected ErrPerMaturityLimitExceeded, got %v", err)
	}
	// Reducing the position is always allowed.
	if err := limiter.CheckLimit(existing, 1, m1, d(500)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerCurrencyExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := portfolio(
		fCash(1, m1, 800),
		fCash(1, m2, -800),
		fCash(1, m3, 300),
	)

	// 800 + 800 + 300 + 200 = 2100 > 2000.
	if err := limiter.CheckLimit(existing, 1, 4_000_000, d(200)); err != ErrPerCurrencyLimitExceeded {
		t.Errorf("expected ErrPerCurrencyLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherCurrenciesIgnored(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := portfolio(
		fCash(1, m1, 900),
		fCash(2, m1, 900),
		fCash(2, m2, 900),
		model.Position{CurrencyID: 1, Maturity: m2, Kind: model.KindPoolClaim, Notional: d(5000)},
	)

	// Currency 1 holds 900 of fCash; the pool claim and currency 2 do not count.
	if err := limiter.CheckLimit(existing, 1, m3, d(1000)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)

	existing := portfolio(fCash(1, m1, 1_000_000))
	if err := limiter.CheckLimit(existing, 1, m1, d(1_000_000)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_ExactBoundary(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	existing := portfolio(fCash(1, m1, 900))
	if err := limiter.CheckLimit(existing, 1, m1, d(100)); err != nil {
		t.Errorf("expected no error at exact limit, got %v", err)
	}
}
