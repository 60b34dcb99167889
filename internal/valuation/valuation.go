// Package valuation computes present values of fCash and pool claims, with
// and without risk adjustment, and aggregates sorted portfolios into one
// value per currency.
package valuation

import (
	"errors"
	"fmt"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrPortfolioNotSorted is returned when positions are not ordered by
	// currency then maturity; values would be attributed to the wrong group.
	ErrPortfolioNotSorted = errors.New("valuation: portfolio not sorted")

	// ErrIdiosyncraticPoolClaim is returned for a pool claim whose maturity
	// is not on the grid. Pool claims only exist on active markets.
	ErrIdiosyncraticPoolClaim = errors.New("valuation: pool claim on idiosyncratic maturity")

	ErrAssetMatured     = errors.New("valuation: asset has matured")
	ErrMissingCashGroup = errors.New("valuation: no cash group for currency")
	ErrUnknownAssetKind = errors.New("valuation: unknown asset kind")
)

// DiscountFactor returns exp(-rate * t / year).
func DiscountFactor(timeToMaturity int64, rate decimal.Decimal) (decimal.Decimal, error) {
	df, err := fixedpoint.Exp(fixedpoint.YearFraction(rate, timeToMaturity).Neg())
	if err != nil {
		return decimal.Zero, err
	}
	if df.GreaterThan(fixedpoint.One) {
		return decimal.Zero, fmt.Errorf("%w: discount factor %s", fixedpoint.ErrPrecisionBoundExceeded, df)
	}
	return df, nil
}

// AdjustedDiscountFactor returns the factor for a receivable discounted at
// oracle + haircut, or a payable discounted at oracle - buffer. A payable
// whose buffer reaches the oracle rate is held at face value.
func AdjustedDiscountFactor(timeToMaturity int64, oracleRate, haircut, buffer decimal.Decimal, receivable bool) (decimal.Decimal, error) {
	if receivable {
		return DiscountFactor(timeToMaturity, oracleRate.Add(haircut))
	}
	if buffer.GreaterThanOrEqual(oracleRate) {
		return fixedpoint.One, nil
	}
	return DiscountFactor(timeToMaturity, oracleRate.Sub(buffer))
}

// PresentValue discounts notional at the oracle rate.
func PresentValue(notional decimal.Decimal, maturity, blockTime int64, oracleRate decimal.Decimal) (decimal.Decimal, error) {
	ttm := maturity - blockTime
	if ttm <= 0 {
		return decimal.Zero, fmt.Errorf("%w: maturity %d at %d", ErrAssetMatured, maturity, blockTime)
	}
	df, err := DiscountFactor(ttm, oracleRate)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.MulToken(notional, df), nil
}

// RiskAdjustedPresentValue discounts notional with the cash group's fCash
// haircut (receivables) or debt buffer (payables).
func RiskAdjustedPresentValue(cg *cashgroup.CashGroup, notional decimal.Decimal, maturity, blockTime int64, oracleRate decimal.Decimal) (decimal.Decimal, error) {
	ttm := maturity - blockTime
	if ttm <= 0 {
		return decimal.Zero, fmt.Errorf("%w: maturity %d at %d", ErrAssetMatured, maturity, blockTime)
	}
	df, err := AdjustedDiscountFactor(ttm, oracleRate, cg.FCashHaircut(), cg.DebtBuffer(), notional.IsPositive())
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.MulToken(notional, df), nil
}

// FCashValue values notional at maturity using the cash group's oracle
// rate for that maturity. The result is in underlying.
func FCashValue(cg *cashgroup.CashGroup, notional decimal.Decimal, maturity, blockTime int64, riskAdjusted bool) (decimal.Decimal, error) {
	if notional.IsZero() {
		return decimal.Zero, nil
	}
	if maturity <= blockTime {
		return decimal.Zero, fmt.Errorf("%w: maturity %d at %d", ErrAssetMatured, maturity, blockTime)
	}
	rate, err := cg.OracleRate(maturity, blockTime)
	if err != nil {
		return decimal.Zero, err
	}
	if riskAdjusted {
		return RiskAdjustedPresentValue(cg, notional, maturity, blockTime, rate)
	}
	return PresentValue(notional, maturity, blockTime, rate)
}

// CashClaims returns the asset cash and fCash a pool claim is entitled to.
func CashClaims(claim model.Position, m model.Market) (decimal.Decimal, decimal.Decimal) {
	return market.ClaimsFor(m, claim.Notional)
}

// HaircutCashClaims returns the claims of the haircut share of a pool claim
// at market index.
func HaircutCashClaims(claim model.Position, m model.Market, cg *cashgroup.CashGroup, index int) (decimal.Decimal, decimal.Decimal) {
	shares := fixedpoint.MulToken(claim.Notional, cg.LiquidityTokenHaircut(index))
	return market.ClaimsFor(m, shares)
}

// poolClaimMarket resolves the market backing a pool claim.
func poolClaimMarket(cg *cashgroup.CashGroup, claim model.Position, blockTime int64) (model.Market, int, error) {
	if claim.Maturity <= blockTime {
		return model.Market{}, 0, fmt.Errorf("%w: pool claim maturity %d at %d", ErrAssetMatured, claim.Maturity, blockTime)
	}
	index, idiosyncratic, err := cashgroup.MarketIndex(cg.Config.MaxMarketIndex, claim.Maturity, blockTime)
	if err != nil {
		return model.Market{}, 0, err
	}
	if idiosyncratic {
		return model.Market{}, 0, fmt.Errorf("%w: currency %d maturity %d", ErrIdiosyncraticPoolClaim, claim.CurrencyID, claim.Maturity)
	}
	m, err := cg.Market(index, blockTime)
	if err != nil {
		return model.Market{}, 0, err
	}
	return m, index, nil
}

// PositionValue values a single position in asset cash. A pool claim is
// valued as its cash claim plus the discounted fCash claim, without
// netting against other positions.
func PositionValue(pos model.Position, cg *cashgroup.CashGroup, blockTime int64, riskAdjusted bool) (decimal.Decimal, error) {
	switch pos.Kind {
	case model.KindFCash:
		pv, err := FCashValue(cg, pos.Notional, pos.Maturity, blockTime, riskAdjusted)
		if err != nil {
			return decimal.Zero, err
		}
		return cg.AssetRate.FromUnderlying(pv), nil
	case model.KindPoolClaim:
		m, index, err := poolClaimMarket(cg, pos, blockTime)
		if err != nil {
			return decimal.Zero, err
		}
		cash, fCash := CashClaims(pos, m)
		if riskAdjusted {
			cash, fCash = HaircutCashClaims(pos, m, cg, index)
		}
		pv, err := FCashValue(cg, fCash, pos.Maturity, blockTime, riskAdjusted)
		if err != nil {
			return decimal.Zero, err
		}
		return cash.Add(cg.AssetRate.FromUnderlying(pv)), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %d", ErrUnknownAssetKind, pos.Kind)
	}
}
