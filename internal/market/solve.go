package market

import (
	"fmt"

	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

// FCashGivenCashAmount solves for the fCash a trade must exchange so that
// the account nets netCashToAccount asset cash after fees. Negative cash
// lends, positive cash borrows.
//
// The curve is not invertible in closed form because of the logit term and
// the fee, so this runs Newton's method on
//
//	f(x)  = cash * postFeeRate(x) + x
//	f'(x) = 1 - cash * fee * (F + C) / (scalar * (F - x) * (C + x))
//
// starting from -cash * anchor. maxDelta <= 0 uses DefaultMaxDelta.
func FCashGivenCashAmount(m model.Market, p Params, netCashToAccount decimal.Decimal, blockTime int64, maxDelta decimal.Decimal) (decimal.Decimal, error) {
	if netCashToAccount.IsZero() {
		return decimal.Zero, ErrZeroTrade
	}
	if !maxDelta.IsPositive() {
		maxDelta = DefaultMaxDelta
	}
	c, err := newCurve(m, p, blockTime)
	if err != nil {
		return decimal.Zero, err
	}
	feeRate, err := ExchangeRateFromImpliedRate(p.TotalFee, c.ttm)
	if err != nil {
		return decimal.Zero, err
	}
	cash := p.AssetRate.ToUnderlying(netCashToAccount)

	guess := fixedpoint.MulToken(cash, c.anchor).Neg()
	for i := 0; i < MaxNewtonIterations; i++ {
		delta, err := c.newtonStep(cash, guess, feeRate)
		if err != nil {
			return decimal.Zero, err
		}
		if delta.Abs().LessThanOrEqual(maxDelta) {
			return guess, nil
		}
		guess = guess.Sub(delta)
	}
	return decimal.Zero, fmt.Errorf("%w: %d iterations for cash %s", ErrNoConvergence, MaxNewtonIterations, netCashToAccount)
}

// newtonStep returns f(x) / f'(x) at the current guess.
func (c curve) newtonStep(cash, guess, feeRate decimal.Decimal) (decimal.Decimal, error) {
	er, err := c.exchangeRate(guess)
	if err != nil {
		return decimal.Zero, err
	}

	denominator := c.scalar.Mul(c.totalFCash.Sub(guess)).Mul(c.totalCash.Add(guess))
	pool := c.totalFCash.Add(c.totalCash)

	var numerator decimal.Decimal
	if guess.IsPositive() {
		if er, err = fixedpoint.DivRate(er, feeRate); err != nil {
			return decimal.Zero, err
		}
		if numerator, err = fixedpoint.DivToken(cash.Mul(pool), feeRate); err != nil {
			return decimal.Zero, err
		}
	} else {
		er = fixedpoint.MulRate(er, feeRate)
		numerator = fixedpoint.MulToken(cash.Mul(feeRate), pool)
	}
	if er.LessThan(fixedpoint.One) {
		return decimal.Zero, fmt.Errorf("%w: post-fee exchange rate %s below one", ErrInvalidRate, er)
	}

	ratio, err := fixedpoint.DivRate(numerator, denominator)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: degenerate derivative", ErrNoConvergence)
	}
	derivative := fixedpoint.One.Sub(ratio)
	if derivative.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: zero derivative", ErrNoConvergence)
	}

	f := fixedpoint.MulToken(cash, er).Add(guess)
	return fixedpoint.DivToken(f, derivative)
}
