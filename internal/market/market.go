// Package market implements the interest-rate bonding curve that prices
// fCash against pooled cash for a single currency and maturity.
//
// The curve maps the pool's fCash proportion to an exchange rate (fCash
// received per unit of cash):
//
//	rate = ln(p / (1 - p)) / rateScalar + rateAnchor
//	p    = (totalFCash - fCashToAccount) / (totalFCash + totalCashUnderlying)
//
// The rate anchor is re-derived on every quote from the market's last
// implied rate so that the implied annualized rate is continuous through
// time. Nothing here is stateful: markets are passed in and returned by
// value, so a failed trade leaves the caller's market untouched.
//
// All monetary values use shopspring/decimal, never float64 for money.
package market

import (
	"errors"
	"fmt"

	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRate is returned when the curve would produce an exchange
	// rate below one, a degenerate proportion or an out-of-range implied rate.
	ErrInvalidRate = errors.New("market: no valid exchange rate")

	// ErrInsufficientLiquidity is returned when a trade would take all of
	// the pool's fCash or more cash than the pool holds.
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity")

	// ErrZeroLiquidity is returned when liquidity is added to or removed
	// from a market that holds none.
	ErrZeroLiquidity = errors.New("market: market has no liquidity")

	// ErrNoConvergence is returned when the inverse solve exceeds its
	// iteration bound.
	ErrNoConvergence = errors.New("market: fCash solve did not converge")

	// ErrMarketNotInitialized is returned when a rate is requested from a
	// market that has never been initialized.
	ErrMarketNotInitialized = errors.New("market: market not initialized")

	// ErrMarketMatured is returned when trading at or past maturity.
	ErrMarketMatured = errors.New("market: market has matured")

	ErrZeroTrade     = errors.New("market: trade amount must be non-zero")
	ErrInvalidAmount = errors.New("market: amount must be positive")
	ErrInvalidScalar = errors.New("market: rate scalar must be positive")

	// MaxMarketProportion caps the pool's fCash proportion after a trade.
	MaxMarketProportion = decimal.RequireFromString("0.99")

	// MaxImpliedRate is the largest annualized rate a market may carry.
	MaxImpliedRate = decimal.RequireFromString("4.294967295")

	// DefaultMaxDelta is the convergence tolerance of FCashGivenCashAmount,
	// in fCash units.
	DefaultMaxDelta = decimal.RequireFromString("0.001")

	// MaxNewtonIterations bounds FCashGivenCashAmount.
	MaxNewtonIterations = 250
)

// Params are the cash-group settings a market trades under.
type Params struct {
	RateScalar           int64           // configured scalar, adjusted by time to maturity
	TotalFee             decimal.Decimal // annualized
	ReserveFeeShare      decimal.Decimal // fraction of the fee sent to the reserve
	RateOracleTimeWindow int64           // seconds
	AssetRate            model.AssetRate
}

// Trade describes the cash flows of one trade. Cash amounts are asset cash.
type Trade struct {
	FCashToAccount      decimal.Decimal `json:"fcash_to_account"`
	CashToAccount       decimal.Decimal `json:"cash_to_account"`
	CashToMarket        decimal.Decimal `json:"cash_to_market"`
	CashToReserve       decimal.Decimal `json:"cash_to_reserve"`
	Fee                 decimal.Decimal `json:"fee"`
	PreFeeExchangeRate  decimal.Decimal `json:"pre_fee_exchange_rate"`
	PostFeeExchangeRate decimal.Decimal `json:"post_fee_exchange_rate"`
	ImpliedRate         decimal.Decimal `json:"implied_rate"` // market rate after the trade
}

// curve is the per-quote view of a market: totals in underlying plus the
// time-adjusted scalar and the re-derived anchor.
type curve struct {
	totalFCash decimal.Decimal
	totalCash  decimal.Decimal // underlying
	scalar     decimal.Decimal
	anchor     decimal.Decimal
	ttm        int64
}

// RateScalar adjusts a configured scalar by the time to maturity:
// scalar * SecondsInYear / timeToMaturity. Short-dated markets get a larger
// scalar and therefore less slippage per unit of proportion.
func RateScalar(scalar int64, timeToMaturity int64) (decimal.Decimal, error) {
	if scalar <= 0 {
		return decimal.Zero, ErrInvalidScalar
	}
	if timeToMaturity <= 0 {
		return decimal.Zero, ErrMarketMatured
	}
	s, err := fixedpoint.DivRate(
		decimal.NewFromInt(scalar).Mul(decimal.NewFromInt(fixedpoint.SecondsInYear)),
		decimal.NewFromInt(timeToMaturity),
	)
	if err != nil {
		return decimal.Zero, err
	}
	if !s.IsPositive() {
		return decimal.Zero, ErrInvalidScalar
	}
	return s, nil
}

// ExchangeRateFromImpliedRate converts an annualized rate into the exchange
// rate for the given time to maturity: exp(rate * t / year).
func ExchangeRateFromImpliedRate(rate decimal.Decimal, timeToMaturity int64) (decimal.Decimal, error) {
	if timeToMaturity <= 0 {
		return fixedpoint.One, nil
	}
	return fixedpoint.Exp(fixedpoint.YearFraction(rate, timeToMaturity))
}

// ImpliedRateFromExchangeRate inverts ExchangeRateFromImpliedRate:
// ln(er) * year / t.
func ImpliedRateFromExchangeRate(er decimal.Decimal, timeToMaturity int64) (decimal.Decimal, error) {
	if er.LessThan(fixedpoint.One) {
		return decimal.Zero, fmt.Errorf("%w: exchange rate %s below one", ErrInvalidRate, er)
	}
	lnRate, err := fixedpoint.Ln(er)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := fixedpoint.Annualize(lnRate, timeToMaturity)
	if err != nil {
		return decimal.Zero, err
	}
	if r.GreaterThan(MaxImpliedRate) {
		return decimal.Zero, fmt.Errorf("%w: implied rate %s above maximum", ErrInvalidRate, r)
	}
	return r, nil
}

// logProportion returns ln(p / (1 - p)) for p = numerator / denominator.
func logProportion(numerator, denominator decimal.Decimal) (decimal.Decimal, error) {
	if !numerator.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: pool fCash would be exhausted", ErrInsufficientLiquidity)
	}
	if !denominator.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: empty pool", ErrInsufficientLiquidity)
	}
	p, err := fixedpoint.DivRate(numerator, denominator)
	if err != nil {
		return decimal.Zero, err
	}
	if !p.IsPositive() || p.GreaterThanOrEqual(MaxMarketProportion) {
		return decimal.Zero, fmt.Errorf("%w: proportion %s out of range", ErrInvalidRate, p)
	}
	odds, err := fixedpoint.DivRate(p, fixedpoint.One.Sub(p))
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Ln(odds)
}

// RateAnchor derives the anchor that makes the curve's zero-size exchange
// rate equal exp(lastImpliedRate * t) at the current pool proportion.
func RateAnchor(totalFCash, totalCashUnderlying, lastImpliedRate, rateScalar decimal.Decimal, timeToMaturity int64) (decimal.Decimal, error) {
	lnP, err := logProportion(totalFCash, totalFCash.Add(totalCashUnderlying))
	if err != nil {
		return decimal.Zero, err
	}
	er, err := ExchangeRateFromImpliedRate(lastImpliedRate, timeToMaturity)
	if err != nil {
		return decimal.Zero, err
	}
	shift, err := fixedpoint.DivRate(lnP, rateScalar)
	if err != nil {
		return decimal.Zero, err
	}
	return er.Sub(shift), nil
}

// ExchangeRate returns the pre-fee exchange rate for trading fCashToAccount
// against the given pool totals.
func ExchangeRate(totalFCash, totalCashUnderlying, rateScalar, rateAnchor, fCashToAccount decimal.Decimal) (decimal.Decimal, error) {
	if fCashToAccount.GreaterThanOrEqual(totalCashUnderlying) {
		return decimal.Zero, fmt.Errorf("%w: fCash %s exceeds pool cash %s", ErrInsufficientLiquidity, fCashToAccount, totalCashUnderlying)
	}
	lnP, err := logProportion(totalFCash.Sub(fCashToAccount), totalFCash.Add(totalCashUnderlying))
	if err != nil {
		return decimal.Zero, err
	}
	shift, err := fixedpoint.DivRate(lnP, rateScalar)
	if err != nil {
		return decimal.Zero, err
	}
	rate := shift.Add(rateAnchor)
	if rate.LessThan(fixedpoint.One) {
		return decimal.Zero, fmt.Errorf("%w: exchange rate %s below one", ErrInvalidRate, rate)
	}
	return rate, nil
}

func newCurve(m model.Market, p Params, blockTime int64) (curve, error) {
	if !m.IsInitialized() {
		return curve{}, ErrMarketNotInitialized
	}
	ttm := m.Maturity - blockTime
	if ttm <= 0 {
		return curve{}, ErrMarketMatured
	}
	scalar, err := RateScalar(p.RateScalar, ttm)
	if err != nil {
		return curve{}, err
	}
	cash := p.AssetRate.ToUnderlying(m.TotalCash)
	anchor, err := RateAnchor(m.TotalFCash, cash, m.LastImpliedRate, scalar, ttm)
	if err != nil {
		return curve{}, err
	}
	return curve{totalFCash: m.TotalFCash, totalCash: cash, scalar: scalar, anchor: anchor, ttm: ttm}, nil
}

func (c curve) exchangeRate(fCashToAccount decimal.Decimal) (decimal.Decimal, error) {
	return ExchangeRate(c.totalFCash, c.totalCash, c.scalar, c.anchor, fCashToAccount)
}

// ImpliedRate returns the annualized rate of a zero-size trade at the
// market's current state, re-anchored for blockTime.
func ImpliedRate(m model.Market, p Params, blockTime int64) (decimal.Decimal, error) {
	c, err := newCurve(m, p, blockTime)
	if err != nil {
		return decimal.Zero, err
	}
	er, err := c.exchangeRate(decimal.Zero)
	if err != nil {
		return decimal.Zero, err
	}
	return ImpliedRateFromExchangeRate(er, c.ttm)
}

// CalculateTrade executes a trade of fCashToAccount against a copy of m and
// returns the updated market. fCashToAccount > 0 lends, < 0 borrows. On
// error the returned market is the zero value and m is unchanged.
func CalculateTrade(m model.Market, p Params, fCashToAccount decimal.Decimal, blockTime int64) (model.Market, Trade, error) {
	if fCashToAccount.IsZero() {
		return model.Market{}, Trade{}, ErrZeroTrade
	}
	c, err := newCurve(m, p, blockTime)
	if err != nil {
		return model.Market{}, Trade{}, err
	}

	preFee, err := c.exchangeRate(fCashToAccount)
	if err != nil {
		return model.Market{}, Trade{}, err
	}
	feeRate, err := ExchangeRateFromImpliedRate(p.TotalFee, c.ttm)
	if err != nil {
		return model.Market{}, Trade{}, err
	}

	var postFee decimal.Decimal
	if fCashToAccount.IsPositive() {
		// Lenders receive less fCash per unit of cash.
		if postFee, err = fixedpoint.DivRate(preFee, feeRate); err != nil {
			return model.Market{}, Trade{}, err
		}
	} else {
		postFee = fixedpoint.MulRate(preFee, feeRate)
	}
	if postFee.LessThan(fixedpoint.One) {
		return model.Market{}, Trade{}, fmt.Errorf("%w: post-fee exchange rate %s below one", ErrInvalidRate, postFee)
	}

	preFeeCash, err := fixedpoint.DivToken(fCashToAccount.Neg(), preFee)
	if err != nil {
		return model.Market{}, Trade{}, err
	}
	cashToAccount, err := fixedpoint.DivToken(fCashToAccount.Neg(), postFee)
	if err != nil {
		return model.Market{}, Trade{}, err
	}
	fee := preFeeCash.Sub(cashToAccount)
	reserve := fixedpoint.MulToken(fee, p.ReserveFeeShare)
	cashToMarket := cashToAccount.Add(reserve).Neg()

	next := m
	next.TotalFCash = m.TotalFCash.Sub(fCashToAccount)
	next.TotalCash = m.TotalCash.Add(p.AssetRate.FromUnderlying(cashToMarket))

	// The new implied rate comes from the pre-fee curve at the new state.
	nextCash := p.AssetRate.ToUnderlying(next.TotalCash)
	er, err := ExchangeRate(next.TotalFCash, nextCash, c.scalar, c.anchor, decimal.Zero)
	if err != nil {
		return model.Market{}, Trade{}, err
	}
	implied, err := ImpliedRateFromExchangeRate(er, c.ttm)
	if err != nil {
		return model.Market{}, Trade{}, err
	}

	oracle, err := OracleRate(m, p.RateOracleTimeWindow, blockTime)
	if err != nil {
		return model.Market{}, Trade{}, err
	}
	next.OracleRate = oracle
	next.LastImpliedRate = implied
	next.PreviousTradeTime = blockTime

	return next, Trade{
		FCashToAccount:      fCashToAccount,
		CashToAccount:       p.AssetRate.FromUnderlying(cashToAccount),
		CashToMarket:        p.AssetRate.FromUnderlying(cashToMarket),
		CashToReserve:       p.AssetRate.FromUnderlying(reserve),
		Fee:                 p.AssetRate.FromUnderlying(fee),
		PreFeeExchangeRate:  preFee,
		PostFeeExchangeRate: postFee,
		ImpliedRate:         implied,
	}, nil
}

// QuoteTrade runs CalculateTrade and discards the new market state.
func QuoteTrade(m model.Market, p Params, fCashToAccount decimal.Decimal, blockTime int64) (Trade, error) {
	_, t, err := CalculateTrade(m, p, fCashToAccount, blockTime)
	return t, err
}

// OracleRate returns the time-weighted average of the last implied rate and
// the stored oracle rate. Once a full window has passed since the last
// trade the oracle rate equals the last implied rate.
func OracleRate(m model.Market, window int64, blockTime int64) (decimal.Decimal, error) {
	if !m.IsInitialized() && m.LastImpliedRate.IsZero() && m.OracleRate.IsZero() {
		return decimal.Zero, ErrMarketNotInitialized
	}
	elapsed := blockTime - m.PreviousTradeTime
	if window <= 0 || m.PreviousTradeTime > blockTime || elapsed > window {
		return m.LastImpliedRate, nil
	}
	w, err := fixedpoint.DivRate(decimal.NewFromInt(elapsed), decimal.NewFromInt(window))
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Rate(
		m.LastImpliedRate.Mul(w).Add(m.OracleRate.Mul(fixedpoint.One.Sub(w))),
	), nil
}

// AddLiquidity deposits asset cash into an initialized market. It returns
// the updated market, the liquidity shares minted and the fCash owed by the
// provider (negative: the provider takes the offsetting fCash position).
func AddLiquidity(m model.Market, cash decimal.Decimal) (model.Market, decimal.Decimal, decimal.Decimal, error) {
	if !m.IsInitialized() || !m.TotalCash.IsPositive() {
		return model.Market{}, decimal.Zero, decimal.Zero, ErrZeroLiquidity
	}
	if !cash.IsPositive() {
		return model.Market{}, decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	shares, err := fixedpoint.DivToken(m.TotalLiquidity.Mul(cash), m.TotalCash)
	if err != nil {
		return model.Market{}, decimal.Zero, decimal.Zero, err
	}
	fCash, err := fixedpoint.DivToken(m.TotalFCash.Mul(cash), m.TotalCash)
	if err != nil {
		return model.Market{}, decimal.Zero, decimal.Zero, err
	}

	next := m
	next.TotalLiquidity = m.TotalLiquidity.Add(shares)
	next.TotalCash = m.TotalCash.Add(cash)
	next.TotalFCash = m.TotalFCash.Add(fCash)
	return next, shares, fCash.Neg(), nil
}

// RemoveLiquidity burns shares and returns the updated market with the
// pro-rata asset cash and fCash claimed.
func RemoveLiquidity(m model.Market, shares decimal.Decimal) (model.Market, decimal.Decimal, decimal.Decimal, error) {
	if !m.IsInitialized() {
		return model.Market{}, decimal.Zero, decimal.Zero, ErrZeroLiquidity
	}
	if !shares.IsPositive() {
		return model.Market{}, decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	if shares.GreaterThan(m.TotalLiquidity) {
		return model.Market{}, decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: %s shares requested, %s outstanding", ErrInsufficientLiquidity, shares, m.TotalLiquidity)
	}
	cash, fCash := ClaimsFor(m, shares)

	next := m
	next.TotalLiquidity = m.TotalLiquidity.Sub(shares)
	next.TotalCash = m.TotalCash.Sub(cash)
	next.TotalFCash = m.TotalFCash.Sub(fCash)
	return next, cash, fCash, nil
}

// ClaimsFor returns the pro-rata asset cash and fCash of shares without
// changing the market.
func ClaimsFor(m model.Market, shares decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if !m.TotalLiquidity.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	cash, _ := fixedpoint.DivToken(m.TotalCash.Mul(shares), m.TotalLiquidity)
	fCash, _ := fixedpoint.DivToken(m.TotalFCash.Mul(shares), m.TotalLiquidity)
	return cash, fCash
}

// Initialize creates the first liquidity in a market. The provider receives
// shares equal to the cash deposited; the rate the market opens at is given
// explicitly and becomes both the last implied and the oracle rate.
func Initialize(currencyID uint16, maturity int64, cash, fCash, impliedRate decimal.Decimal, blockTime int64) (model.Market, error) {
	if !cash.IsPositive() || !fCash.IsPositive() {
		return model.Market{}, ErrInvalidAmount
	}
	if !impliedRate.IsPositive() || impliedRate.GreaterThan(MaxImpliedRate) {
		return model.Market{}, fmt.Errorf("%w: initial rate %s", ErrInvalidRate, impliedRate)
	}
	if maturity <= blockTime {
		return model.Market{}, ErrMarketMatured
	}
	return model.Market{
		CurrencyID:        currencyID,
		Maturity:          maturity,
		TotalFCash:        fCash,
		TotalCash:         cash,
		TotalLiquidity:    cash,
		LastImpliedRate:   impliedRate,
		OracleRate:        impliedRate,
		PreviousTradeTime: blockTime,
	}, nil
}
