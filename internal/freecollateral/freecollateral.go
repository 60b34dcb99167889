// Package freecollateral aggregates an account's cash, pool tokens and
// portfolio across currencies into a single base-unit solvency figure.
//
// Each currency's net local value is converted to the base unit through
// its exchange rate, with a haircut on positive values and a buffer on
// negative ones. The account is solvent while the sum is non-negative.
package freecollateral

import (
	"errors"
	"fmt"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/valuation"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownCurrency is returned when an account holds a currency with
	// no exchange rate, cash group or pool token configured.
	ErrUnknownCurrency = errors.New("freecollateral: unknown currency")

	ErrInvalidExchangeRate = errors.New("freecollateral: invalid exchange rate")
)

// ConvertToBase converts an underlying balance to the base unit, applying
// the haircut to positive balances and the buffer to negative ones.
func ConvertToBase(er model.ExchangeRate, balance decimal.Decimal) decimal.Decimal {
	multiplier := er.Buffer
	if balance.IsPositive() {
		multiplier = er.Haircut
	}
	return fixedpoint.MulToken(balance.Mul(er.Rate), multiplier)
}

// ConvertFromBase converts a base value back to underlying without any
// haircut or buffer.
func ConvertFromBase(er model.ExchangeRate, value decimal.Decimal) (decimal.Decimal, error) {
	if !er.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: currency %d", ErrInvalidExchangeRate, er.CurrencyID)
	}
	return fixedpoint.DivToken(value, er.Rate)
}

// CrossRate returns units of quote underlying per unit of base underlying.
func CrossRate(base, quote model.ExchangeRate) (decimal.Decimal, error) {
	if !quote.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: currency %d", ErrInvalidExchangeRate, quote.CurrencyID)
	}
	return fixedpoint.DivRate(base.Rate, quote.Rate)
}

// PoolTokenValue returns the total asset-cash value behind a pool token:
// its cash plus the present value of its pool claims and fCash.
func PoolTokenValue(pt model.PoolToken, cg *cashgroup.CashGroup, blockTime int64) (decimal.Decimal, error) {
	if len(pt.Portfolio) == 0 {
		return pt.CashBalance, nil
	}
	values, err := valuation.PortfolioValue(pt.Portfolio, map[uint16]*cashgroup.CashGroup{pt.CurrencyID: cg}, blockTime, false)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pool token %d: %w", pt.CurrencyID, err)
	}
	return pt.CashBalance.Add(values.For(pt.CurrencyID)), nil
}

// PoolTokenHaircutValue returns the collateral value of balance tokens:
// balance * totalValue * pvHaircut / totalSupply.
func PoolTokenHaircutValue(balance decimal.Decimal, pt model.PoolToken, totalValue decimal.Decimal) decimal.Decimal {
	return poolTokenShare(balance, pt, totalValue, pt.PVHaircutPercent)
}

func poolTokenShare(balance decimal.Decimal, pt model.PoolToken, totalValue decimal.Decimal, haircutPercent int64) decimal.Decimal {
	if !pt.TotalSupply.IsPositive() || balance.IsZero() {
		return decimal.Zero
	}
	v := balance.Mul(totalValue).Mul(fixedpoint.Percent(haircutPercent))
	q, _ := v.QuoRem(pt.TotalSupply, fixedpoint.TokenDecimals)
	return q
}

// Snapshot is the market and oracle state a calculation reads. It is
// loaded once per call.
type Snapshot struct {
	CashGroups    map[uint16]*cashgroup.CashGroup
	ExchangeRates map[uint16]model.ExchangeRate
	PoolTokens    map[uint16]model.PoolToken
}

// CurrencyFactors are the per-currency components of free collateral.
// Asset-cash amounts are in the currency's asset cash.
type CurrencyFactors struct {
	CurrencyID          uint16          `json:"currency_id"`
	CashBalance         decimal.Decimal `json:"cash_balance"`
	PoolTokenValue      decimal.Decimal `json:"pool_token_value"`       // haircut, asset cash
	PoolTokenTotalValue decimal.Decimal `json:"pool_token_total_value"` // whole pool token, asset cash
	PortfolioValue      decimal.Decimal `json:"portfolio_value"`        // risk adjusted, asset cash
	NetLocalAssetValue  decimal.Decimal `json:"net_local_asset_value"`
	NetLocalUnderlying  decimal.Decimal `json:"net_local_underlying"`
	NetBaseValue        decimal.Decimal `json:"net_base_value"`
}

// Result is the free collateral of one account.
type Result struct {
	AccountID    string            `json:"account_id"`
	NetBaseValue decimal.Decimal   `json:"net_base_value"`
	Currencies   []CurrencyFactors `json:"currencies"`
}

// Solvent reports whether free collateral is non-negative.
func (r Result) Solvent() bool {
	return !r.NetBaseValue.IsNegative()
}

// Currency returns the factors of one currency.
func (r Result) Currency(currencyID uint16) (CurrencyFactors, bool) {
	for _, c := range r.Currencies {
		if c.CurrencyID == currencyID {
			return c, true
		}
	}
	return CurrencyFactors{CurrencyID: currencyID}, false
}

// Calculate computes the free collateral of account at blockTime.
func Calculate(account model.Account, s Snapshot, blockTime int64) (Result, error) {
	currencies := account.Currencies()
	for _, id := range currencies {
		if _, ok := s.CashGroups[id]; !ok {
			return Result{}, fmt.Errorf("%w: no cash group for %d", ErrUnknownCurrency, id)
		}
		if _, ok := s.ExchangeRates[id]; !ok {
			return Result{}, fmt.Errorf("%w: no exchange rate for %d", ErrUnknownCurrency, id)
		}
	}

	values, err := valuation.PortfolioValue(account.Portfolio, s.CashGroups, blockTime, true)
	if err != nil {
		return Result{}, err
	}

	res := Result{AccountID: account.ID, NetBaseValue: decimal.Zero}
	for _, id := range currencies {
		cg := s.CashGroups[id]
		bal := account.Balance(id)

		f := CurrencyFactors{
			CurrencyID:          id,
			CashBalance:         bal.CashBalance,
			PoolTokenValue:      decimal.Zero,
			PoolTokenTotalValue: decimal.Zero,
			PortfolioValue:      values.For(id),
		}
		if !bal.PoolTokenBalance.IsZero() {
			pt, ok := s.PoolTokens[id]
			if !ok {
				return Result{}, fmt.Errorf("%w: no pool token for %d", ErrUnknownCurrency, id)
			}
			total, err := PoolTokenValue(pt, cg, blockTime)
			if err != nil {
				return Result{}, err
			}
			f.PoolTokenTotalValue = total
			f.PoolTokenValue = PoolTokenHaircutValue(bal.PoolTokenBalance, pt, total)
		}

		f.NetLocalAssetValue = f.CashBalance.Add(f.PoolTokenValue).Add(f.PortfolioValue)
		f.NetLocalUnderlying = cg.AssetRate.ToUnderlying(f.NetLocalAssetValue)
		f.NetBaseValue = ConvertToBase(s.ExchangeRates[id], f.NetLocalUnderlying)

		res.NetBaseValue = res.NetBaseValue.Add(f.NetBaseValue)
		res.Currencies = append(res.Currencies, f)
	}
	return res, nil
}
