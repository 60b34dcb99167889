package liquidation

import (
	"fmt"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/valuation"
	"github.com/shopspring/decimal"
)

// LocalCurrency raises local currency collateral for an account whose local
// balance is negative. Pool claims in the local currency are withdrawn
// first, paying the liquidator TokenRepoIncentive of the cash freed. If that
// is not enough the liquidator buys the account's pool tokens at the
// liquidation haircut, up to maxPoolTokens when positive.
func LocalCurrency(f *Factors, maxPoolTokens decimal.Decimal) (Result, error) {
	if !f.Local.NetLocalAssetValue.IsNegative() {
		return Result{}, fmt.Errorf("%w: currency %d available %s", ErrNoDebt, f.LocalID, f.Local.NetLocalAssetValue)
	}
	benefit, err := f.localBenefitRequired()
	if err != nil {
		return Result{}, err
	}

	acct := f.Account.Clone()
	cg := f.LocalGroup.Clone()
	res := f.newResult(KindLocalCurrency)

	if benefit, err = withdrawLocalPoolClaims(f, &acct, cg, benefit, &res); err != nil {
		return Result{}, err
	}
	if benefit.IsPositive() {
		if err := purchaseLocalPoolTokens(f, &acct, benefit, maxPoolTokens, &res); err != nil {
			return Result{}, err
		}
	}

	if len(res.Markets) == 0 && res.PoolTokensToLiquidator.IsZero() {
		return Result{}, fmt.Errorf("%w: no pool claims or pool tokens in currency %d", ErrNoCollateral, f.LocalID)
	}
	res.finish(acct)
	return res, nil
}

// withdrawLocalPoolClaims removes the account's local pool claims in
// maturity order until benefit is covered, returning what is left of it.
func withdrawLocalPoolClaims(f *Factors, acct *model.Account, cg *cashgroup.CashGroup, benefit decimal.Decimal, res *Result) (decimal.Decimal, error) {
	for _, claim := range acct.Portfolio.ForCurrency(f.LocalID) {
		if !benefit.IsPositive() {
			break
		}
		if claim.Kind != model.KindPoolClaim || !claim.Notional.IsPositive() {
			continue
		}
		index, idiosyncratic, err := cashgroup.MarketIndex(cg.Config.MaxMarketIndex, claim.Maturity, f.BlockTime)
		if err != nil {
			return decimal.Zero, err
		}
		if idiosyncratic {
			return decimal.Zero, fmt.Errorf("%w: maturity %d", valuation.ErrIdiosyncraticPoolClaim, claim.Maturity)
		}
		m, err := cg.Market(index, f.BlockTime)
		if err != nil {
			return decimal.Zero, err
		}
		haircut := cg.LiquidityTokenHaircut(index)

		shares := claim.Notional
		increase, err := claimNetIncrease(cg, m, shares, haircut, claim.Maturity, f.BlockTime)
		if err != nil {
			return decimal.Zero, err
		}
		incentive := fixedpoint.MulToken(increase, TokenRepoIncentive)
		if net := increase.Sub(incentive); net.GreaterThan(benefit) {
			if shares, err = fixedpoint.DivToken(shares.Mul(benefit), net); err != nil {
				return decimal.Zero, err
			}
			if !shares.IsPositive() {
				break
			}
			if increase, err = claimNetIncrease(cg, m, shares, haircut, claim.Maturity, f.BlockTime); err != nil {
				return decimal.Zero, err
			}
			incentive = fixedpoint.MulToken(increase, TokenRepoIncentive)
		}

		next, cash, fCash, err := market.RemoveLiquidity(m, shares)
		if err != nil {
			return decimal.Zero, err
		}
		cg.SetMarket(next)
		res.setMarket(next)

		acct.Portfolio.AddAsset(f.LocalID, claim.Maturity, model.KindPoolClaim, shares.Neg())
		acct.Portfolio.AddAsset(f.LocalID, claim.Maturity, model.KindFCash, fCash)
		acct.AddCash(f.LocalID, cash.Sub(incentive))
		res.LocalCashToLiquidator = res.LocalCashToLiquidator.Add(incentive)
		benefit = benefit.Sub(increase.Sub(incentive))
	}
	return benefit, nil
}

// claimNetIncrease is the collateral gained by withdrawing shares: the
// share of the cash and fCash claims that the liquidity token haircut
// previously excluded.
func claimNetIncrease(cg *cashgroup.CashGroup, m model.Market, shares, haircut decimal.Decimal, maturity, blockTime int64) (decimal.Decimal, error) {
	cash, fCash := market.ClaimsFor(m, shares)
	released := fixedpoint.One.Sub(haircut)
	pv, err := valuation.FCashValue(cg, fixedpoint.MulToken(fCash, released), maturity, blockTime, true)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.MulToken(cash, released).Add(cg.AssetRate.FromUnderlying(pv)), nil
}

// purchaseLocalPoolTokens sells the account's local pool tokens to the
// liquidator at the liquidation haircut. Each token improves collateral by
// its value times the gap between the liquidation and valuation haircuts.
func purchaseLocalPoolTokens(f *Factors, acct *model.Account, benefit, maxPoolTokens decimal.Decimal, res *Result) error {
	balance := acct.Balance(f.LocalID).PoolTokenBalance
	if !balance.IsPositive() {
		return nil
	}
	pt, ok := f.Snapshot.PoolTokens[f.LocalID]
	total := f.Local.PoolTokenTotalValue
	if !ok || !pt.TotalSupply.IsPositive() || !total.IsPositive() {
		return nil
	}
	liquidationHaircut := fixedpoint.Percent(pt.LiquidationHaircutPercent)
	spread := liquidationHaircut.Sub(fixedpoint.Percent(pt.PVHaircutPercent))
	if !spread.IsPositive() {
		return nil
	}

	tokens, err := fixedpoint.DivToken(benefit.Mul(pt.TotalSupply), total.Mul(spread))
	if err != nil {
		return err
	}
	tokens = CalculateLiquidationAmount(tokens, balance, maxPoolTokens)
	if tokens.IsZero() {
		return nil
	}
	paid, err := fixedpoint.DivToken(tokens.Mul(total).Mul(liquidationHaircut), pt.TotalSupply)
	if err != nil {
		return err
	}

	acct.AddPoolTokens(f.LocalID, tokens.Neg())
	acct.AddCash(f.LocalID, paid)
	res.PoolTokensToLiquidator = tokens
	res.PoolTokenCurrencyID = f.LocalID
	res.LocalFromLiquidator = res.LocalFromLiquidator.Add(paid)
	return nil
}
