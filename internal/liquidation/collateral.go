package liquidation

import (
	"fmt"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/freecollateral"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/valuation"
	"github.com/shopspring/decimal"
)

// CollateralCurrency sells collateral currency to the liquidator for local
// currency at the liquidation discount. Collateral is raised from cash,
// then by withdrawing pool claims, then from pool tokens valued at the
// liquidation haircut. maxCollateral and maxPoolTokens cap the seizure
// when positive.
func CollateralCurrency(f *Factors, maxCollateral, maxPoolTokens decimal.Decimal) (Result, error) {
	if err := f.requireCrossCurrency(); err != nil {
		return Result{}, err
	}
	discount := f.liquidationDiscount()
	required, err := f.collateralToRaise(discount)
	if err != nil {
		return Result{}, err
	}
	toRaise := CalculateLiquidationAmount(required, f.Collateral.NetLocalAssetValue, maxCollateral)
	localDebt := f.Local.NetLocalAssetValue.Neg()
	local, toRaise, err := f.LocalToPurchase(toRaise, discount, localDebt)
	if err != nil {
		return Result{}, err
	}
	if !toRaise.IsPositive() {
		return Result{}, fmt.Errorf("%w: nothing to raise in currency %d", ErrNoCollateral, f.CollateralID)
	}

	acct := f.Account.Clone()
	cg := f.CollateralGroup.Clone()
	res := f.newResult(KindCollateralCurrency)

	raised, err := raiseCollateral(f, &acct, cg, toRaise, maxPoolTokens, &res)
	if err != nil {
		return Result{}, err
	}
	if !raised.IsPositive() {
		return Result{}, fmt.Errorf("%w: currency %d", ErrNoCollateral, f.CollateralID)
	}
	if raised.LessThan(toRaise) {
		if local, _, err = f.LocalToPurchase(raised, discount, localDebt); err != nil {
			return Result{}, err
		}
	}

	acct.AddCash(f.LocalID, local)
	res.LocalFromLiquidator = local
	res.finish(acct)
	return res, nil
}

// collateralToRaise is the collateral asset cash whose sale restores free
// collateral to zero. Every base unit of collateral sold removes its
// haircut value and pays down local debt worth buffer/discount.
func (f *Factors) collateralToRaise(discount decimal.Decimal) (decimal.Decimal, error) {
	ratio, err := fixedpoint.DivRate(f.LocalRate.Buffer, discount)
	if err != nil {
		return decimal.Zero, err
	}
	denominator := ratio.Sub(f.CollateralRate.Haircut)
	if !denominator.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: liquidation discount %s exceeds buffer benefit", ErrNoCollateral, discount)
	}
	base, err := fixedpoint.DivToken(f.FreeCollateral.NetBaseValue.Neg(), denominator)
	if err != nil {
		return decimal.Zero, err
	}
	underlying, err := freecollateral.ConvertFromBase(f.CollateralRate, base)
	if err != nil {
		return decimal.Zero, err
	}
	return f.CollateralGroup.AssetRate.FromUnderlying(underlying), nil
}

// raiseCollateral moves up to toRaise collateral asset cash to the
// liquidator and returns the amount raised.
func raiseCollateral(f *Factors, acct *model.Account, cg *cashgroup.CashGroup, toRaise, maxPoolTokens decimal.Decimal, res *Result) (decimal.Decimal, error) {
	remaining := toRaise

	if cash := acct.Balance(f.CollateralID).CashBalance; cash.IsPositive() {
		take := decimal.Min(cash, remaining)
		acct.AddCash(f.CollateralID, take.Neg())
		res.CollateralCashToLiquidator = res.CollateralCashToLiquidator.Add(take)
		remaining = remaining.Sub(take)
	}

	for _, claim := range acct.Portfolio.ForCurrency(f.CollateralID) {
		if !remaining.IsPositive() {
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

		shares := claim.Notional
		if cash, _ := market.ClaimsFor(m, shares); cash.GreaterThan(remaining) {
			if shares, err = fixedpoint.DivToken(shares.Mul(remaining), cash); err != nil {
				return decimal.Zero, err
			}
			if !shares.IsPositive() {
				break
			}
		}
		next, cash, fCash, err := market.RemoveLiquidity(m, shares)
		if err != nil {
			return decimal.Zero, err
		}
		cg.SetMarket(next)
		res.setMarket(next)

		acct.Portfolio.AddAsset(f.CollateralID, claim.Maturity, model.KindPoolClaim, shares.Neg())
		acct.Portfolio.AddAsset(f.CollateralID, claim.Maturity, model.KindFCash, fCash)
		res.CollateralCashToLiquidator = res.CollateralCashToLiquidator.Add(cash)
		remaining = remaining.Sub(cash)
	}

	if remaining.IsPositive() {
		sold, err := sellCollateralPoolTokens(f, acct, remaining, maxPoolTokens, res)
		if err != nil {
			return decimal.Zero, err
		}
		remaining = remaining.Sub(sold)
	}
	return toRaise.Sub(remaining), nil
}

// sellCollateralPoolTokens transfers collateral pool tokens valued at the
// liquidation haircut and returns the value moved.
func sellCollateralPoolTokens(f *Factors, acct *model.Account, remaining, maxPoolTokens decimal.Decimal, res *Result) (decimal.Decimal, error) {
	balance := acct.Balance(f.CollateralID).PoolTokenBalance
	pt, ok := f.Snapshot.PoolTokens[f.CollateralID]
	total := f.Collateral.PoolTokenTotalValue
	if !balance.IsPositive() || !ok || !pt.TotalSupply.IsPositive() || !total.IsPositive() {
		return decimal.Zero, nil
	}
	liquidationHaircut := fixedpoint.Percent(pt.LiquidationHaircutPercent)
	tokens, err := fixedpoint.DivToken(remaining.Mul(pt.TotalSupply), total.Mul(liquidationHaircut))
	if err != nil {
		return decimal.Zero, err
	}
	tokens = CalculateLiquidationAmount(tokens, balance, maxPoolTokens)
	if tokens.IsZero() {
		return decimal.Zero, nil
	}
	value, err := fixedpoint.DivToken(tokens.Mul(total).Mul(liquidationHaircut), pt.TotalSupply)
	if err != nil {
		return decimal.Zero, err
	}
	acct.AddPoolTokens(f.CollateralID, tokens.Neg())
	res.PoolTokensToLiquidator = tokens
	res.PoolTokenCurrencyID = f.CollateralID
	return value, nil
}
