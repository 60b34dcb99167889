package liquidation

import (
	"fmt"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/valuation"
	"github.com/shopspring/decimal"
)

// discountFactors returns the risk-adjusted and liquidation discount
// factors of an fCash position in cg.
func discountFactors(cg *cashgroup.CashGroup, notional decimal.Decimal, maturity, blockTime int64) (decimal.Decimal, decimal.Decimal, error) {
	ttm := maturity - blockTime
	if ttm <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: maturity %d at %d", valuation.ErrAssetMatured, maturity, blockTime)
	}
	oracle, err := cg.OracleRate(maturity, blockTime)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	receivable := notional.IsPositive()
	risk, err := valuation.AdjustedDiscountFactor(ttm, oracle, cg.FCashHaircut(), cg.DebtBuffer(), receivable)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	liq, err := valuation.AdjustedDiscountFactor(ttm, oracle, cg.LiquidationFCashHaircut(), cg.LiquidationDebtBuffer(), receivable)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return risk, liq, nil
}

func checkAmounts(maturities []int64, maxAmounts []decimal.Decimal) error {
	if len(maturities) == 0 {
		return fmt.Errorf("%w: no maturities", ErrInvalidRequest)
	}
	if maxAmounts != nil && len(maxAmounts) != len(maturities) {
		return fmt.Errorf("%w: %d maturities, %d maximums", ErrInvalidRequest, len(maturities), len(maxAmounts))
	}
	return nil
}

func maxAmount(maxAmounts []decimal.Decimal, i int) decimal.Decimal {
	if maxAmounts == nil {
		return decimal.Zero
	}
	return maxAmounts[i]
}

// LocalFCash transfers local fCash at the given maturities to the
// liquidator, who pays local cash at the liquidation discount factor. The
// account benefits from the gap between that and the risk-adjusted factor.
// Positive fCash is always eligible; negative fCash only while the local
// balance is positive. maxAmounts, when given, caps each maturity's
// notional.
func LocalFCash(f *Factors, maturities []int64, maxAmounts []decimal.Decimal) (Result, error) {
	if err := checkAmounts(maturities, maxAmounts); err != nil {
		return Result{}, err
	}
	available := f.Local.NetLocalAssetValue
	if available.IsZero() {
		return Result{}, fmt.Errorf("%w: currency %d has no local balance", ErrNoDebt, f.LocalID)
	}
	benefitAsset, err := f.localBenefitRequired()
	if err != nil {
		return Result{}, err
	}
	benefit := f.LocalGroup.AssetRate.ToUnderlying(benefitAsset)

	acct := f.Account.Clone()
	res := f.newResult(KindLocalFCash)
	localUnderlying := decimal.Zero

	for i, maturity := range maturities {
		if !benefit.IsPositive() {
			break
		}
		j := acct.Portfolio.Find(f.LocalID, maturity, model.KindFCash)
		if j < 0 {
			continue
		}
		notional := acct.Portfolio[j].Notional
		if notional.IsZero() || (notional.IsNegative() && !available.IsPositive()) {
			continue
		}

		risk, liq, err := discountFactors(f.LocalGroup, notional, maturity, f.BlockTime)
		if err != nil {
			return Result{}, err
		}
		spread := liq.Sub(risk).Abs()
		if spread.IsZero() {
			continue
		}
		transfer, err := fixedpoint.DivToken(benefit, spread)
		if err != nil {
			return Result{}, err
		}
		transfer = CalculateLiquidationAmount(transfer, notional.Abs(), maxAmount(maxAmounts, i))
		if transfer.IsZero() {
			continue
		}
		if notional.IsNegative() {
			transfer = transfer.Neg()
		}

		acct.Portfolio.AddAsset(f.LocalID, maturity, model.KindFCash, transfer.Neg())
		res.FCashToLiquidator.AddAsset(f.LocalID, maturity, model.KindFCash, transfer)
		localUnderlying = localUnderlying.Add(fixedpoint.MulToken(transfer, liq))
		benefit = benefit.Sub(fixedpoint.MulToken(transfer.Abs(), spread))
	}

	if len(res.FCashToLiquidator) == 0 {
		return Result{}, fmt.Errorf("%w: no eligible fCash in currency %d", ErrNoCollateral, f.LocalID)
	}
	local := f.LocalGroup.AssetRate.FromUnderlying(localUnderlying)
	acct.AddCash(f.LocalID, local)
	res.LocalFromLiquidator = local
	res.finish(acct)
	return res, nil
}

// CrossCurrencyFCash transfers positive collateral fCash to the liquidator
// in exchange for local cash. The liquidator values the fCash at the
// liquidation discount factor and pays for it at the liquidation discount.
// Payment never exceeds the account's local debt.
func CrossCurrencyFCash(f *Factors, maturities []int64, maxAmounts []decimal.Decimal) (Result, error) {
	if err := checkAmounts(maturities, maxAmounts); err != nil {
		return Result{}, err
	}
	if err := f.requireCrossCurrency(); err != nil {
		return Result{}, err
	}
	discount := f.liquidationDiscount()
	bufferRatio, err := fixedpoint.DivRate(f.LocalRate.Buffer, discount)
	if err != nil {
		return Result{}, err
	}
	benefit := f.FreeCollateral.NetBaseValue.Neg()
	localDebt := f.Local.NetLocalAssetValue.Neg()

	acct := f.Account.Clone()
	res := f.newResult(KindCrossCurrencyFCash)
	localPaid := decimal.Zero

	for i, maturity := range maturities {
		if !benefit.IsPositive() || !localPaid.LessThan(localDebt) {
			break
		}
		j := acct.Portfolio.Find(f.CollateralID, maturity, model.KindFCash)
		if j < 0 {
			continue
		}
		notional := acct.Portfolio[j].Notional
		if !notional.IsPositive() {
			continue
		}

		risk, liq, err := discountFactors(f.CollateralGroup, notional, maturity, f.BlockTime)
		if err != nil {
			return Result{}, err
		}
		// Base benefit per unit of fCash sold.
		perUnit := fixedpoint.MulToken(f.CollateralRate.Rate,
			fixedpoint.MulRate(liq, bufferRatio).Sub(fixedpoint.MulRate(risk, f.CollateralRate.Haircut)))
		if !perUnit.IsPositive() {
			continue
		}
		transfer, err := fixedpoint.DivToken(benefit, perUnit)
		if err != nil {
			return Result{}, err
		}
		transfer = CalculateLiquidationAmount(transfer, notional, maxAmount(maxAmounts, i))
		if transfer.IsZero() {
			continue
		}

		collateral := f.CollateralGroup.AssetRate.FromUnderlying(fixedpoint.MulToken(transfer, liq))
		local, clamped, err := f.LocalToPurchase(collateral, discount, localDebt.Sub(localPaid))
		if err != nil {
			return Result{}, err
		}
		if clamped.LessThan(collateral) {
			if transfer, err = fixedpoint.DivToken(transfer.Mul(clamped), collateral); err != nil {
				return Result{}, err
			}
		}
		if !transfer.IsPositive() {
			continue
		}

		acct.Portfolio.AddAsset(f.CollateralID, maturity, model.KindFCash, transfer.Neg())
		res.FCashToLiquidator.AddAsset(f.CollateralID, maturity, model.KindFCash, transfer)
		localPaid = localPaid.Add(local)
		benefit = benefit.Sub(fixedpoint.MulToken(transfer, perUnit))
	}

	if len(res.FCashToLiquidator) == 0 {
		return Result{}, fmt.Errorf("%w: no eligible fCash in currency %d", ErrNoCollateral, f.CollateralID)
	}
	acct.AddCash(f.LocalID, localPaid)
	res.LocalFromLiquidator = localPaid
	res.finish(acct)
	return res, nil
}
