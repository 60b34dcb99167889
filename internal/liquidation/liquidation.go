// Package liquidation sizes the seizure of an undercollateralized
// account's assets. Every operation works on copies of the account and
// markets it is given and returns the resulting state, so the same call
// serves both a dry run and an executed liquidation.
package liquidation

import (
	"errors"
	"fmt"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/freecollateral"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountSolvent  = errors.New("liquidation: account is solvent")
	ErrNoDebt          = errors.New("liquidation: no local currency debt")
	ErrNoCollateral    = errors.New("liquidation: no collateral to liquidate")
	ErrInvalidCurrency = errors.New("liquidation: invalid currency")
	ErrInvalidRequest  = errors.New("liquidation: invalid request")

	// DefaultLiquidationPortion caps a single liquidation at this share of
	// the balance being seized.
	DefaultLiquidationPortion = fixedpoint.Percent(40)

	// TokenRepoIncentive is the share of the net cash freed by withdrawing
	// a pool claim that goes to the liquidator.
	TokenRepoIncentive = fixedpoint.Percent(30)
)

// Kind names a liquidation action.
type Kind string

const (
	KindLocalCurrency      Kind = "local_currency"
	KindCollateralCurrency Kind = "collateral_currency"
	KindLocalFCash         Kind = "local_fcash"
	KindCrossCurrencyFCash Kind = "cross_currency_fcash"
)

// CalculateLiquidationAmount bounds a seizure by what restores solvency,
// DefaultLiquidationPortion of the balance and the caller's maximum (when
// positive). The result is never negative.
func CalculateLiquidationAmount(required, maxTotal, userMax decimal.Decimal) decimal.Decimal {
	amount := decimal.Min(required, fixedpoint.MulToken(maxTotal, DefaultLiquidationPortion))
	if userMax.IsPositive() {
		amount = decimal.Min(amount, userMax)
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// Factors is the solvency picture a liquidation works from. It is built
// once per call and not modified by the liquidation functions.
type Factors struct {
	BlockTime      int64
	Account        model.Account
	FreeCollateral freecollateral.Result
	Snapshot       freecollateral.Snapshot

	LocalID    uint16
	Local      freecollateral.CurrencyFactors
	LocalRate  model.ExchangeRate
	LocalGroup *cashgroup.CashGroup

	// Zero CollateralID for single-currency liquidations.
	CollateralID    uint16
	Collateral      freecollateral.CurrencyFactors
	CollateralRate  model.ExchangeRate
	CollateralGroup *cashgroup.CashGroup
}

// NewFactors computes free collateral for account and resolves the local
// and (optional) collateral currencies. A solvent account cannot be
// liquidated.
func NewFactors(account model.Account, s freecollateral.Snapshot, localID, collateralID uint16, blockTime int64) (*Factors, error) {
	fc, err := freecollateral.Calculate(account, s, blockTime)
	if err != nil {
		return nil, err
	}
	if fc.Solvent() {
		return nil, fmt.Errorf("%w: free collateral %s", ErrAccountSolvent, fc.NetBaseValue)
	}

	f := &Factors{BlockTime: blockTime, Account: account.Clone(), FreeCollateral: fc, Snapshot: s, LocalID: localID}
	var ok bool
	if f.LocalGroup, ok = s.CashGroups[localID]; !ok {
		return nil, fmt.Errorf("%w: local currency %d", ErrInvalidCurrency, localID)
	}
	if f.LocalRate, ok = s.ExchangeRates[localID]; !ok {
		return nil, fmt.Errorf("%w: no exchange rate for %d", ErrInvalidCurrency, localID)
	}
	f.Local, _ = fc.Currency(localID)

	if collateralID == 0 {
		return f, nil
	}
	if collateralID == localID {
		return nil, fmt.Errorf("%w: collateral equals local currency %d", ErrInvalidCurrency, localID)
	}
	f.CollateralID = collateralID
	if f.CollateralGroup, ok = s.CashGroups[collateralID]; !ok {
		return nil, fmt.Errorf("%w: collateral currency %d", ErrInvalidCurrency, collateralID)
	}
	if f.CollateralRate, ok = s.ExchangeRates[collateralID]; !ok {
		return nil, fmt.Errorf("%w: no exchange rate for %d", ErrInvalidCurrency, collateralID)
	}
	f.Collateral, _ = fc.Currency(collateralID)
	return f, nil
}

// Result describes a liquidation. Account is the liquidated account after
// the transfers; Markets lists markets whose liquidity was withdrawn.
type Result struct {
	Kind                 Kind   `json:"kind"`
	AccountID            string `json:"account_id"`
	LocalCurrencyID      uint16 `json:"local_currency_id"`
	CollateralCurrencyID uint16 `json:"collateral_currency_id,omitempty"`

	// Local asset cash the liquidator pays the account.
	LocalFromLiquidator decimal.Decimal `json:"local_from_liquidator"`
	// Local asset cash paid to the liquidator as the pool claim repo incentive.
	LocalCashToLiquidator decimal.Decimal `json:"local_cash_to_liquidator"`
	// Collateral asset cash paid to the liquidator.
	CollateralCashToLiquidator decimal.Decimal `json:"collateral_cash_to_liquidator"`
	PoolTokensToLiquidator     decimal.Decimal `json:"pool_tokens_to_liquidator"`
	PoolTokenCurrencyID        uint16          `json:"pool_token_currency_id,omitempty"`
	FCashToLiquidator          model.Portfolio `json:"fcash_to_liquidator,omitempty"`

	Account model.Account  `json:"-"`
	Markets []model.Market `json:"-"`
}

func (f *Factors) newResult(kind Kind) Result {
	return Result{
		Kind:                       kind,
		AccountID:                  f.Account.ID,
		LocalCurrencyID:            f.LocalID,
		CollateralCurrencyID:       f.CollateralID,
		LocalFromLiquidator:        decimal.Zero,
		LocalCashToLiquidator:      decimal.Zero,
		CollateralCashToLiquidator: decimal.Zero,
		PoolTokensToLiquidator:     decimal.Zero,
	}
}

func (r *Result) setMarket(m model.Market) {
	for i := range r.Markets {
		if r.Markets[i].CurrencyID == m.CurrencyID && r.Markets[i].Maturity == m.Maturity {
			r.Markets[i] = m
			return
		}
	}
	r.Markets = append(r.Markets, m)
}

func (r *Result) finish(acct model.Account) {
	acct.Portfolio = acct.Portfolio.Compact()
	r.Account = acct
	r.FCashToLiquidator = r.FCashToLiquidator.Compact()
}

// localBenefitRequired is the local asset cash that, credited to the
// account, brings free collateral to zero. Negative local balances convert
// at the buffer, positive ones at the haircut.
func (f *Factors) localBenefitRequired() (decimal.Decimal, error) {
	underlying, err := freecollateral.ConvertFromBase(f.LocalRate, f.FreeCollateral.NetBaseValue.Neg())
	if err != nil {
		return decimal.Zero, err
	}
	multiplier := f.LocalRate.Buffer
	if f.Local.NetLocalAssetValue.IsPositive() {
		multiplier = f.LocalRate.Haircut
	}
	if underlying, err = fixedpoint.DivToken(underlying, multiplier); err != nil {
		return decimal.Zero, err
	}
	return f.LocalGroup.AssetRate.FromUnderlying(underlying), nil
}

// liquidationDiscount is the larger of the two currencies' discounts.
func (f *Factors) liquidationDiscount() decimal.Decimal {
	return decimal.Max(f.LocalRate.LiquidationDiscount, f.CollateralRate.LiquidationDiscount)
}

func (f *Factors) requireCrossCurrency() error {
	if f.CollateralID == 0 || f.CollateralGroup == nil {
		return fmt.Errorf("%w: collateral currency required", ErrInvalidCurrency)
	}
	if !f.Local.NetLocalAssetValue.IsNegative() {
		return fmt.Errorf("%w: currency %d available %s", ErrNoDebt, f.LocalID, f.Local.NetLocalAssetValue)
	}
	if !f.Collateral.NetLocalAssetValue.IsPositive() {
		return fmt.Errorf("%w: currency %d available %s", ErrNoCollateral, f.CollateralID, f.Collateral.NetLocalAssetValue)
	}
	return nil
}

// LocalToPurchase converts collateral asset cash to the local asset cash a
// liquidator pays for it at the liquidation discount. The local amount is
// clamped to maxLocal (the account's remaining local debt) and the
// collateral scaled down to match.
func (f *Factors) LocalToPurchase(collateral, discount, maxLocal decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	base := f.CollateralGroup.AssetRate.ToUnderlying(collateral).Mul(f.CollateralRate.Rate)
	localUnderlying, err := fixedpoint.DivToken(base, f.LocalRate.Rate.Mul(discount))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	local := f.LocalGroup.AssetRate.FromUnderlying(localUnderlying)
	if local.GreaterThan(maxLocal) && local.IsPositive() {
		if maxLocal.IsNegative() {
			maxLocal = decimal.Zero
		}
		scaled, err := fixedpoint.DivToken(collateral.Mul(maxLocal), local)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return maxLocal, scaled, nil
	}
	return local, collateral, nil
}
