// Package model defines the core domain types shared across the rate engine.
// All monetary values and rates use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/fixedpoint"
)

// Market is the state of one bonding-curve pool for a single currency and
// standard maturity. A market with zero TotalLiquidity is uninitialized.
type Market struct {
	CurrencyID        uint16          `json:"currency_id" db:"currency_id"`
	Maturity          int64           `json:"maturity" db:"maturity"`
	TotalFCash        decimal.Decimal `json:"total_fcash" db:"total_fcash"`         // pooled notional
	TotalCash         decimal.Decimal `json:"total_cash" db:"total_cash"`           // pooled asset cash
	TotalLiquidity    decimal.Decimal `json:"total_liquidity" db:"total_liquidity"` // liquidity shares
	LastImpliedRate   decimal.Decimal `json:"last_implied_rate" db:"last_implied_rate"`
	OracleRate        decimal.Decimal `json:"oracle_rate" db:"oracle_rate"` // value as of PreviousTradeTime
	PreviousTradeTime int64           `json:"previous_trade_time" db:"previous_trade_time"`
}

// IsInitialized reports whether the market holds any liquidity.
func (m Market) IsInitialized() bool {
	return m.TotalLiquidity.IsPositive()
}

// AssetRate converts between the asset cash held in pools and balances
// and its underlying token, and carries the money-market supply rate.
type AssetRate struct {
	CurrencyID uint16          `json:"currency_id" yaml:"currency_id"`
	Rate       decimal.Decimal `json:"rate" yaml:"rate"`               // underlying per unit of asset cash
	SupplyRate decimal.Decimal `json:"supply_rate" yaml:"supply_rate"` // annualized
}

// ToUnderlying converts an asset cash amount to underlying.
func (a AssetRate) ToUnderlying(assetCash decimal.Decimal) decimal.Decimal {
	return assetCash.Mul(a.Rate).Truncate(fixedpoint.TokenDecimals)
}

// FromUnderlying converts an underlying amount to asset cash.
func (a AssetRate) FromUnderlying(underlying decimal.Decimal) decimal.Decimal {
	if a.Rate.IsZero() {
		return decimal.Zero
	}
	q, _ := underlying.QuoRem(a.Rate, fixedpoint.TokenDecimals)
	return q
}

// ExchangeRate is the oracle conversion from a currency's underlying into
// the common base unit, with the risk multipliers applied at conversion.
type ExchangeRate struct {
	CurrencyID          uint16          `json:"currency_id" yaml:"currency_id"`
	Rate                decimal.Decimal `json:"rate" yaml:"rate"`                                 // base per underlying
	Buffer              decimal.Decimal `json:"buffer" yaml:"buffer"`                             // >= 1, negative balances
	Haircut             decimal.Decimal `json:"haircut" yaml:"haircut"`                           // <= 1, positive balances
	LiquidationDiscount decimal.Decimal `json:"liquidation_discount" yaml:"liquidation_discount"` // >= 1
}

// AssetKind distinguishes fCash from liquidity pool claims. The numeric
// order is part of the portfolio sort order.
type AssetKind uint8

const (
	KindFCash     AssetKind = 1
	KindPoolClaim AssetKind = 2
)

func (k AssetKind) String() string {
	switch k {
	case KindFCash:
		return "FCASH"
	case KindPoolClaim:
		return "LT"
	default:
		return "UNKNOWN"
	}
}

// Lifecycle tracks what happened to a position during the current call.
type Lifecycle uint8

const (
	Unchanged Lifecycle = iota
	Updated
	Removed
)

// Position is a single fCash or pool-claim holding.
type Position struct {
	CurrencyID uint16          `json:"currency_id" db:"currency_id"`
	Maturity   int64           `json:"maturity" db:"maturity"`
	Kind       AssetKind       `json:"kind" db:"kind"`
	Notional   decimal.Decimal `json:"notional" db:"notional"` // signed fCash, or pool-claim shares
	State      Lifecycle       `json:"-"`
}

// Balance is an account's per-currency cash and pool token holding.
type Balance struct {
	CashBalance      decimal.Decimal `json:"cash_balance"`
	PoolTokenBalance decimal.Decimal `json:"pool_token_balance"`
}

// Account is the full state of one account.
type Account struct {
	ID        string             `json:"id"`
	Balances  map[uint16]Balance `json:"balances"`
	Portfolio Portfolio          `json:"portfolio"`
}

// NewAccount returns an empty account.
func NewAccount(id string) Account {
	return Account{ID: id, Balances: make(map[uint16]Balance)}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (a Account) Clone() Account {
	c := Account{ID: a.ID, Balances: make(map[uint16]Balance, len(a.Balances))}
	for k, v := range a.Balances {
		c.Balances[k] = v
	}
	c.Portfolio = a.Portfolio.Clone()
	return c
}

// Balance returns the balance for a currency (zero if absent).
func (a Account) Balance(currencyID uint16) Balance {
	return a.Balances[currencyID]
}

// AddCash adjusts the cash balance of a currency.
func (a *Account) AddCash(currencyID uint16, delta decimal.Decimal) {
	if a.Balances == nil {
		a.Balances = make(map[uint16]Balance)
	}
	b := a.Balances[currencyID]
	b.CashBalance = b.CashBalance.Add(delta)
	a.Balances[currencyID] = b
}

// AddPoolTokens adjusts the pool token balance of a currency.
func (a *Account) AddPoolTokens(currencyID uint16, delta decimal.Decimal) {
	if a.Balances == nil {
		a.Balances = make(map[uint16]Balance)
	}
	b := a.Balances[currencyID]
	b.PoolTokenBalance = b.PoolTokenBalance.Add(delta)
	a.Balances[currencyID] = b
}

// Currencies returns every currency the account has a balance or asset in,
// ascending.
func (a Account) Currencies() []uint16 {
	seen := make(map[uint16]bool)
	for id, b := range a.Balances {
		if !b.CashBalance.IsZero() || !b.PoolTokenBalance.IsZero() {
			seen[id] = true
		}
	}
	for _, p := range a.Portfolio {
		seen[p.CurrencyID] = true
	}
	return sortedKeys(seen)
}

// PoolToken is the perpetual liquidity token of a currency: a pooled
// holder of cash and market liquidity whose value is shared pro rata.
type PoolToken struct {
	CurrencyID                uint16          `json:"currency_id" yaml:"currency_id"`
	TotalSupply               decimal.Decimal `json:"total_supply" yaml:"total_supply"`
	CashBalance               decimal.Decimal `json:"cash_balance" yaml:"cash_balance"`
	Portfolio                 Portfolio       `json:"portfolio" yaml:"-"`
	PVHaircutPercent          int64           `json:"pv_haircut_percent" yaml:"pv_haircut_percent"`
	LiquidationHaircutPercent int64           `json:"liquidation_haircut_percent" yaml:"liquidation_haircut_percent"`
}

// LedgerEntry is an immutable record of an executed action.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	Action      string          `json:"action" db:"action"` // see Action* constants
	CurrencyID  uint16          `json:"currency_id" db:"currency_id"`
	Maturity    int64           `json:"maturity" db:"maturity"`
	FCash       decimal.Decimal `json:"fcash" db:"fcash"`               // signed, to account
	Cash        decimal.Decimal `json:"cash" db:"cash"`                 // signed asset cash, to account
	ImpliedRate decimal.Decimal `json:"implied_rate" db:"implied_rate"` // post-trade market rate
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

const (
	ActionLend            = "LEND"
	ActionBorrow          = "BORROW"
	ActionAddLiquidity    = "ADD_LIQUIDITY"
	ActionRemoveLiquidity = "REMOVE_LIQUIDITY"
	ActionInitialize      = "INITIALIZE_MARKET"
	ActionLiquidation     = "LIQUIDATION"
	ActionDeposit         = "DEPOSIT"
	ActionWithdraw        = "WITHDRAW"

	ActionMintPoolTokens   = "MINT_POOL_TOKENS"
	ActionRedeemPoolTokens = "REDEEM_POOL_TOKENS"
)
