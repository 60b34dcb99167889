// Package cashgroup holds the per-currency market configuration: the
// standard maturity grid, fee and haircut settings, and the snapshot of
// active markets used to locate or interpolate an oracle rate for any
// maturity.
package cashgroup

import (
	"errors"
	"fmt"
	"sort"

	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrMaturityNotFound is returned for maturities at or before the
	// current time, or grid lookups outside the active markets.
	ErrMaturityNotFound = errors.New("cashgroup: maturity not found")

	// ErrIdiosyncraticOutOfRange is returned for maturities past the last
	// active market.
	ErrIdiosyncraticOutOfRange = errors.New("cashgroup: idiosyncratic maturity out of range")

	ErrInvalidConfig = errors.New("cashgroup: invalid config")
)

// MaxMarketIndex is the number of slots in the maturity grid.
const MaxMarketIndex = 9

var gridOffsets = [MaxMarketIndex]int64{
	fixedpoint.Quarter,
	2 * fixedpoint.Quarter,
	fixedpoint.SecondsInYear,
	2 * fixedpoint.SecondsInYear,
	5 * fixedpoint.SecondsInYear,
	7 * fixedpoint.SecondsInYear,
	10 * fixedpoint.SecondsInYear,
	15 * fixedpoint.SecondsInYear,
	20 * fixedpoint.SecondsInYear,
}

// Config is the governance-set configuration of one currency.
type Config struct {
	CurrencyID                 uint16  `yaml:"currency_id" json:"currency_id"`
	Symbol                     string  `yaml:"symbol" json:"symbol"`
	MaxMarketIndex             int     `yaml:"max_market_index" json:"max_market_index"`
	RateOracleTimeWindow       int64   `yaml:"rate_oracle_time_window" json:"rate_oracle_time_window"` // seconds
	TotalFeeBPS                int64   `yaml:"total_fee_bps" json:"total_fee_bps"`
	ReserveFeeSharePercent     int64   `yaml:"reserve_fee_share_percent" json:"reserve_fee_share_percent"`
	DebtBufferBPS              int64   `yaml:"debt_buffer_bps" json:"debt_buffer_bps"`
	FCashHaircutBPS            int64   `yaml:"fcash_haircut_bps" json:"fcash_haircut_bps"`
	LiquidationFCashHaircutBPS int64   `yaml:"liquidation_fcash_haircut_bps" json:"liquidation_fcash_haircut_bps"`
	LiquidationDebtBufferBPS   int64   `yaml:"liquidation_debt_buffer_bps" json:"liquidation_debt_buffer_bps"`
	LiquidityTokenHaircuts     []int64 `yaml:"liquidity_token_haircuts" json:"liquidity_token_haircuts"` // percent, one per market
	RateScalars                []int64 `yaml:"rate_scalars" json:"rate_scalars"`                         // one per market
}

// Validate checks ranges and slice sizes.
func (c Config) Validate() error {
	if c.CurrencyID == 0 {
		return fmt.Errorf("%w: currency id is required", ErrInvalidConfig)
	}
	if c.MaxMarketIndex < 1 || c.MaxMarketIndex > MaxMarketIndex {
		return fmt.Errorf("%w: max market index %d outside [1, %d]", ErrInvalidConfig, c.MaxMarketIndex, MaxMarketIndex)
	}
	if c.RateOracleTimeWindow <= 0 {
		return fmt.Errorf("%w: rate oracle time window must be positive", ErrInvalidConfig)
	}
	for name, bps := range map[string]int64{
		"total fee":                 c.TotalFeeBPS,
		"debt buffer":               c.DebtBufferBPS,
		"fCash haircut":             c.FCashHaircutBPS,
		"liquidation fCash haircut": c.LiquidationFCashHaircutBPS,
		"liquidation debt buffer":   c.LiquidationDebtBufferBPS,
	} {
		if bps < 0 || bps > 10_000 {
			return fmt.Errorf("%w: %s %d bps outside [0, 10000]", ErrInvalidConfig, name, bps)
		}
	}
	if c.ReserveFeeSharePercent < 0 || c.ReserveFeeSharePercent > 100 {
		return fmt.Errorf("%w: reserve fee share %d%% outside [0, 100]", ErrInvalidConfig, c.ReserveFeeSharePercent)
	}
	if c.LiquidationFCashHaircutBPS >= c.FCashHaircutBPS {
		return fmt.Errorf("%w: liquidation fCash haircut must be below the fCash haircut", ErrInvalidConfig)
	}
	if c.LiquidationDebtBufferBPS >= c.DebtBufferBPS {
		return fmt.Errorf("%w: liquidation debt buffer must be below the debt buffer", ErrInvalidConfig)
	}
	if len(c.LiquidityTokenHaircuts) != c.MaxMarketIndex {
		return fmt.Errorf("%w: %d liquidity token haircuts for %d markets", ErrInvalidConfig, len(c.LiquidityTokenHaircuts), c.MaxMarketIndex)
	}
	if len(c.RateScalars) != c.MaxMarketIndex {
		return fmt.Errorf("%w: %d rate scalars for %d markets", ErrInvalidConfig, len(c.RateScalars), c.MaxMarketIndex)
	}
	for i, h := range c.LiquidityTokenHaircuts {
		if h < 0 || h > 100 {
			return fmt.Errorf("%w: liquidity token haircut %d is %d%%", ErrInvalidConfig, i+1, h)
		}
	}
	for i, s := range c.RateScalars {
		if s <= 0 {
			return fmt.Errorf("%w: rate scalar %d must be positive", ErrInvalidConfig, i+1)
		}
	}
	return nil
}

// ReferenceTime returns the start of the quarter containing t.
func ReferenceTime(t int64) int64 {
	return t - t%fixedpoint.Quarter
}

// GridMaturity returns the maturity of market index (1-based) for the
// quarter containing blockTime.
func GridMaturity(index int, blockTime int64) (int64, error) {
	if index < 1 || index > MaxMarketIndex {
		return 0, fmt.Errorf("%w: market index %d", ErrMaturityNotFound, index)
	}
	return ReferenceTime(blockTime) + gridOffsets[index-1], nil
}

// Maturities lists the active grid maturities, ascending.
func Maturities(maxIndex int, blockTime int64) []int64 {
	if maxIndex > MaxMarketIndex {
		maxIndex = MaxMarketIndex
	}
	ref := ReferenceTime(blockTime)
	out := make([]int64, 0, maxIndex)
	for i := 0; i < maxIndex; i++ {
		out = append(out, ref+gridOffsets[i])
	}
	return out
}

// MarketIndex locates maturity on the grid. An exact match returns its
// index; otherwise the index of the first market after it is returned with
// idiosyncratic set.
func MarketIndex(maxIndex int, maturity, blockTime int64) (int, bool, error) {
	if maturity <= blockTime {
		return 0, false, fmt.Errorf("%w: %d is not after %d", ErrMaturityNotFound, maturity, blockTime)
	}
	for i, m := range Maturities(maxIndex, blockTime) {
		if m == maturity {
			return i + 1, false, nil
		}
		if m > maturity {
			return i + 1, true, nil
		}
	}
	return 0, false, fmt.Errorf("%w: %d beyond market %d", ErrIdiosyncraticOutOfRange, maturity, maxIndex)
}

// CashGroup is one currency's configuration together with a snapshot of
// its markets and asset rate. It is read by a single valuation or
// liquidation pass; SetMarket lets liquidation carry market changes
// forward within that pass.
type CashGroup struct {
	Config    Config
	AssetRate model.AssetRate
	markets   map[int64]model.Market
}

// New validates cfg and builds a cash group over the given markets.
func New(cfg Config, assetRate model.AssetRate, markets []model.Market) (*CashGroup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !assetRate.Rate.IsPositive() {
		return nil, fmt.Errorf("%w: asset rate for currency %d must be positive", ErrInvalidConfig, cfg.CurrencyID)
	}
	cg := &CashGroup{Config: cfg, AssetRate: assetRate, markets: make(map[int64]model.Market, len(markets))}
	for _, m := range markets {
		if m.CurrencyID != cfg.CurrencyID {
			return nil, fmt.Errorf("%w: market for currency %d in cash group %d", ErrInvalidConfig, m.CurrencyID, cfg.CurrencyID)
		}
		cg.markets[m.Maturity] = m
	}
	return cg, nil
}

// Clone returns a copy whose market snapshot can be changed independently.
func (cg *CashGroup) Clone() *CashGroup {
	c := &CashGroup{Config: cg.Config, AssetRate: cg.AssetRate, markets: make(map[int64]model.Market, len(cg.markets))}
	for k, v := range cg.markets {
		c.markets[k] = v
	}
	return c
}

// CurrencyID returns the currency this group configures.
func (cg *CashGroup) CurrencyID() uint16 { return cg.Config.CurrencyID }

// Market returns the snapshot market at a grid index. A missing or
// uninitialized market is an error; there is no fallback rate.
func (cg *CashGroup) Market(index int, blockTime int64) (model.Market, error) {
	maturity, err := GridMaturity(index, blockTime)
	if err != nil {
		return model.Market{}, err
	}
	if index > cg.Config.MaxMarketIndex {
		return model.Market{}, fmt.Errorf("%w: market index %d above %d", ErrMaturityNotFound, index, cg.Config.MaxMarketIndex)
	}
	m, ok := cg.markets[maturity]
	if !ok || !m.IsInitialized() {
		return model.Market{}, fmt.Errorf("%w: currency %d maturity %d", market.ErrMarketNotInitialized, cg.Config.CurrencyID, maturity)
	}
	return m, nil
}

// SetMarket replaces the snapshot market at m.Maturity.
func (cg *CashGroup) SetMarket(m model.Market) {
	cg.markets[m.Maturity] = m
}

// Markets returns every snapshot market, ascending by maturity.
func (cg *CashGroup) Markets() []model.Market {
	out := make([]model.Market, 0, len(cg.markets))
	for _, m := range cg.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Maturity < out[j].Maturity })
	return out
}

// MarketParams returns the trading parameters of market index.
func (cg *CashGroup) MarketParams(index int) market.Params {
	return market.Params{
		RateScalar:           cg.Config.RateScalars[index-1],
		TotalFee:             cg.TotalFee(),
		ReserveFeeShare:      cg.ReserveFeeShare(),
		RateOracleTimeWindow: cg.Config.RateOracleTimeWindow,
		AssetRate:            cg.AssetRate,
	}
}

// MarketOracleRate returns the oracle rate of the market at index.
func (cg *CashGroup) MarketOracleRate(index int, blockTime int64) (decimal.Decimal, error) {
	m, err := cg.Market(index, blockTime)
	if err != nil {
		return decimal.Zero, err
	}
	return market.OracleRate(m, cg.Config.RateOracleTimeWindow, blockTime)
}

// OracleRate returns the oracle rate for any maturity up to the last active
// market. Off-grid maturities interpolate linearly by time between the
// enclosing markets; before the first market the short leg is the asset's
// supply rate at blockTime.
func (cg *CashGroup) OracleRate(maturity, blockTime int64) (decimal.Decimal, error) {
	index, idiosyncratic, err := MarketIndex(cg.Config.MaxMarketIndex, maturity, blockTime)
	if err != nil {
		return decimal.Zero, err
	}
	longRate, err := cg.MarketOracleRate(index, blockTime)
	if err != nil {
		return decimal.Zero, err
	}
	if !idiosyncratic {
		return longRate, nil
	}
	longMaturity, _ := GridMaturity(index, blockTime)

	shortMaturity, shortRate := blockTime, cg.AssetRate.SupplyRate
	if index > 1 {
		shortMaturity, _ = GridMaturity(index-1, blockTime)
		if shortRate, err = cg.MarketOracleRate(index-1, blockTime); err != nil {
			return decimal.Zero, err
		}
	}
	return Interpolate(shortMaturity, shortRate, longMaturity, longRate, maturity), nil
}

// Interpolate linearly interpolates a rate at maturity between two points.
// Inverted curves step down from the short rate so intermediate values
// never go below the long rate.
func Interpolate(shortMaturity int64, shortRate decimal.Decimal, longMaturity int64, longRate decimal.Decimal, maturity int64) decimal.Decimal {
	span := decimal.NewFromInt(longMaturity - shortMaturity)
	if !span.IsPositive() {
		return longRate
	}
	elapsed := decimal.NewFromInt(maturity - shortMaturity)
	if longRate.GreaterThanOrEqual(shortRate) {
		step, _ := longRate.Sub(shortRate).Mul(elapsed).QuoRem(span, fixedpoint.RateDecimals)
		return shortRate.Add(step)
	}
	step, _ := shortRate.Sub(longRate).Mul(elapsed).QuoRem(span, fixedpoint.RateDecimals)
	return shortRate.Sub(step)
}

func (cg *CashGroup) TotalFee() decimal.Decimal {
	return fixedpoint.BasisPoints(cg.Config.TotalFeeBPS)
}

func (cg *CashGroup) ReserveFeeShare() decimal.Decimal {
	return fixedpoint.Percent(cg.Config.ReserveFeeSharePercent)
}

func (cg *CashGroup) FCashHaircut() decimal.Decimal {
	return fixedpoint.BasisPoints(cg.Config.FCashHaircutBPS)
}

func (cg *CashGroup) DebtBuffer() decimal.Decimal {
	return fixedpoint.BasisPoints(cg.Config.DebtBufferBPS)
}

func (cg *CashGroup) LiquidationFCashHaircut() decimal.Decimal {
	return fixedpoint.BasisPoints(cg.Config.LiquidationFCashHaircutBPS)
}

func (cg *CashGroup) LiquidationDebtBuffer() decimal.Decimal {
	return fixedpoint.BasisPoints(cg.Config.LiquidationDebtBufferBPS)
}

// LiquidityTokenHaircut is the fraction of a pool claim counted toward
// free collateral at market index.
func (cg *CashGroup) LiquidityTokenHaircut(index int) decimal.Decimal {
	if index < 1 || index > len(cg.Config.LiquidityTokenHaircuts) {
		return decimal.Zero
	}
	return fixedpoint.Percent(cg.Config.LiquidityTokenHaircuts[index-1])
}
