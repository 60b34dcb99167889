package freecollateral

import (
	"errors"
	"testing"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/valuation"
	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const now = 200*fixedpoint.Quarter + 10*fixedpoint.SecondsInDay

func maturity(index int) int64 {
	m, _ := cashgroup.GridMaturity(index, now)
	return m
}

func testGroup(t *testing.T, currencyID uint16) *cashgroup.CashGroup {
	t.Helper()
	cfg := cashgroup.Config{
		CurrencyID:                 currencyID,
		MaxMarketIndex:             2,
		RateOracleTimeWindow:       3600,
		TotalFeeBPS:                30,
		ReserveFeeSharePercent:     50,
		DebtBufferBPS:              150,
		FCashHaircutBPS:            150,
		LiquidationFCashHaircutBPS: 50,
		LiquidationDebtBufferBPS:   50,
		LiquidityTokenHaircuts:     []int64{99, 98},
		RateScalars:                []int64{100, 90},
	}
	var markets []model.Market
	for i, rate := range []float64{0.04, 0.05} {
		markets = append(markets, model.Market{
			CurrencyID:        currencyID,
			Maturity:          maturity(i + 1),
			TotalFCash:        d(1_000_000),
			TotalCash:         d(1_000_000),
			TotalLiquidity:    d(1_000_000),
			LastImpliedRate:   d(rate),
			OracleRate:        d(rate),
			PreviousTradeTime: now - 86400,
		})
	}
	cg, err := cashgroup.New(cfg, model.AssetRate{CurrencyID: currencyID, Rate: d(1), SupplyRate: d(0.02)}, markets)
	if err != nil {
		t.Fatalf("cashgroup.New: %v", err)
	}
	return cg
}

var (
	usdc = model.ExchangeRate{CurrencyID: 1, Rate: d(1), Buffer: d(1.1), Haircut: d(0.9), LiquidationDiscount: d(1.05)}
	eth  = model.ExchangeRate{CurrencyID: 2, Rate: d(2000), Buffer: d(1.3), Haircut: d(0.7), LiquidationDiscount: d(1.08)}
)

func testSnapshot(t *testing.T) Snapshot {
	return Snapshot{
		CashGroups:    map[uint16]*cashgroup.CashGroup{1: testGroup(t, 1), 2: testGroup(t, 2)},
		ExchangeRates: map[uint16]model.ExchangeRate{1: usdc, 2: eth},
		PoolTokens: map[uint16]model.PoolToken{
			1: {
				CurrencyID:  1,
				TotalSupply: d(1_000),
				CashBalance: d(500),
				Portfolio: model.Portfolio{
					{CurrencyID: 1, Maturity: maturity(1), Kind: model.KindFCash, Notional: d(-100_000)},
					{CurrencyID: 1, Maturity: maturity(1), Kind: model.KindPoolClaim, Notional: d(100_000)},
				},
				PVHaircutPercent:          90,
				LiquidationHaircutPercent: 95,
			},
		},
	}
}

func TestConvertToBase(t *testing.T) {
	if got := ConvertToBase(eth, d(100)); !got.Equal(d(140_000)) {
		t.Errorf("positive = %s, want 140000", got)
	}
	if got := ConvertToBase(eth, d(-100)); !got.Equal(d(-260_000)) {
		t.Errorf("negative = %s, want -260000", got)
	}
	if got := ConvertToBase(eth, decimal.Zero); !got.IsZero() {
		t.Errorf("zero = %s", got)
	}

	back, err := ConvertFromBase(eth, d(4_000))
	if err != nil || !back.Equal(d(2)) {
		t.Errorf("ConvertFromBase = %s, %v; want 2", back, err)
	}
	if _, err := ConvertFromBase(model.ExchangeRate{}, d(1)); !errors.Is(err, ErrInvalidExchangeRate) {
		t.Errorf("expected ErrInvalidExchangeRate, got %v", err)
	}

	cross, err := CrossRate(eth, usdc)
	if err != nil || !cross.Equal(d(2000)) {
		t.Errorf("CrossRate = %s, %v; want 2000", cross, err)
	}
}

func TestPoolTokenValue(t *testing.T) {
	s := testSnapshot(t)
	pt := s.PoolTokens[1]

	// The pool token's claim on market 1 nets against its own fCash, so its
	// value is its cash plus the cash claim.
	total, err := PoolTokenValue(pt, s.CashGroups[1], now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !total.Equal(d(100_500)) {
		t.Errorf("total value = %s, want 100500", total)
	}
	if got := PoolTokenHaircutValue(d(10), pt, total); !got.Equal(d(904.5)) {
		t.Errorf("haircut value = %s, want 904.5", got)
	}
	if got := PoolTokenHaircutValue(d(10), model.PoolToken{}, total); !got.IsZero() {
		t.Errorf("zero supply should value at zero, got %s", got)
	}
}

func TestCalculate_Insolvent(t *testing.T) {
	s := testSnapshot(t)
	account := model.NewAccount("alice")
	account.AddCash(2, d(10))
	account.Portfolio.AddAsset(1, maturity(1), model.KindFCash, d(-20_000))

	res, err := Calculate(account, s, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	debt, _ := valuation.FCashValue(s.CashGroups[1], d(-20_000), maturity(1), now, true)
	wantDebt := ConvertToBase(usdc, debt)
	wantCollateral := ConvertToBase(eth, d(10))
	if want := wantDebt.Add(wantCollateral); !res.NetBaseValue.Equal(want) {
		t.Errorf("net = %s, want %s", res.NetBaseValue, want)
	}
	if res.Solvent() {
		t.Errorf("account with net %s should be insolvent", res.NetBaseValue)
	}

	local, ok := res.Currency(1)
	if !ok || !local.PortfolioValue.Equal(debt) || !local.NetBaseValue.Equal(wantDebt) {
		t.Errorf("local factors = %+v", local)
	}
	collateral, ok := res.Currency(2)
	if !ok || !collateral.NetBaseValue.Equal(d(14_000)) {
		t.Errorf("collateral factors = %+v", collateral)
	}
}

func TestCalculate_SolventWithPoolTokens(t *testing.T) {
	s := testSnapshot(t)
	account := model.NewAccount("bob")
	account.AddCash(1, d(-500))
	account.AddPoolTokens(1, d(10))

	res, err := Calculate(account, s, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, _ := res.Currency(1)
	if !f.PoolTokenValue.Equal(d(904.5)) {
		t.Errorf("pool token value = %s, want 904.5", f.PoolTokenValue)
	}
	if !f.NetLocalAssetValue.Equal(d(404.5)) {
		t.Errorf("net local = %s, want 404.5", f.NetLocalAssetValue)
	}
	if !res.NetBaseValue.Equal(d(364.05)) {
		t.Errorf("net base = %s, want 364.05", res.NetBaseValue)
	}
	if !res.Solvent() {
		t.Error("expected a solvent account")
	}
}

func TestCalculate_EmptyAccountIsSolvent(t *testing.T) {
	res, err := Calculate(model.NewAccount("empty"), testSnapshot(t), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NetBaseValue.IsZero() || !res.Solvent() || len(res.Currencies) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCalculate_UnknownCurrency(t *testing.T) {
	s := testSnapshot(t)

	account := model.NewAccount("carol")
	account.AddCash(5, d(1))
	if _, err := Calculate(account, s, now); !errors.Is(err, ErrUnknownCurrency) {
		t.Errorf("expected ErrUnknownCurrency, got %v", err)
	}

	// Pool tokens in a currency with no pool token configured.
	account = model.NewAccount("dave")
	account.AddPoolTokens(2, d(1))
	if _, err := Calculate(account, s, now); !errors.Is(err, ErrUnknownCurrency) {
		t.Errorf("expected ErrUnknownCurrency, got %v", err)
	}
}
