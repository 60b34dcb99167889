package trade_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atmx/fcash-engine/internal/liquidation"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/store"
	"github.com/atmx/fcash-engine/internal/trade"
)

// seedPoolTokens stores the configured pool tokens with no supply.
func seedPoolTokens(t *testing.T, env *testEnv) {
	t.Helper()
	if err := env.store.Commit(context.Background(), &store.Batch{PoolTokens: env.cfg.PoolTokens}); err != nil {
		t.Fatalf("seed pool tokens: %v", err)
	}
}

func (e *testEnv) mint(t *testing.T, account string, amount float64) trade.PoolTokenResponse {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/pool-tokens/mint", trade.PoolTokenRequest{AccountID: account, CurrencyID: usdc, Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("mint: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[trade.PoolTokenResponse](t, w)
}

func TestPoolTokens_MintRedeem(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPoolTokens(t, env)
	env.deposit(t, "lp", usdc, 1_000_000)

	// The first mint issues one token per unit of asset cash.
	first := env.mint(t, "lp", 500_000)
	if !first.Tokens.Equal(d(500_000)) || !first.Cash.Equal(d(-500_000)) {
		t.Errorf("unexpected first mint %+v", first)
	}
	if len(first.Markets) != 1 || !first.Markets[0].TotalCash.Equal(d(50_500_000)) {
		t.Fatalf("cash should go to the one active market: %+v", first.Markets)
	}
	pt := first.PoolToken
	claim := pt.Portfolio.Find(usdc, maturity1(t), model.KindPoolClaim)
	debt := pt.Portfolio.Find(usdc, maturity1(t), model.KindFCash)
	if claim < 0 || debt < 0 || !pt.Portfolio[claim].Notional.Equal(d(500_000)) || !pt.Portfolio[debt].Notional.Equal(d(-10_000)) {
		t.Errorf("pool token portfolio = %+v", pt.Portfolio)
	}

	// Nothing has traded, so the pool token is worth its deposits and the
	// second mint is priced one to one as well.
	second := env.mint(t, "lp", 100_000)
	if !second.Tokens.Equal(d(100_000)) || !second.PoolToken.TotalSupply.Equal(d(600_000)) {
		t.Errorf("unexpected second mint %+v", second)
	}

	w := env.do(t, "POST", "/api/v1/pool-tokens/redeem", trade.PoolTokenRequest{AccountID: "lp", CurrencyID: usdc, Amount: d(700_000)})
	if w.Code != http.StatusConflict {
		t.Errorf("over-redeem: expected 409, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/pool-tokens/redeem", trade.PoolTokenRequest{AccountID: "lp", CurrencyID: usdc, Amount: d(600_000)})
	if w.Code != http.StatusOK {
		t.Fatalf("redeem: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	redeemed := decodeBody[trade.PoolTokenResponse](t, w)
	if !redeemed.Tokens.Equal(d(-600_000)) || !redeemed.Cash.Equal(d(600_000)) || len(redeemed.FCash) != 0 {
		t.Errorf("unexpected redemption %+v", redeemed)
	}
	if !redeemed.PoolToken.TotalSupply.IsZero() || len(redeemed.PoolToken.Portfolio) != 0 {
		t.Errorf("pool token should be empty: %+v", redeemed.PoolToken)
	}

	w = env.do(t, "GET", "/api/v1/accounts/lp", nil)
	view := decodeBody[trade.AccountView](t, w)
	if b := view.Balance(usdc); !b.CashBalance.Equal(d(1_000_000)) || !b.PoolTokenBalance.IsZero() {
		t.Errorf("balance = %+v", b)
	}
	if len(view.Portfolio) != 0 {
		t.Errorf("portfolio should be empty, got %+v", view.Portfolio)
	}
	m, err := env.store.GetMarket(context.Background(), usdc, maturity1(t))
	if err != nil {
		t.Fatal(err)
	}
	if !m.TotalCash.Equal(d(50_000_000)) || !m.TotalLiquidity.Equal(d(50_000_000)) {
		t.Errorf("market not restored: %+v", m)
	}
}

func TestPoolTokens_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPoolTokens(t, env)
	env.deposit(t, "lp", usdc, 1_000)
	env.deposit(t, "lp", eth, 1)

	tests := []struct {
		name string
		path string
		req  trade.PoolTokenRequest
		want int
	}{
		{"missing account", "mint", trade.PoolTokenRequest{CurrencyID: usdc, Amount: d(1)}, http.StatusBadRequest},
		{"zero amount", "mint", trade.PoolTokenRequest{AccountID: "lp", CurrencyID: usdc}, http.StatusBadRequest},
		{"unknown currency", "mint", trade.PoolTokenRequest{AccountID: "lp", CurrencyID: 9, Amount: d(1)}, http.StatusBadRequest},
		{"no pool token", "mint", trade.PoolTokenRequest{AccountID: "lp", CurrencyID: eth, Amount: d(0.5)}, http.StatusNotFound},
		{"insufficient cash", "mint", trade.PoolTokenRequest{AccountID: "lp", CurrencyID: usdc, Amount: d(2_000)}, http.StatusConflict},
		{"no tokens held", "redeem", trade.PoolTokenRequest{AccountID: "lp", CurrencyID: usdc, Amount: d(1)}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/pool-tokens/"+tt.path, tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestLiquidate_LocalCurrencyPoolTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPoolTokens(t, env)
	ctx := context.Background()

	// alice puts her USDC into pool tokens, borrows USDC against 10 ETH and
	// withdraws the loan, leaving her USDC balance negative net of the tokens.
	env.deposit(t, "alice", usdc, 500_000)
	env.mint(t, "alice", 500_000)
	env.deposit(t, "alice", eth, 10)
	borrowed, err := env.svc.ApplyTrade(ctx, trade.TradeRequest{
		AccountID: "alice",
		MarketRef: trade.MarketRef{Ticker: usdcTicker(t)},
		FCash:     d(-20_000),
	})
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	w := env.do(t, "POST", "/api/v1/accounts/alice/withdraw", trade.CashRequest{CurrencyID: usdc, Amount: borrowed.CashToAccount})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	er, err := env.oracle.ExchangeRate(ctx, eth)
	if err != nil {
		t.Fatal(err)
	}
	er.Rate = d(0.0001)
	if err := env.oracle.SetExchangeRate(er); err != nil {
		t.Fatal(err)
	}
	env.deposit(t, "carol", usdc, 1_000_000)

	w = env.do(t, "POST", "/api/v1/liquidate", trade.LiquidationRequest{
		Kind:            liquidation.KindLocalCurrency,
		AccountID:       "alice",
		LiquidatorID:    "carol",
		LocalCurrencyID: usdc,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("liquidate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[trade.LiquidationResponse](t, w)
	// The shortfall is far above what the tokens cover, so 40% are sold.
	if !resp.PoolTokensToLiquidator.Equal(d(200_000)) || resp.PoolTokenCurrencyID != usdc {
		t.Errorf("unexpected pool token sale %+v", resp.Result)
	}
	if !resp.LocalFromLiquidator.IsPositive() || !resp.FreeCollateralAfter.GreaterThan(resp.FreeCollateralBefore) {
		t.Errorf("liquidation should pay alice and improve her collateral: %+v", resp)
	}

	alice, _ := env.store.GetAccount(ctx, "alice")
	carol, _ := env.store.GetAccount(ctx, "carol")
	if !alice.Balance(usdc).PoolTokenBalance.Equal(d(300_000)) || !carol.Balance(usdc).PoolTokenBalance.Equal(d(200_000)) {
		t.Errorf("pool tokens: alice %s, carol %s", alice.Balance(usdc).PoolTokenBalance, carol.Balance(usdc).PoolTokenBalance)
	}
	if !alice.Balance(usdc).CashBalance.Equal(resp.LocalFromLiquidator) {
		t.Errorf("alice usdc = %s, want %s", alice.Balance(usdc).CashBalance, resp.LocalFromLiquidator)
	}
	if !carol.Balance(usdc).CashBalance.Equal(d(1_000_000).Sub(resp.LocalFromLiquidator)) {
		t.Errorf("carol usdc = %s", carol.Balance(usdc).CashBalance)
	}
}

func TestCountActiveMarkets(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	n, err := env.svc.CountActiveMarkets(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v; want 1", n, err)
	}

	w := env.do(t, "POST", "/api/v1/markets", trade.InitializeMarketRequest{
		CurrencyID: usdc, MarketIndex: 2, Cash: d(50_000_000), FCash: d(1_000_000), ImpliedRate: d(0.055),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("initialize: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := testutil.ToFloat64(metrics.ActiveMarkets); got != 2 {
		t.Errorf("gauge after initialize = %v, want 2", got)
	}

	// Once the first market matures only the second one is active.
	later := time.Unix(maturity1(t)+1, 0).UTC()
	env.svc.SetClock(trade.ClockFunc(func() time.Time { return later }))
	if n, err = env.svc.CountActiveMarkets(ctx); err != nil || n != 1 {
		t.Errorf("count after maturity = %d, %v; want 1", n, err)
	}
	if got := testutil.ToFloat64(metrics.ActiveMarkets); got != 1 {
		t.Errorf("gauge after maturity = %v, want 1", got)
	}
}

func TestLiquidate_MaturedAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	insolventBorrower(t, env)

	// The debt has matured and is never settled, so the account cannot be
	// valued or liquidated.
	later := time.Unix(maturity1(t)+86_400, 0).UTC()
	env.svc.SetClock(trade.ClockFunc(func() time.Time { return later }))

	w := env.do(t, "POST", "/api/v1/liquidate", trade.LiquidationRequest{
		Kind:            liquidation.KindLocalFCash,
		AccountID:       "alice",
		LocalCurrencyID: usdc,
		DryRun:          true,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("liquidate: expected 422, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "GET", "/api/v1/accounts/alice/free-collateral", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("free collateral: expected 422, got %d: %s", w.Code, w.Body.String())
	}
}
