package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/config"
	"github.com/atmx/fcash-engine/internal/instrument"
	"github.com/atmx/fcash-engine/internal/limits"
	"github.com/atmx/fcash-engine/internal/liquidation"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/oracle"
	"github.com/atmx/fcash-engine/internal/store"
	"github.com/atmx/fcash-engine/internal/trade"
)

const (
	eth  uint16 = 1
	usdc uint16 = 2
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// testNow is one day into a quarter, so the first market is 89 days out.
var testNow = time.Unix(cashgroup.ReferenceTime(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC).Unix())+86_400, 0).UTC()

type testEnv struct {
	svc    *trade.Service
	store  *store.MemoryStore
	oracle *oracle.Static
	router chi.Router
	cfg    config.Config
}

// newTestEnv creates a test Service with in-memory store and chi router,
// and opens the first USDC market at 5%.
func newTestEnv(t *testing.T, limiter *limits.PositionLimiter) *testEnv {
	t.Helper()
	cfg := config.Default()
	ms := store.NewMemoryStore()
	orc, err := oracle.NewStatic(cfg.ExchangeRates, cfg.AssetRates)
	if err != nil {
		t.Fatalf("oracle: %v", err)
	}
	if limiter == nil {
		limiter = limits.NewPositionLimiter(d(1_000_000), d(5_000_000))
	}
	svc, err := trade.NewService(ms, orc, cfg.CashGroups, limiter, nil)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	svc.SetClock(trade.ClockFunc(func() time.Time { return testNow }))

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	env := &testEnv{svc: svc, store: ms, oracle: orc, router: r, cfg: cfg}
	if _, err := svc.InitializeMarket(context.Background(), trade.InitializeMarketRequest{
		CurrencyID:  usdc,
		MarketIndex: 1,
		Cash:        d(50_000_000), // 1,000,000 USDC at 0.02 per unit of asset cash
		FCash:       d(1_000_000),
		ImpliedRate: d(0.05),
	}); err != nil {
		t.Fatalf("initialize market: %v", err)
	}
	return env
}

func maturity1(t *testing.T) int64 {
	t.Helper()
	m, err := cashgroup.GridMaturity(1, testNow.Unix())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func usdcTicker(t *testing.T) string {
	t.Helper()
	tk, err := instrument.FormatTicker("USDC", model.KindFCash, maturity1(t))
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func (e *testEnv) deposit(t *testing.T, account string, currencyID uint16, amount float64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts/"+account+"/deposit", trade.CashRequest{CurrencyID: currencyID, Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Market tests ---

func TestInitializeMarket_Duplicate(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/markets", trade.InitializeMarketRequest{
		CurrencyID: usdc, MarketIndex: 1, Cash: d(100), FCash: d(100), ImpliedRate: d(0.05),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/markets", trade.InitializeMarketRequest{
		CurrencyID: eth, MarketIndex: 2, Cash: d(10_000), FCash: d(10_000), ImpliedRate: d(0.03),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[trade.LiquidityResponse](t, w)
	if !resp.Shares.Equal(d(10_000)) || !resp.Market.LastImpliedRate.Equal(d(0.03)) {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestInitializeMarket_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		req  trade.InitializeMarketRequest
		want int
	}{
		{"unknown currency", trade.InitializeMarketRequest{CurrencyID: 9, MarketIndex: 1, Cash: d(1), FCash: d(1), ImpliedRate: d(0.05)}, http.StatusBadRequest},
		{"index beyond group", trade.InitializeMarketRequest{CurrencyID: eth, MarketIndex: 3, Cash: d(1), FCash: d(1), ImpliedRate: d(0.05)}, http.StatusBadRequest},
		{"off grid maturity", trade.InitializeMarketRequest{CurrencyID: eth, Maturity: maturity1(t) - 86_400, Cash: d(1), FCash: d(1), ImpliedRate: d(0.05)}, http.StatusBadRequest},
		{"zero cash", trade.InitializeMarketRequest{CurrencyID: eth, MarketIndex: 1, FCash: d(1), ImpliedRate: d(0.05)}, http.StatusBadRequest},
		{"rate too high", trade.InitializeMarketRequest{CurrencyID: eth, MarketIndex: 1, Cash: d(1), FCash: d(1), ImpliedRate: d(5)}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/markets", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestListMarkets(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/currencies/2/markets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	views := decodeBody[[]trade.MarketView](t, w)
	if len(views) != 1 {
		t.Fatalf("expected 1 market, got %d", len(views))
	}
	v := views[0]
	if v.Ticker != usdcTicker(t) || v.MarketIndex != 1 || v.Maturity != maturity1(t) {
		t.Errorf("unexpected view %+v", v)
	}
	if !v.OracleRate.Equal(d(0.05)) {
		t.Errorf("oracle rate = %s, want 0.05", v.OracleRate)
	}

	w = env.do(t, "GET", "/api/v1/currencies/1/markets", nil)
	if views := decodeBody[[]trade.MarketView](t, w); len(views) != 0 {
		t.Errorf("expected no ETH markets, got %d", len(views))
	}

	w = env.do(t, "GET", "/api/v1/currencies/77/markets", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown currency, got %d", w.Code)
	}
}

// --- Quote tests ---

func TestQuote(t *testing.T) {
	env := newTestEnv(t, nil)
	tk := usdcTicker(t)

	w := env.do(t, "GET", "/api/v1/quote?ticker="+tk+"&fcash=-10000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	borrow := decodeBody[trade.Quote](t, w)
	if borrow.Direction != "borrow" || !borrow.CashToAccount.IsPositive() {
		t.Errorf("unexpected borrow quote %+v", borrow)
	}
	// A borrower receives less than face value, in asset cash at 0.02.
	if !borrow.CashToAccount.LessThan(d(500_000)) {
		t.Errorf("cash to account %s should be below 500000", borrow.CashToAccount)
	}
	if !borrow.TradeRate.GreaterThan(d(0.05)) {
		t.Errorf("borrow rate %s should exceed the market rate", borrow.TradeRate)
	}

	w = env.do(t, "GET", "/api/v1/quote?ticker="+tk+"&fcash=10000", nil)
	lend := decodeBody[trade.Quote](t, w)
	if lend.Direction != "lend" || !lend.CashToAccount.IsNegative() || !lend.TradeRate.LessThan(borrow.TradeRate) {
		t.Errorf("unexpected lend quote %+v", lend)
	}

	// Quoting does not change the market.
	m, _ := env.store.GetMarket(context.Background(), usdc, maturity1(t))
	if !m.TotalFCash.Equal(d(1_000_000)) {
		t.Errorf("quote changed the market: %s", m.TotalFCash)
	}
}

func TestQuote_ByCash(t *testing.T) {
	env := newTestEnv(t, nil)

	q, err := env.svc.QuoteTrade(context.Background(), trade.MarketRef{CurrencyID: usdc, Maturity: maturity1(t)}, decimal.Zero, d(100_000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.FCashToAccount.IsNegative() {
		t.Errorf("receiving cash should borrow, got fCash %s", q.FCashToAccount)
	}
	// Within one unit of underlying.
	diff := q.CashToAccount.Sub(d(100_000)).Abs()
	if diff.GreaterThan(d(50)) {
		t.Errorf("cash to account %s, want about 100000", q.CashToAccount)
	}
}

func TestQuote_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)
	tk := usdcTicker(t)
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"both amounts", "ticker=" + tk + "&fcash=1&cash=1", http.StatusBadRequest},
		{"no amount", "ticker=" + tk, http.StatusBadRequest},
		{"bad ticker", "ticker=usdc-1&fcash=1", http.StatusBadRequest},
		{"unknown symbol", "ticker=DAI-FCASH-20300101&fcash=1", http.StatusBadRequest},
		{"bad amount", "ticker=" + tk + "&fcash=abc", http.StatusBadRequest},
		{"uninitialized market", "currency_id=1&maturity=" + strconv.FormatInt(maturity1(t), 10) + "&fcash=1", http.StatusNotFound},
		{"too large", "ticker=" + tk + "&fcash=1000000", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", "/api/v1/quote?"+tt.query, nil)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

// --- Trade execution tests ---

func TestTrade_Borrow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", eth, 1)

	w := env.do(t, "POST", "/api/v1/trade", trade.TradeRequest{
		AccountID: "alice",
		MarketRef: trade.MarketRef{Ticker: usdcTicker(t)},
		FCash:     d(-10_000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[trade.TradeResponse](t, w)
	if resp.TradeID == "" || resp.Direction != "borrow" {
		t.Errorf("unexpected response %+v", resp)
	}
	if !resp.Market.TotalFCash.Equal(d(1_010_000)) {
		t.Errorf("pool fCash = %s, want 1010000", resp.Market.TotalFCash)
	}
	if !resp.Market.TotalCash.Equal(d(50_000_000).Add(resp.CashToMarket)) || !resp.CashToMarket.IsNegative() {
		t.Errorf("pool cash %s, cash to market %s", resp.Market.TotalCash, resp.CashToMarket)
	}
	if !resp.FreeCollateral.IsPositive() {
		t.Errorf("free collateral = %s", resp.FreeCollateral)
	}

	ctx := context.Background()
	acct, err := env.store.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(acct.Portfolio) != 1 || !acct.Portfolio[0].Notional.Equal(d(-10_000)) {
		t.Errorf("portfolio = %+v", acct.Portfolio)
	}
	if !acct.Balance(usdc).CashBalance.Equal(resp.CashToAccount) {
		t.Errorf("cash = %s, want %s", acct.Balance(usdc).CashBalance, resp.CashToAccount)
	}
	reserve, _ := env.store.GetReserve(ctx, usdc)
	if !reserve.Equal(resp.CashToReserve) || !reserve.IsPositive() {
		t.Errorf("reserve = %s, want %s", reserve, resp.CashToReserve)
	}
	entries, _ := env.store.GetLedgerEntriesByAccount(ctx, "alice")
	if len(entries) != 2 || entries[1].Action != model.ActionBorrow || entries[1].ID != resp.TradeID {
		t.Errorf("ledger = %+v", entries)
	}
}

func TestTrade_Lend(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "bob", usdc, 1_000_000)

	resp, err := env.svc.ApplyTrade(context.Background(), trade.TradeRequest{
		AccountID: "bob",
		MarketRef: trade.MarketRef{CurrencyID: usdc, Maturity: maturity1(t)},
		FCash:     d(10_000),
	})
	if err != nil {
		t.Fatalf("lend: %v", err)
	}
	if resp.Direction != "lend" || !resp.CashToAccount.IsNegative() {
		t.Errorf("unexpected response %+v", resp)
	}
	if !resp.Market.TotalFCash.Equal(d(990_000)) {
		t.Errorf("pool fCash = %s, want 990000", resp.Market.TotalFCash)
	}
	if !resp.Market.LastImpliedRate.LessThan(d(0.05)) {
		t.Errorf("lending should lower the rate, got %s", resp.Market.LastImpliedRate)
	}
}

func TestTrade_InsufficientCollateral(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/trade", trade.TradeRequest{
		AccountID: "bob",
		MarketRef: trade.MarketRef{Ticker: usdcTicker(t)},
		FCash:     d(-10_000),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Nothing was persisted.
	if _, err := env.store.GetAccount(context.Background(), "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no account, got %v", err)
	}
	m, _ := env.store.GetMarket(context.Background(), usdc, maturity1(t))
	if !m.TotalFCash.Equal(d(1_000_000)) {
		t.Errorf("market changed: %s", m.TotalFCash)
	}
}

func TestTrade_PositionLimit(t *testing.T) {
	env := newTestEnv(t, limits.NewPositionLimiter(d(5_000), decimal.Zero))
	env.deposit(t, "alice", eth, 10)

	_, err := env.svc.ApplyTrade(context.Background(), trade.TradeRequest{
		AccountID: "alice",
		MarketRef: trade.MarketRef{Ticker: usdcTicker(t)},
		FCash:     d(-10_000),
	})
	if !errors.Is(err, limits.ErrPerMaturityLimitExceeded) {
		t.Errorf("expected ErrPerMaturityLimitExceeded, got %v", err)
	}
}

func TestTrade_RateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", eth, 10)

	_, err := env.svc.ApplyTrade(context.Background(), trade.TradeRequest{
		AccountID: "alice",
		MarketRef: trade.MarketRef{Ticker: usdcTicker(t)},
		FCash:     d(-10_000),
		RateLimit: d(0.04),
	})
	if !errors.Is(err, trade.ErrSlippage) {
		t.Errorf("expected ErrSlippage, got %v", err)
	}

	if _, err := env.svc.ApplyTrade(context.Background(), trade.TradeRequest{
		AccountID: "alice",
		MarketRef: trade.MarketRef{Ticker: usdcTicker(t)},
		FCash:     d(-10_000),
		RateLimit: d(0.06),
	}); err != nil {
		t.Errorf("borrow within rate limit: %v", err)
	}
}

func TestTrade_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		req  trade.TradeRequest
		want int
	}{
		{"missing account", trade.TradeRequest{MarketRef: trade.MarketRef{Ticker: usdcTicker(t)}, FCash: d(1)}, http.StatusBadRequest},
		{"missing market", trade.TradeRequest{AccountID: "a", FCash: d(1)}, http.StatusBadRequest},
		{"matured", trade.TradeRequest{AccountID: "a", MarketRef: trade.MarketRef{CurrencyID: usdc, Maturity: testNow.Unix() - 1}, FCash: d(1)}, http.StatusBadRequest},
		{"beyond grid", trade.TradeRequest{AccountID: "a", MarketRef: trade.MarketRef{CurrencyID: usdc, Maturity: testNow.Unix() + 10*31_104_000}, FCash: d(1)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/trade", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/trade", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

// --- Cash balance tests ---

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", eth, 1)

	w := env.do(t, "POST", "/api/v1/accounts/alice/withdraw", trade.CashRequest{CurrencyID: eth, Amount: d(2)})
	if w.Code != http.StatusConflict {
		t.Errorf("overdraw: expected 409, got %d", w.Code)
	}

	if _, err := env.svc.ApplyTrade(context.Background(), trade.TradeRequest{
		AccountID: "alice",
		MarketRef: trade.MarketRef{Ticker: usdcTicker(t)},
		FCash:     d(-10_000),
	}); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// The ETH now backs the USDC debt.
	_, err := env.svc.Withdraw(context.Background(), trade.CashRequest{AccountID: "alice", CurrencyID: eth, Amount: d(1)})
	if !errors.Is(err, trade.ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}

	acct, err := env.svc.Withdraw(context.Background(), trade.CashRequest{AccountID: "alice", CurrencyID: eth, Amount: d(0.5)})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !acct.Balance(eth).CashBalance.Equal(d(0.5)) {
		t.Errorf("eth cash = %s, want 0.5", acct.Balance(eth).CashBalance)
	}
}

// --- Liquidity tests ---

func TestLiquidity_AddRemove(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "lp", usdc, 1_000_000)
	tk := usdcTicker(t)

	w := env.do(t, "POST", "/api/v1/liquidity/add", trade.LiquidityRequest{AccountID: "lp", MarketRef: trade.MarketRef{Ticker: tk}, Amount: d(500_000)})
	if w.Code != http.StatusOK {
		t.Fatalf("add: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	added := decodeBody[trade.LiquidityResponse](t, w)
	if !added.Shares.Equal(d(500_000)) || !added.FCash.Equal(d(-10_000)) {
		t.Errorf("unexpected add %+v", added)
	}
	if !added.Market.TotalLiquidity.Equal(d(50_500_000)) || !added.Market.TotalFCash.Equal(d(1_010_000)) {
		t.Errorf("unexpected market %+v", added.Market)
	}

	w = env.do(t, "POST", "/api/v1/liquidity/remove", trade.LiquidityRequest{AccountID: "lp", MarketRef: trade.MarketRef{Ticker: tk}, Amount: d(600_000)})
	if w.Code != http.StatusConflict {
		t.Errorf("over-remove: expected 409, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/liquidity/remove", trade.LiquidityRequest{AccountID: "lp", MarketRef: trade.MarketRef{Ticker: tk}, Amount: d(500_000)})
	if w.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	removed := decodeBody[trade.LiquidityResponse](t, w)
	if !removed.Cash.Equal(d(500_000)) || !removed.FCash.Equal(d(10_000)) {
		t.Errorf("unexpected remove %+v", removed)
	}

	w = env.do(t, "GET", "/api/v1/accounts/lp", nil)
	view := decodeBody[trade.AccountView](t, w)
	if len(view.Portfolio) != 0 {
		t.Errorf("portfolio should be empty, got %+v", view.Portfolio)
	}
	if !view.Balance(usdc).CashBalance.Equal(d(1_000_000)) {
		t.Errorf("cash = %s, want 1000000", view.Balance(usdc).CashBalance)
	}
	if len(view.Ledger) != 3 {
		t.Errorf("ledger has %d entries, want 3", len(view.Ledger))
	}
}

// --- Valuation tests ---

func TestPortfolioAndFreeCollateral(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "alice", eth, 1)
	if _, err := env.svc.ApplyTrade(context.Background(), trade.TradeRequest{
		AccountID: "alice",
		MarketRef: trade.MarketRef{Ticker: usdcTicker(t)},
		FCash:     d(-10_000),
	}); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	w := env.do(t, "GET", "/api/v1/accounts/alice/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	risk := decodeBody[trade.PortfolioResponse](t, w)
	w = env.do(t, "GET", "/api/v1/accounts/alice/portfolio?risk_adjusted=false", nil)
	plain := decodeBody[trade.PortfolioResponse](t, w)

	if !risk.RiskAdjusted || plain.RiskAdjusted {
		t.Error("risk_adjusted flag not honored")
	}
	if len(risk.Positions) != 1 || risk.Positions[0].Ticker != usdcTicker(t) {
		t.Errorf("positions = %+v", risk.Positions)
	}
	// Debt discounted at the buffered rate is worth more than at the oracle rate.
	if !risk.Values.For(usdc).LessThan(plain.Values.For(usdc)) || !plain.Values.For(usdc).IsNegative() {
		t.Errorf("risk adjusted %s, plain %s", risk.Values.For(usdc), plain.Values.For(usdc))
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice/free-collateral", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var fc struct {
		NetBaseValue decimal.Decimal `json:"net_base_value"`
		Solvent      bool            `json:"solvent"`
		Currencies   []struct {
			CurrencyID         uint16          `json:"currency_id"`
			NetLocalAssetValue decimal.Decimal `json:"net_local_asset_value"`
		} `json:"currencies"`
	}
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatal(err)
	}
	if !fc.Solvent || len(fc.Currencies) != 2 {
		t.Errorf("free collateral = %+v", fc)
	}
	// The borrowed cash is worth less than the buffered debt.
	if fc.Currencies[1].CurrencyID != usdc || !fc.Currencies[1].NetLocalAssetValue.IsNegative() {
		t.Errorf("usdc factors = %+v", fc.Currencies[1])
	}

	w = env.do(t, "GET", "/api/v1/accounts/nobody/free-collateral", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Liquidation tests ---

// insolventBorrower leaves alice with a USDC debt backed by 1 ETH, then
// drops the ETH price until she is undercollateralized.
func insolventBorrower(t *testing.T, env *testEnv) {
	t.Helper()
	env.deposit(t, "alice", eth, 1)
	if _, err := env.svc.ApplyTrade(context.Background(), trade.TradeRequest{
		AccountID: "alice",
		MarketRef: trade.MarketRef{Ticker: usdcTicker(t)},
		FCash:     d(-10_000),
	}); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	er, err := env.oracle.ExchangeRate(context.Background(), eth)
	if err != nil {
		t.Fatal(err)
	}
	er.Rate = d(0.0001)
	if err := env.oracle.SetExchangeRate(er); err != nil {
		t.Fatal(err)
	}
}

func TestLiquidate_CollateralCurrency(t *testing.T) {
	env := newTestEnv(t, nil)
	insolventBorrower(t, env)
	env.deposit(t, "carol", usdc, 100_000)

	req := trade.LiquidationRequest{
		Kind:                 liquidation.KindCollateralCurrency,
		AccountID:            "alice",
		LiquidatorID:         "carol",
		LocalCurrencyID:      usdc,
		CollateralCurrencyID: eth,
		DryRun:               true,
	}
	w := env.do(t, "POST", "/api/v1/liquidate", req)
	if w.Code != http.StatusOK {
		t.Fatalf("dry run: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	dry := decodeBody[trade.LiquidationResponse](t, w)
	// At most 40% of the collateral is seized.
	if !dry.CollateralCashToLiquidator.Equal(d(0.4)) || !dry.LocalFromLiquidator.IsPositive() {
		t.Errorf("unexpected dry run %+v", dry)
	}
	if !dry.FreeCollateralAfter.GreaterThan(dry.FreeCollateralBefore) || dry.ID != "" {
		t.Errorf("dry run should improve collateral without an id: %+v", dry)
	}
	acct, _ := env.store.GetAccount(context.Background(), "alice")
	if !acct.Balance(eth).CashBalance.Equal(d(1)) {
		t.Errorf("dry run changed the account: %s", acct.Balance(eth).CashBalance)
	}

	req.DryRun = false
	resp, err := env.svc.Liquidate(context.Background(), req)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if resp.ID == "" || !resp.LocalFromLiquidator.Equal(dry.LocalFromLiquidator) {
		t.Errorf("execution differs from dry run: %+v vs %+v", resp, dry)
	}

	ctx := context.Background()
	acct, _ = env.store.GetAccount(ctx, "alice")
	carol, _ := env.store.GetAccount(ctx, "carol")
	if !acct.Balance(eth).CashBalance.Equal(d(0.6)) || !carol.Balance(eth).CashBalance.Equal(d(0.4)) {
		t.Errorf("eth: alice %s, carol %s", acct.Balance(eth).CashBalance, carol.Balance(eth).CashBalance)
	}
	if !carol.Balance(usdc).CashBalance.Equal(d(100_000).Sub(resp.LocalFromLiquidator)) {
		t.Errorf("carol usdc = %s", carol.Balance(usdc).CashBalance)
	}
}

func TestLiquidate_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit(t, "solvent", eth, 1)
	insolventBorrower(t, env)

	tests := []struct {
		name string
		req  trade.LiquidationRequest
		want int
	}{
		{"unknown kind", trade.LiquidationRequest{Kind: "everything", AccountID: "alice", LocalCurrencyID: usdc, DryRun: true}, http.StatusBadRequest},
		{"missing collateral", trade.LiquidationRequest{Kind: liquidation.KindCollateralCurrency, AccountID: "alice", LocalCurrencyID: usdc, DryRun: true}, http.StatusBadRequest},
		{"missing liquidator", trade.LiquidationRequest{Kind: liquidation.KindLocalFCash, AccountID: "alice", LocalCurrencyID: usdc}, http.StatusBadRequest},
		{"self liquidation", trade.LiquidationRequest{Kind: liquidation.KindLocalFCash, AccountID: "alice", LiquidatorID: "alice", LocalCurrencyID: usdc}, http.StatusBadRequest},
		{"unknown account", trade.LiquidationRequest{Kind: liquidation.KindLocalCurrency, AccountID: "ghost", LocalCurrencyID: usdc, DryRun: true}, http.StatusNotFound},
		{"solvent account", trade.LiquidationRequest{Kind: liquidation.KindLocalCurrency, AccountID: "solvent", LocalCurrencyID: eth, DryRun: true}, http.StatusUnprocessableEntity},
		{"no pool tokens", trade.LiquidationRequest{Kind: liquidation.KindLocalCurrency, AccountID: "alice", LocalCurrencyID: usdc, DryRun: true}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/liquidate", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestLiquidate_InsolventLiquidator(t *testing.T) {
	env := newTestEnv(t, nil)
	insolventBorrower(t, env)

	// dave has no USDC to pay for the collateral.
	_, err := env.svc.Liquidate(context.Background(), trade.LiquidationRequest{
		Kind:                 liquidation.KindCollateralCurrency,
		AccountID:            "alice",
		LiquidatorID:         "dave",
		LocalCurrencyID:      usdc,
		CollateralCurrencyID: eth,
	})
	if !errors.Is(err, trade.ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}
}
