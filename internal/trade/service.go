// Package trade provides the HTTP handlers and business logic for
// initializing markets, executing fCash trades, managing liquidity, and
// querying account valuation, free collateral and liquidation.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/freecollateral"
	"github.com/atmx/fcash-engine/internal/instrument"
	"github.com/atmx/fcash-engine/internal/limits"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/oracle"
	"github.com/atmx/fcash-engine/internal/store"
)

var (
	// ErrInvalidRequest is returned for malformed or incomplete requests.
	ErrInvalidRequest = errors.New("trade: invalid request")

	// ErrUnknownCurrency is returned for currencies without a cash group.
	ErrUnknownCurrency = errors.New("trade: unknown currency")

	// ErrInsufficientCollateral is returned when an action would leave an
	// account with negative free collateral.
	ErrInsufficientCollateral = errors.New("trade: insufficient free collateral")

	// ErrInsufficientBalance is returned when an account does not hold the
	// cash or pool claims an action spends.
	ErrInsufficientBalance = errors.New("trade: insufficient balance")

	// ErrSlippage is returned when the executed rate is worse than the
	// caller's rate limit.
	ErrSlippage = errors.New("trade: rate limit exceeded")

	// ErrMarketExists is returned when initializing a market that already
	// holds liquidity.
	ErrMarketExists = errors.New("trade: market already initialized")
)

// Clock supplies the time every calculation runs at.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Service handles market operations. Uses a mutex for serialized execution
// of state-changing calls (single-instance). For horizontal scaling,
// replace with distributed locking or database-level optimistic
// concurrency.
type Service struct {
	store   store.Store
	oracle  oracle.Oracle
	groups  map[uint16]cashgroup.Config
	symbols map[string]uint16
	limiter *limits.PositionLimiter
	clock   Clock
	mu      sync.Mutex
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service over the configured cash groups.
// Pass nil for hub if WebSocket broadcasting is not needed, and nil for
// limiter to disable position limits.
func NewService(st store.Store, orc oracle.Oracle, groups []cashgroup.Config, limiter *limits.PositionLimiter, hub *WSHub) (*Service, error) {
	s := &Service{
		store:   st,
		oracle:  orc,
		groups:  make(map[uint16]cashgroup.Config, len(groups)),
		symbols: make(map[string]uint16, len(groups)),
		limiter: limiter,
		clock:   SystemClock,
		wsHub:   hub,
	}
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		s.groups[g.CurrencyID] = g
		s.symbols[g.Symbol] = g.CurrencyID
	}
	if s.limiter == nil {
		s.limiter = limits.NewPositionLimiter(decimal.Zero, decimal.Zero)
	}
	return s, nil
}

// SetClock replaces the service clock.
func (s *Service) SetClock(c Clock) {
	s.clock = c
}

// --- Market references ---

// MarketRef identifies a market by ticker or by currency and maturity.
type MarketRef struct {
	Ticker     string `json:"ticker,omitempty"`
	CurrencyID uint16 `json:"currency_id,omitempty"`
	Maturity   int64  `json:"maturity,omitempty"`
}

// resolve returns the currency and maturity a reference names.
func (s *Service) resolve(ref MarketRef) (uint16, int64, error) {
	if ref.Ticker != "" {
		inst, err := instrument.ParseTicker(ref.Ticker)
		if err != nil {
			return 0, 0, err
		}
		id, ok := s.symbols[inst.Symbol]
		if !ok {
			return 0, 0, fmt.Errorf("%w: symbol %s", ErrUnknownCurrency, inst.Symbol)
		}
		return id, inst.Maturity, nil
	}
	if ref.CurrencyID == 0 || ref.Maturity == 0 {
		return 0, 0, fmt.Errorf("%w: ticker or currency_id and maturity required", ErrInvalidRequest)
	}
	if _, ok := s.groups[ref.CurrencyID]; !ok {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownCurrency, ref.CurrencyID)
	}
	return ref.CurrencyID, ref.Maturity, nil
}

// ticker formats the fCash ticker of a market, or "" if the symbol does
// not fit the ticker format.
func (s *Service) ticker(currencyID uint16, kind model.AssetKind, maturity int64) string {
	t, err := instrument.FormatTicker(s.groups[currencyID].Symbol, kind, maturity)
	if err != nil {
		return ""
	}
	return t
}

// gridMarket locates the active market at maturity. Only exact grid
// maturities trade.
func gridMarket(cg *cashgroup.CashGroup, maturity, blockTime int64) (int, model.Market, error) {
	index, idiosyncratic, err := cashgroup.MarketIndex(cg.Config.MaxMarketIndex, maturity, blockTime)
	if err != nil {
		return 0, model.Market{}, err
	}
	if idiosyncratic {
		return 0, model.Market{}, fmt.Errorf("%w: %d is not a market maturity", cashgroup.ErrMaturityNotFound, maturity)
	}
	m, err := cg.Market(index, blockTime)
	if err != nil {
		return 0, model.Market{}, err
	}
	return index, m, nil
}

// --- Snapshot loading ---

// loadCashGroup builds a currency's cash group from its stored markets and
// the oracle's asset rate.
func (s *Service) loadCashGroup(ctx context.Context, currencyID uint16) (*cashgroup.CashGroup, error) {
	cfg, ok := s.groups[currencyID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCurrency, currencyID)
	}
	markets, err := s.store.ListMarkets(ctx, currencyID)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	ar, err := s.oracle.AssetRate(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	return cashgroup.New(cfg, ar, markets)
}

// loadSnapshot reads every input a free collateral or liquidation pass
// needs for the given currencies.
func (s *Service) loadSnapshot(ctx context.Context, currencies ...uint16) (freecollateral.Snapshot, error) {
	snap := freecollateral.Snapshot{
		CashGroups:    make(map[uint16]*cashgroup.CashGroup),
		ExchangeRates: make(map[uint16]model.ExchangeRate),
		PoolTokens:    make(map[uint16]model.PoolToken),
	}
	for _, id := range currencies {
		if id == 0 || snap.CashGroups[id] != nil {
			continue
		}
		cg, err := s.loadCashGroup(ctx, id)
		if err != nil {
			return snap, err
		}
		er, err := s.oracle.ExchangeRate(ctx, id)
		if err != nil {
			return snap, err
		}
		pt, err := s.store.GetPoolToken(ctx, id)
		switch {
		case err == nil:
			snap.PoolTokens[id] = *pt
		case !errors.Is(err, store.ErrNotFound):
			return snap, fmt.Errorf("get pool token: %w", err)
		}
		snap.CashGroups[id] = cg
		snap.ExchangeRates[id] = er
	}
	return snap, nil
}

// loadAccount returns the stored account, or an empty one for a new id.
func (s *Service) loadAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewAccount(id), nil
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("get account: %w", err)
	}
	return *a, nil
}

// checkSolvent computes free collateral and rejects a negative result.
func checkSolvent(acct model.Account, snap freecollateral.Snapshot, blockTime int64) (freecollateral.Result, error) {
	fc, err := freecollateral.Calculate(acct, snap, blockTime)
	if err != nil {
		metrics.FreeCollateralChecks.WithLabelValues(metrics.OutcomeError).Inc()
		return fc, err
	}
	if !fc.Solvent() {
		metrics.FreeCollateralChecks.WithLabelValues(metrics.OutcomeInsolvent).Inc()
		return fc, fmt.Errorf("%w: account %s net %s", ErrInsufficientCollateral, acct.ID, fc.NetBaseValue)
	}
	metrics.FreeCollateralChecks.WithLabelValues(metrics.OutcomeSolvent).Inc()
	return fc, nil
}

func newEntry(accountID, action string, currencyID uint16, maturity int64, fCash, cash, rate decimal.Decimal, now time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Action:      action,
		CurrencyID:  currencyID,
		Maturity:    maturity,
		FCash:       fCash,
		Cash:        cash,
		ImpliedRate: rate,
		Timestamp:   now,
	}
}

func union(a []uint16, ids ...uint16) []uint16 {
	seen := make(map[uint16]bool, len(a)+len(ids))
	out := make([]uint16, 0, len(a)+len(ids))
	for _, id := range append(append([]uint16{}, a...), ids...) {
		if id != 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// broadcastMarket pushes a market's state to WebSocket clients and updates
// the rate gauge.
func (s *Service) broadcastMarket(event string, m model.Market, fCash decimal.Decimal) {
	rate, _ := m.LastImpliedRate.Float64()
	metrics.MarketImpliedRate.WithLabelValues(strconv.Itoa(int(m.CurrencyID)), strconv.FormatInt(m.Maturity, 10)).Set(rate)

	if s.wsHub == nil {
		return
	}
	msg := WSMessage{
		Type:        event,
		CurrencyID:  m.CurrencyID,
		Maturity:    m.Maturity,
		Ticker:      s.ticker(m.CurrencyID, model.KindFCash, m.Maturity),
		ImpliedRate: m.LastImpliedRate.String(),
		TotalFCash:  m.TotalFCash.String(),
		TotalCash:   m.TotalCash.String(),
	}
	if !fCash.IsZero() {
		msg.FCash = fCash.String()
	}
	s.wsHub.Broadcast(msg)
}

// --- Trades ---

// TradeRequest is the JSON body for POST /trade. Exactly one of FCash and
// Cash is set: FCash is the fCash to the account (positive lends), Cash the
// net asset cash to the account (positive borrows).
type TradeRequest struct {
	AccountID string `json:"account_id"`
	MarketRef
	FCash decimal.Decimal `json:"fcash"`
	Cash  decimal.Decimal `json:"cash"`
	// RateLimit, when positive, is the minimum annualized rate a lender
	// accepts or the maximum a borrower accepts.
	RateLimit decimal.Decimal `json:"rate_limit"`
}

// Quote is the outcome of a quoted or executed trade.
type Quote struct {
	CurrencyID uint16          `json:"currency_id"`
	Maturity   int64           `json:"maturity"`
	Ticker     string          `json:"ticker"`
	Direction  string          `json:"direction"` // "lend" or "borrow"
	TradeRate  decimal.Decimal `json:"trade_rate"`
	market.Trade
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TradeID   string `json:"trade_id"`
	AccountID string `json:"account_id"`
	Quote
	Market         model.Market    `json:"market"`
	FreeCollateral decimal.Decimal `json:"free_collateral"`
}

func direction(fCash decimal.Decimal) string {
	if fCash.IsPositive() {
		return "lend"
	}
	return "borrow"
}

// price runs the curve for a request against cg without changing state.
func (s *Service) price(cg *cashgroup.CashGroup, maturity int64, fCash, cash decimal.Decimal, blockTime int64) (model.Market, Quote, error) {
	if fCash.IsZero() == cash.IsZero() {
		return model.Market{}, Quote{}, fmt.Errorf("%w: exactly one of fcash and cash is required", ErrInvalidRequest)
	}
	index, m, err := gridMarket(cg, maturity, blockTime)
	if err != nil {
		return model.Market{}, Quote{}, err
	}
	params := cg.MarketParams(index)
	if fCash.IsZero() {
		if fCash, err = market.FCashGivenCashAmount(m, params, cash, blockTime, decimal.Zero); err != nil {
			return model.Market{}, Quote{}, err
		}
	}
	next, tr, err := market.CalculateTrade(m, params, fCash, blockTime)
	if err != nil {
		return model.Market{}, Quote{}, err
	}
	rate, err := market.ImpliedRateFromExchangeRate(tr.PostFeeExchangeRate, maturity-blockTime)
	if err != nil {
		return model.Market{}, Quote{}, err
	}
	return next, Quote{
		CurrencyID: cg.CurrencyID(),
		Maturity:   maturity,
		Ticker:     s.ticker(cg.CurrencyID(), model.KindFCash, maturity),
		Direction:  direction(fCash),
		TradeRate:  rate,
		Trade:      tr,
	}, nil
}

// QuoteTrade prices a trade by fCash or by cash without executing it.
func (s *Service) QuoteTrade(ctx context.Context, ref MarketRef, fCash, cash decimal.Decimal) (Quote, error) {
	currencyID, maturity, err := s.resolve(ref)
	if err != nil {
		return Quote{}, err
	}
	cg, err := s.loadCashGroup(ctx, currencyID)
	if err != nil {
		return Quote{}, err
	}
	_, q, err := s.price(cg, maturity, fCash, cash, s.clock.Now().Unix())
	return q, err
}

// ApplyTrade executes a trade for an account. The market, the account and
// the reserve change together in one commit, and only if the account
// keeps non-negative free collateral.
func (s *Service) ApplyTrade(ctx context.Context, req TradeRequest) (TradeResponse, error) {
	if req.AccountID == "" {
		return TradeResponse{}, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	}
	currencyID, maturity, err := s.resolve(req.MarketRef)
	if err != nil {
		return TradeResponse{}, err
	}
	start := time.Now()

	// Serialize trade execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	blockTime := now.Unix()

	acct, err := s.loadAccount(ctx, req.AccountID)
	if err != nil {
		return TradeResponse{}, err
	}
	snap, err := s.loadSnapshot(ctx, union(acct.Currencies(), currencyID)...)
	if err != nil {
		return TradeResponse{}, err
	}
	cg := snap.CashGroups[currencyID]

	next, q, err := s.price(cg, maturity, req.FCash, req.Cash, blockTime)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("curve").Inc()
		return TradeResponse{}, err
	}
	if req.RateLimit.IsPositive() {
		lend := q.FCashToAccount.IsPositive()
		if (lend && q.TradeRate.LessThan(req.RateLimit)) || (!lend && q.TradeRate.GreaterThan(req.RateLimit)) {
			metrics.TradeRejections.WithLabelValues("slippage").Inc()
			return TradeResponse{}, fmt.Errorf("%w: %s rate %s, limit %s", ErrSlippage, q.Direction, q.TradeRate, req.RateLimit)
		}
	}

	// --- Position limit check ---
	if err := s.limiter.CheckLimit(acct.Portfolio, currencyID, maturity, q.FCashToAccount); err != nil {
		metrics.PositionLimitRejections.Inc()
		return TradeResponse{}, err
	}

	acct.AddCash(currencyID, q.CashToAccount)
	acct.Portfolio.AddAsset(currencyID, maturity, model.KindFCash, q.FCashToAccount)
	cg.SetMarket(next)

	fc, err := checkSolvent(acct, snap, blockTime)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("collateral").Inc()
		return TradeResponse{}, err
	}

	action := model.ActionLend
	if q.FCashToAccount.IsNegative() {
		action = model.ActionBorrow
	}
	entry := newEntry(acct.ID, action, currencyID, maturity, q.FCashToAccount, q.CashToAccount, next.LastImpliedRate, now)
	batch := &store.Batch{
		Markets:  []model.Market{next},
		Accounts: []model.Account{acct},
		Ledger:   []model.LedgerEntry{entry},
	}
	batch.AddReserve(currencyID, q.CashToReserve)
	if err := s.store.Commit(ctx, batch); err != nil {
		return TradeResponse{}, fmt.Errorf("commit trade: %w", err)
	}

	metrics.TradesTotal.WithLabelValues(cg.Config.Symbol, q.Direction).Inc()
	metrics.TradeLatency.WithLabelValues(q.Direction).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", entry.ID,
		"account", acct.ID,
		"currency", currencyID,
		"maturity", maturity,
		"fcash", q.FCashToAccount.String(),
		"cash", q.CashToAccount.String(),
		"trade_rate", q.TradeRate.String(),
		"implied_rate", next.LastImpliedRate.String(),
	)

	// Broadcast rate update via WebSocket.
	s.broadcastMarket("trade_executed", next, q.FCashToAccount)

	return TradeResponse{
		TradeID:        entry.ID,
		AccountID:      acct.ID,
		Quote:          q,
		Market:         next,
		FreeCollateral: fc.NetBaseValue,
	}, nil
}

// --- Cash balances ---

// CashRequest is the JSON body for deposits and withdrawals. Amount is in
// the currency's asset cash. Only the balance is booked; no tokens move.
type CashRequest struct {
	AccountID  string          `json:"account_id"`
	CurrencyID uint16          `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Deposit credits an account's cash balance.
func (s *Service) Deposit(ctx context.Context, req CashRequest) (model.Account, error) {
	return s.adjustCash(ctx, req, model.ActionDeposit)
}

// Withdraw debits an account's cash balance. The balance may not go
// negative and the account must stay collateralized.
func (s *Service) Withdraw(ctx context.Context, req CashRequest) (model.Account, error) {
	return s.adjustCash(ctx, req, model.ActionWithdraw)
}

func (s *Service) adjustCash(ctx context.Context, req CashRequest, action string) (model.Account, error) {
	if req.AccountID == "" || !req.Amount.IsPositive() {
		return model.Account{}, fmt.Errorf("%w: account_id and a positive amount are required", ErrInvalidRequest)
	}
	if _, ok := s.groups[req.CurrencyID]; !ok {
		return model.Account{}, fmt.Errorf("%w: %d", ErrUnknownCurrency, req.CurrencyID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	acct, err := s.loadAccount(ctx, req.AccountID)
	if err != nil {
		return model.Account{}, err
	}

	delta := req.Amount
	if action == model.ActionWithdraw {
		if acct.Balance(req.CurrencyID).CashBalance.LessThan(req.Amount) {
			return model.Account{}, fmt.Errorf("%w: cash %s, withdraw %s", ErrInsufficientBalance, acct.Balance(req.CurrencyID).CashBalance, req.Amount)
		}
		delta = req.Amount.Neg()
	}
	acct.AddCash(req.CurrencyID, delta)

	if action == model.ActionWithdraw {
		snap, err := s.loadSnapshot(ctx, acct.Currencies()...)
		if err != nil {
			return model.Account{}, err
		}
		if _, err := checkSolvent(acct, snap, now.Unix()); err != nil {
			return model.Account{}, err
		}
	}

	entry := newEntry(acct.ID, action, req.CurrencyID, 0, decimal.Zero, delta, decimal.Zero, now)
	if err := s.store.Commit(ctx, &store.Batch{Accounts: []model.Account{acct}, Ledger: []model.LedgerEntry{entry}}); err != nil {
		return model.Account{}, fmt.Errorf("commit %s: %w", action, err)
	}
	slog.Info("cash balance adjusted", "account", acct.ID, "action", action, "currency", req.CurrencyID, "amount", req.Amount.String())
	return acct, nil
}
