package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/store"
)

// InitializeMarketRequest is the JSON body for POST /markets. The market is
// the grid market at MarketIndex, or at Maturity when that is a grid
// maturity. Without an AccountID the first liquidity is protocol-owned.
type InitializeMarketRequest struct {
	AccountID   string          `json:"account_id,omitempty"`
	CurrencyID  uint16          `json:"currency_id"`
	MarketIndex int             `json:"market_index,omitempty"`
	Maturity    int64           `json:"maturity,omitempty"`
	Cash        decimal.Decimal `json:"cash"`
	FCash       decimal.Decimal `json:"fcash"`
	ImpliedRate decimal.Decimal `json:"implied_rate"`
}

// LiquidityRequest is the JSON body for POST /liquidity/add (Amount is
// asset cash) and POST /liquidity/remove (Amount is liquidity shares).
type LiquidityRequest struct {
	AccountID string `json:"account_id"`
	MarketRef
	Amount decimal.Decimal `json:"amount"`
}

// LiquidityResponse reports a liquidity change.
type LiquidityResponse struct {
	AccountID      string          `json:"account_id,omitempty"`
	Ticker         string          `json:"ticker"`
	Shares         decimal.Decimal `json:"shares"`
	Cash           decimal.Decimal `json:"cash"`  // asset cash to the account
	FCash          decimal.Decimal `json:"fcash"` // fCash to the account
	Market         model.Market    `json:"market"`
	FreeCollateral decimal.Decimal `json:"free_collateral"`
}

// MarketView is an active market with its current rates.
type MarketView struct {
	model.Market
	Ticker      string          `json:"ticker"`
	MarketIndex int             `json:"market_index"`
	OracleRate  decimal.Decimal `json:"current_oracle_rate"`
	ImpliedRate decimal.Decimal `json:"current_implied_rate"`
}

// InitializeMarket creates the first liquidity in a grid market.
func (s *Service) InitializeMarket(ctx context.Context, req InitializeMarketRequest) (LiquidityResponse, error) {
	cfg, ok := s.groups[req.CurrencyID]
	if !ok {
		return LiquidityResponse{}, fmt.Errorf("%w: %d", ErrUnknownCurrency, req.CurrencyID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	blockTime := now.Unix()

	maturity := req.Maturity
	if req.MarketIndex != 0 {
		if req.MarketIndex > cfg.MaxMarketIndex {
			return LiquidityResponse{}, fmt.Errorf("%w: market index %d above %d", cashgroup.ErrMaturityNotFound, req.MarketIndex, cfg.MaxMarketIndex)
		}
		var err error
		if maturity, err = cashgroup.GridMaturity(req.MarketIndex, blockTime); err != nil {
			return LiquidityResponse{}, err
		}
	}
	if _, idiosyncratic, err := cashgroup.MarketIndex(cfg.MaxMarketIndex, maturity, blockTime); err != nil {
		return LiquidityResponse{}, err
	} else if idiosyncratic {
		return LiquidityResponse{}, fmt.Errorf("%w: %d is not a market maturity", cashgroup.ErrMaturityNotFound, maturity)
	}

	existing, err := s.store.GetMarket(ctx, req.CurrencyID, maturity)
	switch {
	case err == nil && existing.IsInitialized():
		return LiquidityResponse{}, fmt.Errorf("%w: currency %d maturity %d", ErrMarketExists, req.CurrencyID, maturity)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return LiquidityResponse{}, fmt.Errorf("get market: %w", err)
	}

	m, err := market.Initialize(req.CurrencyID, maturity, req.Cash, req.FCash, req.ImpliedRate, blockTime)
	if err != nil {
		return LiquidityResponse{}, err
	}

	resp := LiquidityResponse{
		AccountID: req.AccountID,
		Ticker:    s.ticker(req.CurrencyID, model.KindFCash, maturity),
		Shares:    m.TotalLiquidity,
		Cash:      req.Cash.Neg(),
		FCash:     req.FCash.Neg(),
		Market:    m,
	}
	batch := &store.Batch{Markets: []model.Market{m}}
	ledgerAccount := "protocol"
	if req.AccountID != "" {
		ledgerAccount = req.AccountID
		acct, err := s.loadAccount(ctx, req.AccountID)
		if err != nil {
			return LiquidityResponse{}, err
		}
		snap, err := s.loadSnapshot(ctx, union(acct.Currencies(), req.CurrencyID)...)
		if err != nil {
			return LiquidityResponse{}, err
		}
		snap.CashGroups[req.CurrencyID].SetMarket(m)

		acct.AddCash(req.CurrencyID, resp.Cash)
		acct.Portfolio.AddAsset(req.CurrencyID, maturity, model.KindPoolClaim, m.TotalLiquidity)
		acct.Portfolio.AddAsset(req.CurrencyID, maturity, model.KindFCash, resp.FCash)
		fc, err := checkSolvent(acct, snap, blockTime)
		if err != nil {
			return LiquidityResponse{}, err
		}
		resp.FreeCollateral = fc.NetBaseValue
		batch.Accounts = []model.Account{acct}
	}
	batch.Ledger = []model.LedgerEntry{newEntry(ledgerAccount, model.ActionInitialize, req.CurrencyID, maturity, resp.FCash, resp.Cash, m.LastImpliedRate, now)}

	if err := s.store.Commit(ctx, batch); err != nil {
		return LiquidityResponse{}, fmt.Errorf("commit market: %w", err)
	}

	s.refreshActiveMarkets(ctx)
	metrics.LiquidityEvents.WithLabelValues(model.ActionInitialize).Inc()
	slog.Info("market initialized",
		"currency", req.CurrencyID,
		"maturity", maturity,
		"cash", req.Cash.String(),
		"fcash", req.FCash.String(),
		"rate", req.ImpliedRate.String(),
		"provider", ledgerAccount,
	)
	s.broadcastMarket("market_initialized", m, decimal.Zero)
	return resp, nil
}

// AddLiquidity deposits asset cash into a market. The account pays the
// cash and receives pool claims plus the offsetting negative fCash.
func (s *Service) AddLiquidity(ctx context.Context, req LiquidityRequest) (LiquidityResponse, error) {
	return s.changeLiquidity(ctx, req, model.ActionAddLiquidity)
}

// RemoveLiquidity burns the account's pool claims for their share of the
// market's cash and fCash.
func (s *Service) RemoveLiquidity(ctx context.Context, req LiquidityRequest) (LiquidityResponse, error) {
	return s.changeLiquidity(ctx, req, model.ActionRemoveLiquidity)
}

func (s *Service) changeLiquidity(ctx context.Context, req LiquidityRequest, action string) (LiquidityResponse, error) {
	if req.AccountID == "" || !req.Amount.IsPositive() {
		return LiquidityResponse{}, fmt.Errorf("%w: account_id and a positive amount are required", ErrInvalidRequest)
	}
	currencyID, maturity, err := s.resolve(req.MarketRef)
	if err != nil {
		return LiquidityResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	blockTime := now.Unix()

	acct, err := s.loadAccount(ctx, req.AccountID)
	if err != nil {
		return LiquidityResponse{}, err
	}
	snap, err := s.loadSnapshot(ctx, union(acct.Currencies(), currencyID)...)
	if err != nil {
		return LiquidityResponse{}, err
	}
	cg := snap.CashGroups[currencyID]
	_, m, err := gridMarket(cg, maturity, blockTime)
	if err != nil {
		return LiquidityResponse{}, err
	}

	resp := LiquidityResponse{AccountID: acct.ID, Ticker: s.ticker(currencyID, model.KindPoolClaim, maturity)}
	var next model.Market
	if action == model.ActionAddLiquidity {
		var shares, fCash decimal.Decimal
		if next, shares, fCash, err = market.AddLiquidity(m, req.Amount); err != nil {
			return LiquidityResponse{}, err
		}
		resp.Shares, resp.Cash, resp.FCash = shares, req.Amount.Neg(), fCash
		acct.Portfolio.AddAsset(currencyID, maturity, model.KindPoolClaim, shares)
	} else {
		held := decimal.Zero
		if i := acct.Portfolio.Find(currencyID, maturity, model.KindPoolClaim); i >= 0 {
			held = acct.Portfolio[i].Notional
		}
		if held.LessThan(req.Amount) {
			return LiquidityResponse{}, fmt.Errorf("%w: %s pool claims, %s requested", ErrInsufficientBalance, held, req.Amount)
		}
		var cash, fCash decimal.Decimal
		if next, cash, fCash, err = market.RemoveLiquidity(m, req.Amount); err != nil {
			return LiquidityResponse{}, err
		}
		resp.Shares, resp.Cash, resp.FCash = req.Amount.Neg(), cash, fCash
		acct.Portfolio.AddAsset(currencyID, maturity, model.KindPoolClaim, req.Amount.Neg())
	}
	acct.AddCash(currencyID, resp.Cash)
	acct.Portfolio.AddAsset(currencyID, maturity, model.KindFCash, resp.FCash)
	cg.SetMarket(next)
	resp.Market = next

	fc, err := checkSolvent(acct, snap, blockTime)
	if err != nil {
		return LiquidityResponse{}, err
	}
	resp.FreeCollateral = fc.NetBaseValue

	batch := &store.Batch{
		Markets:  []model.Market{next},
		Accounts: []model.Account{acct},
		Ledger:   []model.LedgerEntry{newEntry(acct.ID, action, currencyID, maturity, resp.FCash, resp.Cash, next.LastImpliedRate, now)},
	}
	if err := s.store.Commit(ctx, batch); err != nil {
		return LiquidityResponse{}, fmt.Errorf("commit liquidity: %w", err)
	}

	s.refreshActiveMarkets(ctx)
	metrics.LiquidityEvents.WithLabelValues(action).Inc()
	slog.Info("liquidity changed",
		"action", action,
		"account", acct.ID,
		"currency", currencyID,
		"maturity", maturity,
		"shares", resp.Shares.String(),
		"cash", resp.Cash.String(),
	)
	s.broadcastMarket("liquidity_changed", next, decimal.Zero)
	return resp, nil
}

// ListMarkets returns a currency's initialized grid markets with the
// oracle and implied rates as of now.
func (s *Service) ListMarkets(ctx context.Context, currencyID uint16) ([]MarketView, error) {
	cg, err := s.loadCashGroup(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	blockTime := s.clock.Now().Unix()

	views := make([]MarketView, 0)
	for _, m := range cg.Markets() {
		if !m.IsInitialized() || m.Maturity <= blockTime {
			continue
		}
		index, idiosyncratic, err := cashgroup.MarketIndex(cg.Config.MaxMarketIndex, m.Maturity, blockTime)
		if err != nil || idiosyncratic {
			// Left over from before the last quarterly roll.
			continue
		}
		oracleRate, err := market.OracleRate(m, cg.Config.RateOracleTimeWindow, blockTime)
		if err != nil {
			return nil, err
		}
		implied, err := market.ImpliedRate(m, cg.MarketParams(index), blockTime)
		if err != nil {
			return nil, err
		}
		views = append(views, MarketView{
			Market:      m,
			Ticker:      s.ticker(currencyID, model.KindFCash, m.Maturity),
			MarketIndex: index,
			OracleRate:  oracleRate,
			ImpliedRate: implied,
		})
	}
	return views, nil
}

// CountActiveMarkets counts the stored markets that hold liquidity and have
// not matured, across every configured currency, and publishes the count to
// the active markets gauge.
func (s *Service) CountActiveMarkets(ctx context.Context) (int, error) {
	blockTime := s.clock.Now().Unix()
	n := 0
	for id := range s.groups {
		markets, err := s.store.ListMarkets(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("list markets: %w", err)
		}
		for _, m := range markets {
			if m.IsInitialized() && m.Maturity > blockTime {
				n++
			}
		}
	}
	metrics.ActiveMarkets.Set(float64(n))
	return n, nil
}

// refreshActiveMarkets recounts active markets after a commit. A failed
// count leaves the gauge at its last value.
func (s *Service) refreshActiveMarkets(ctx context.Context) {
	if _, err := s.CountActiveMarkets(ctx); err != nil {
		slog.Warn("active market count failed", "err", err)
	}
}
