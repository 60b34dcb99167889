package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/freecollateral"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/store"
)

// PoolTokenRequest is the JSON body for POST /pool-tokens/mint (Amount is
// asset cash) and POST /pool-tokens/redeem (Amount is pool tokens).
type PoolTokenRequest struct {
	AccountID  string          `json:"account_id"`
	CurrencyID uint16          `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// PoolTokenResponse reports a mint or redemption.
type PoolTokenResponse struct {
	AccountID      string          `json:"account_id"`
	CurrencyID     uint16          `json:"currency_id"`
	Tokens         decimal.Decimal `json:"tokens"` // pool tokens to the account
	Cash           decimal.Decimal `json:"cash"`   // asset cash to the account
	FCash          model.Portfolio `json:"fcash,omitempty"`
	PoolToken      model.PoolToken `json:"pool_token"`
	Markets        []model.Market  `json:"markets"`
	FreeCollateral decimal.Decimal `json:"free_collateral"`
}

// MintPoolTokens converts an account's asset cash into pool tokens. The
// cash is spread over the currency's active markets in proportion to their
// cash, and the pool token takes the resulting claims and offsetting fCash.
// Tokens are issued pro rata to the pool token's value before the deposit.
func (s *Service) MintPoolTokens(ctx context.Context, req PoolTokenRequest) (PoolTokenResponse, error) {
	return s.changePoolTokens(ctx, req, model.ActionMintPoolTokens)
}

// RedeemPoolTokens burns pool tokens for their share of the pool token's
// cash and market liquidity. Any fCash left once the withdrawn claims net
// against the pool token's offsetting fCash goes to the account.
func (s *Service) RedeemPoolTokens(ctx context.Context, req PoolTokenRequest) (PoolTokenResponse, error) {
	return s.changePoolTokens(ctx, req, model.ActionRedeemPoolTokens)
}

func (s *Service) changePoolTokens(ctx context.Context, req PoolTokenRequest, action string) (PoolTokenResponse, error) {
	if req.AccountID == "" || !req.Amount.IsPositive() {
		return PoolTokenResponse{}, fmt.Errorf("%w: account_id and a positive amount are required", ErrInvalidRequest)
	}
	if _, ok := s.groups[req.CurrencyID]; !ok {
		return PoolTokenResponse{}, fmt.Errorf("%w: %d", ErrUnknownCurrency, req.CurrencyID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	blockTime := now.Unix()

	acct, err := s.loadAccount(ctx, req.AccountID)
	if err != nil {
		return PoolTokenResponse{}, err
	}
	snap, err := s.loadSnapshot(ctx, union(acct.Currencies(), req.CurrencyID)...)
	if err != nil {
		return PoolTokenResponse{}, err
	}
	pt, ok := snap.PoolTokens[req.CurrencyID]
	if !ok {
		return PoolTokenResponse{}, fmt.Errorf("%w: pool token %d", store.ErrNotFound, req.CurrencyID)
	}
	pt.Portfolio = pt.Portfolio.Clone()
	cg := snap.CashGroups[req.CurrencyID]

	var p poolTokenChange
	if action == model.ActionMintPoolTokens {
		p, err = mintPoolTokens(acct, &pt, cg, req.Amount, blockTime)
	} else {
		p, err = redeemPoolTokens(acct, &pt, cg, req.Amount, blockTime)
	}
	if err != nil {
		return PoolTokenResponse{}, err
	}

	acct.AddCash(req.CurrencyID, p.cash)
	acct.AddPoolTokens(req.CurrencyID, p.tokens)
	for _, pos := range p.fCash {
		acct.Portfolio.AddAsset(pos.CurrencyID, pos.Maturity, pos.Kind, pos.Notional)
	}
	acct.Portfolio = acct.Portfolio.Compact()
	pt.Portfolio = pt.Portfolio.Compact()
	for _, m := range p.markets {
		cg.SetMarket(m)
	}
	snap.PoolTokens[req.CurrencyID] = pt

	fc, err := checkSolvent(acct, snap, blockTime)
	if err != nil {
		return PoolTokenResponse{}, err
	}

	batch := &store.Batch{
		Markets:    p.markets,
		Accounts:   []model.Account{acct},
		PoolTokens: []model.PoolToken{pt},
		Ledger:     []model.LedgerEntry{newEntry(acct.ID, action, req.CurrencyID, 0, decimal.Zero, p.cash, decimal.Zero, now)},
	}
	if err := s.store.Commit(ctx, batch); err != nil {
		return PoolTokenResponse{}, fmt.Errorf("commit pool tokens: %w", err)
	}

	s.refreshActiveMarkets(ctx)
	metrics.LiquidityEvents.WithLabelValues(action).Inc()
	slog.Info("pool tokens changed",
		"action", action,
		"account", acct.ID,
		"currency", req.CurrencyID,
		"tokens", p.tokens.String(),
		"cash", p.cash.String(),
		"total_supply", pt.TotalSupply.String(),
	)
	for _, m := range p.markets {
		s.broadcastMarket("liquidity_changed", m, decimal.Zero)
	}
	return PoolTokenResponse{
		AccountID:      acct.ID,
		CurrencyID:     req.CurrencyID,
		Tokens:         p.tokens,
		Cash:           p.cash,
		FCash:          p.fCash,
		PoolToken:      pt,
		Markets:        p.markets,
		FreeCollateral: fc.NetBaseValue,
	}, nil
}

// poolTokenChange is the account side of a mint or redemption.
type poolTokenChange struct {
	tokens  decimal.Decimal
	cash    decimal.Decimal
	fCash   model.Portfolio
	markets []model.Market
}

// activeMarkets returns the initialized grid markets of cg, nearest first.
func activeMarkets(cg *cashgroup.CashGroup, blockTime int64) ([]model.Market, error) {
	var out []model.Market
	for index := 1; index <= cg.Config.MaxMarketIndex; index++ {
		m, err := cg.Market(index, blockTime)
		if errors.Is(err, market.ErrMarketNotInitialized) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func mintPoolTokens(acct model.Account, pt *model.PoolToken, cg *cashgroup.CashGroup, amount decimal.Decimal, blockTime int64) (poolTokenChange, error) {
	if cash := acct.Balance(pt.CurrencyID).CashBalance; cash.LessThan(amount) {
		return poolTokenChange{}, fmt.Errorf("%w: cash %s, mint %s", ErrInsufficientBalance, cash, amount)
	}
	total, err := freecollateral.PoolTokenValue(*pt, cg, blockTime)
	if err != nil {
		return poolTokenChange{}, err
	}
	tokens := amount
	if pt.TotalSupply.IsPositive() && total.IsPositive() {
		if tokens, err = fixedpoint.DivToken(amount.Mul(pt.TotalSupply), total); err != nil {
			return poolTokenChange{}, err
		}
	}
	if !tokens.IsPositive() {
		return poolTokenChange{}, fmt.Errorf("%w: %s asset cash mints no pool tokens", ErrInvalidRequest, amount)
	}

	markets, err := activeMarkets(cg, blockTime)
	if err != nil {
		return poolTokenChange{}, err
	}
	marketCash := decimal.Zero
	for _, m := range markets {
		marketCash = marketCash.Add(m.TotalCash)
	}

	p := poolTokenChange{tokens: tokens, cash: amount.Neg()}
	remaining := amount
	for i, m := range markets {
		deposit := remaining
		if i < len(markets)-1 {
			if deposit, err = fixedpoint.DivToken(amount.Mul(m.TotalCash), marketCash); err != nil {
				return poolTokenChange{}, err
			}
		}
		if !deposit.IsPositive() {
			continue
		}
		next, shares, fCash, err := market.AddLiquidity(m, deposit)
		if err != nil {
			return poolTokenChange{}, err
		}
		pt.Portfolio.AddAsset(pt.CurrencyID, m.Maturity, model.KindPoolClaim, shares)
		pt.Portfolio.AddAsset(pt.CurrencyID, m.Maturity, model.KindFCash, fCash)
		p.markets = append(p.markets, next)
		remaining = remaining.Sub(deposit)
	}
	// Without active markets the deposit stays in the pool token as cash.
	pt.CashBalance = pt.CashBalance.Add(remaining)
	pt.TotalSupply = pt.TotalSupply.Add(tokens)
	return p, nil
}

func redeemPoolTokens(acct model.Account, pt *model.PoolToken, cg *cashgroup.CashGroup, tokens decimal.Decimal, blockTime int64) (poolTokenChange, error) {
	if held := acct.Balance(pt.CurrencyID).PoolTokenBalance; held.LessThan(tokens) {
		return poolTokenChange{}, fmt.Errorf("%w: %s pool tokens, %s requested", ErrInsufficientBalance, held, tokens)
	}
	if tokens.GreaterThan(pt.TotalSupply) {
		return poolTokenChange{}, fmt.Errorf("%w: %s pool tokens requested, %s outstanding", ErrInsufficientBalance, tokens, pt.TotalSupply)
	}
	all := tokens.Equal(pt.TotalSupply)
	share := func(v decimal.Decimal) (decimal.Decimal, error) {
		if all {
			return v, nil
		}
		return fixedpoint.DivToken(v.Mul(tokens), pt.TotalSupply)
	}

	cash, err := share(pt.CashBalance)
	if err != nil {
		return poolTokenChange{}, err
	}
	p := poolTokenChange{tokens: tokens.Neg(), cash: cash}
	pt.CashBalance = pt.CashBalance.Sub(cash)

	residual := make(map[int64]decimal.Decimal)
	for _, pos := range pt.Portfolio.Clone() {
		amount, err := share(pos.Notional)
		if err != nil {
			return poolTokenChange{}, err
		}
		if amount.IsZero() {
			continue
		}
		pt.Portfolio.AddAsset(pos.CurrencyID, pos.Maturity, pos.Kind, amount.Neg())
		if pos.Kind == model.KindFCash {
			residual[pos.Maturity] = residual[pos.Maturity].Add(amount)
			continue
		}

		_, m, err := gridMarket(cg, pos.Maturity, blockTime)
		if err != nil {
			return poolTokenChange{}, err
		}
		next, claimCash, claimFCash, err := market.RemoveLiquidity(m, amount)
		if err != nil {
			return poolTokenChange{}, err
		}
		cg.SetMarket(next)
		p.markets = append(p.markets, next)
		p.cash = p.cash.Add(claimCash)
		residual[pos.Maturity] = residual[pos.Maturity].Add(claimFCash)
	}
	for maturity, fCash := range residual {
		p.fCash.AddAsset(pt.CurrencyID, maturity, model.KindFCash, fCash)
	}
	p.fCash = p.fCash.Compact()
	pt.TotalSupply = pt.TotalSupply.Sub(tokens)
	return p, nil
}
