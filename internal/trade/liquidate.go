package trade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/freecollateral"
	"github.com/atmx/fcash-engine/internal/liquidation"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/store"
)

// LiquidationRequest is the JSON body for POST /liquidate. Which fields
// apply depends on Kind:
//
//	local_currency        MaxPoolTokens
//	collateral_currency   CollateralCurrencyID, MaxCollateral, MaxPoolTokens
//	local_fcash           Maturities, MaxAmounts
//	cross_currency_fcash  CollateralCurrencyID, Maturities, MaxAmounts
type LiquidationRequest struct {
	Kind                 liquidation.Kind  `json:"kind"`
	AccountID            string            `json:"account_id"`
	LiquidatorID         string            `json:"liquidator_id,omitempty"`
	LocalCurrencyID      uint16            `json:"local_currency_id"`
	CollateralCurrencyID uint16            `json:"collateral_currency_id,omitempty"`
	MaxCollateral        decimal.Decimal   `json:"max_collateral"`
	MaxPoolTokens        decimal.Decimal   `json:"max_pool_tokens"`
	Maturities           []int64           `json:"maturities,omitempty"`
	MaxAmounts           []decimal.Decimal `json:"max_amounts,omitempty"`
	DryRun               bool              `json:"dry_run"`
}

// LiquidationResponse reports a calculated or executed liquidation.
type LiquidationResponse struct {
	ID     string `json:"id,omitempty"`
	DryRun bool   `json:"dry_run"`
	liquidation.Result
	FreeCollateralBefore decimal.Decimal `json:"free_collateral_before"`
	FreeCollateralAfter  decimal.Decimal `json:"free_collateral_after"`
}

// CalculateLiquidation runs a liquidation without persisting it.
func (s *Service) CalculateLiquidation(ctx context.Context, req LiquidationRequest) (LiquidationResponse, error) {
	req.DryRun = true
	return s.Liquidate(ctx, req)
}

// Liquidate liquidates an undercollateralized account. Unless DryRun is
// set, the liquidated account, the liquidator and any markets whose
// liquidity was withdrawn change together in one commit, and only if the
// liquidator keeps non-negative free collateral.
func (s *Service) Liquidate(ctx context.Context, req LiquidationRequest) (LiquidationResponse, error) {
	if req.AccountID == "" || req.LocalCurrencyID == 0 {
		return LiquidationResponse{}, fmt.Errorf("%w: account_id and local_currency_id are required", ErrInvalidRequest)
	}
	if !req.DryRun && (req.LiquidatorID == "" || req.LiquidatorID == req.AccountID) {
		return LiquidationResponse{}, fmt.Errorf("%w: a liquidator other than the account is required", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	blockTime := now.Unix()

	acct, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return LiquidationResponse{}, err
	}
	var liquidator model.Account
	currencies := union(acct.Currencies(), req.LocalCurrencyID, req.CollateralCurrencyID)
	if !req.DryRun {
		if liquidator, err = s.loadAccount(ctx, req.LiquidatorID); err != nil {
			return LiquidationResponse{}, err
		}
		currencies = union(currencies, liquidator.Currencies()...)
	}
	snap, err := s.loadSnapshot(ctx, currencies...)
	if err != nil {
		return LiquidationResponse{}, err
	}

	res, f, err := runLiquidation(*acct, snap, req, blockTime)
	if err != nil {
		slog.Warn("liquidation rejected", "account", req.AccountID, "kind", req.Kind, "err", err)
		return LiquidationResponse{}, err
	}

	// Later valuations see the markets the liquidation withdrew from.
	for _, m := range res.Markets {
		snap.CashGroups[m.CurrencyID].SetMarket(m)
	}
	after, err := freecollateral.Calculate(res.Account, snap, blockTime)
	if err != nil {
		return LiquidationResponse{}, err
	}
	resp := LiquidationResponse{
		DryRun:               req.DryRun,
		Result:               res,
		FreeCollateralBefore: f.FreeCollateral.NetBaseValue,
		FreeCollateralAfter:  after.NetBaseValue,
	}
	if req.DryRun {
		return resp, nil
	}

	creditLiquidator(&liquidator, res)
	if _, err := checkSolvent(liquidator, snap, blockTime); err != nil {
		return LiquidationResponse{}, err
	}

	resp.ID = uuid.New().String()
	batch := &store.Batch{
		Markets:  res.Markets,
		Accounts: []model.Account{res.Account, liquidator},
		Ledger: []model.LedgerEntry{
			newEntry(res.AccountID, model.ActionLiquidation, req.LocalCurrencyID, 0, decimal.Zero, res.LocalFromLiquidator, decimal.Zero, now),
			newEntry(liquidator.ID, model.ActionLiquidation, req.LocalCurrencyID, 0, decimal.Zero, res.LocalCashToLiquidator.Sub(res.LocalFromLiquidator), decimal.Zero, now),
		},
	}
	if err := s.store.Commit(ctx, batch); err != nil {
		return LiquidationResponse{}, fmt.Errorf("commit liquidation: %w", err)
	}

	if len(res.Markets) > 0 {
		s.refreshActiveMarkets(ctx)
	}
	metrics.LiquidationsTotal.WithLabelValues(string(res.Kind)).Inc()
	slog.Info("account liquidated",
		"id", resp.ID,
		"kind", res.Kind,
		"account", res.AccountID,
		"liquidator", liquidator.ID,
		"local_currency", res.LocalCurrencyID,
		"collateral_currency", res.CollateralCurrencyID,
		"local_from_liquidator", res.LocalFromLiquidator.String(),
		"free_collateral_after", after.NetBaseValue.String(),
	)
	for _, m := range res.Markets {
		s.broadcastMarket("liquidity_changed", m, decimal.Zero)
	}
	return resp, nil
}

// runLiquidation builds the liquidation factors and dispatches on kind.
func runLiquidation(acct model.Account, snap freecollateral.Snapshot, req LiquidationRequest, blockTime int64) (liquidation.Result, *liquidation.Factors, error) {
	collateralID := req.CollateralCurrencyID
	switch req.Kind {
	case liquidation.KindLocalCurrency, liquidation.KindLocalFCash:
		collateralID = 0
	case liquidation.KindCollateralCurrency, liquidation.KindCrossCurrencyFCash:
		if collateralID == 0 {
			return liquidation.Result{}, nil, fmt.Errorf("%w: collateral_currency_id is required for %s", ErrInvalidRequest, req.Kind)
		}
	default:
		return liquidation.Result{}, nil, fmt.Errorf("%w: unknown liquidation kind %q", ErrInvalidRequest, req.Kind)
	}

	f, err := liquidation.NewFactors(acct, snap, req.LocalCurrencyID, collateralID, blockTime)
	if err != nil {
		return liquidation.Result{}, nil, err
	}
	var res liquidation.Result
	switch req.Kind {
	case liquidation.KindLocalCurrency:
		res, err = liquidation.LocalCurrency(f, req.MaxPoolTokens)
	case liquidation.KindCollateralCurrency:
		res, err = liquidation.CollateralCurrency(f, req.MaxCollateral, req.MaxPoolTokens)
	case liquidation.KindLocalFCash:
		res, err = liquidation.LocalFCash(f, req.Maturities, req.MaxAmounts)
	case liquidation.KindCrossCurrencyFCash:
		res, err = liquidation.CrossCurrencyFCash(f, req.Maturities, req.MaxAmounts)
	}
	return res, f, err
}

// creditLiquidator books the liquidator's side of a liquidation: it pays
// the local cash and receives the seized assets.
func creditLiquidator(liquidator *model.Account, res liquidation.Result) {
	liquidator.AddCash(res.LocalCurrencyID, res.LocalCashToLiquidator.Sub(res.LocalFromLiquidator))
	if res.CollateralCurrencyID != 0 && !res.CollateralCashToLiquidator.IsZero() {
		liquidator.AddCash(res.CollateralCurrencyID, res.CollateralCashToLiquidator)
	}
	if !res.PoolTokensToLiquidator.IsZero() {
		liquidator.AddPoolTokens(res.PoolTokenCurrencyID, res.PoolTokensToLiquidator)
	}
	for _, pos := range res.FCashToLiquidator {
		liquidator.Portfolio.AddAsset(pos.CurrencyID, pos.Maturity, pos.Kind, pos.Notional)
	}
	liquidator.Portfolio = liquidator.Portfolio.Compact()
}
