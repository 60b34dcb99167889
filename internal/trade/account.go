package trade

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/freecollateral"
	"github.com/atmx/fcash-engine/internal/metrics"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/valuation"
)

// AccountView is an account with its ledger history.
type AccountView struct {
	model.Account
	Ledger []model.LedgerEntry `json:"ledger"`
}

// PositionView is one valued position.
type PositionView struct {
	model.Position
	Ticker string          `json:"ticker"`
	Value  decimal.Decimal `json:"value"` // asset cash, not netted
}

// PortfolioResponse is the valuation of an account's portfolio. Values are
// per currency in asset cash, with pool claims netted against fCash at the
// same maturity; position values are standalone.
type PortfolioResponse struct {
	AccountID    string           `json:"account_id"`
	BlockTime    int64            `json:"block_time"`
	RiskAdjusted bool             `json:"risk_adjusted"`
	Values       valuation.Values `json:"values"`
	Positions    []PositionView   `json:"positions"`
}

// GetAccount returns an account and its ledger.
func (s *Service) GetAccount(ctx context.Context, accountID string) (AccountView, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return AccountView{}, err
	}
	entries, err := s.store.GetLedgerEntriesByAccount(ctx, accountID)
	if err != nil {
		return AccountView{}, fmt.Errorf("get ledger: %w", err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return AccountView{Account: *acct, Ledger: entries}, nil
}

// PortfolioValue values an account's portfolio at the current time.
func (s *Service) PortfolioValue(ctx context.Context, accountID string, riskAdjusted bool) (PortfolioResponse, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return PortfolioResponse{}, err
	}
	snap, err := s.loadSnapshot(ctx, acct.Portfolio.Currencies()...)
	if err != nil {
		return PortfolioResponse{}, err
	}
	blockTime := s.clock.Now().Unix()

	values, err := valuation.PortfolioValue(acct.Portfolio, snap.CashGroups, blockTime, riskAdjusted)
	if err != nil {
		return PortfolioResponse{}, err
	}
	positions := make([]PositionView, 0, len(acct.Portfolio))
	for _, pos := range acct.Portfolio {
		v, err := valuation.PositionValue(pos, snap.CashGroups[pos.CurrencyID], blockTime, riskAdjusted)
		if err != nil {
			return PortfolioResponse{}, err
		}
		positions = append(positions, PositionView{
			Position: pos,
			Ticker:   s.ticker(pos.CurrencyID, pos.Kind, pos.Maturity),
			Value:    v,
		})
	}
	if values == nil {
		values = valuation.Values{}
	}
	return PortfolioResponse{
		AccountID:    acct.ID,
		BlockTime:    blockTime,
		RiskAdjusted: riskAdjusted,
		Values:       values,
		Positions:    positions,
	}, nil
}

// FreeCollateral computes an account's free collateral at the current
// time.
func (s *Service) FreeCollateral(ctx context.Context, accountID string) (freecollateral.Result, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return freecollateral.Result{}, err
	}
	snap, err := s.loadSnapshot(ctx, acct.Currencies()...)
	if err != nil {
		return freecollateral.Result{}, err
	}
	fc, err := freecollateral.Calculate(*acct, snap, s.clock.Now().Unix())
	if err != nil {
		metrics.FreeCollateralChecks.WithLabelValues(metrics.OutcomeError).Inc()
		return fc, err
	}
	outcome := metrics.OutcomeSolvent
	if !fc.Solvent() {
		outcome = metrics.OutcomeInsolvent
	}
	metrics.FreeCollateralChecks.WithLabelValues(outcome).Inc()
	if fc.Currencies == nil {
		fc.Currencies = []freecollateral.CurrencyFactors{}
	}
	return fc, nil
}
