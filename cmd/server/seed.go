package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/fcash-engine/internal/config"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/atmx/fcash-engine/internal/store"
	"github.com/atmx/fcash-engine/internal/trade"
)

// seed creates the configured pool tokens and markets that do not exist
// yet. Existing state is left alone so restarts are safe.
func seed(ctx context.Context, cfg config.Config, st store.Store, svc *trade.Service) error {
	var tokens []model.PoolToken
	for _, pt := range cfg.PoolTokens {
		_, err := st.GetPoolToken(ctx, pt.CurrencyID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			tokens = append(tokens, pt)
		case err != nil:
			return fmt.Errorf("get pool token %d: %w", pt.CurrencyID, err)
		}
	}
	if len(tokens) > 0 {
		if err := st.Commit(ctx, &store.Batch{PoolTokens: tokens}); err != nil {
			return fmt.Errorf("seed pool tokens: %w", err)
		}
		slog.Info("seeded pool tokens", "count", len(tokens))
	}

	for _, m := range cfg.Markets {
		_, err := svc.InitializeMarket(ctx, trade.InitializeMarketRequest{
			CurrencyID:  m.CurrencyID,
			MarketIndex: m.MarketIndex,
			Cash:        m.Cash,
			FCash:       m.FCash,
			ImpliedRate: m.ImpliedRate,
		})
		if errors.Is(err, trade.ErrMarketExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed market %d/%d: %w", m.CurrencyID, m.MarketIndex, err)
		}
	}
	n, err := svc.CountActiveMarkets(ctx)
	if err != nil {
		return fmt.Errorf("count markets: %w", err)
	}
	slog.Info("markets ready", "active", n)
	return nil
}
