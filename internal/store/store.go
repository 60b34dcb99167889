// Package store defines the persistence interface for the fCash engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a market, account or pool token does not
// exist.
var ErrNotFound = errors.New("store: not found")

// Batch is every change produced by one engine operation. Commit applies
// it atomically: either all of it is visible afterwards or none of it.
type Batch struct {
	// Markets are upserted by (CurrencyID, Maturity).
	Markets []model.Market
	// Accounts replace the stored account, balances and portfolio.
	Accounts []model.Account
	// PoolTokens replace the stored pool token state.
	PoolTokens []model.PoolToken
	// Ledger entries are appended.
	Ledger []model.LedgerEntry
	// Reserves are asset cash deltas added to each currency's reserve.
	Reserves map[uint16]decimal.Decimal
}

// AddReserve accumulates a reserve delta.
func (b *Batch) AddReserve(currencyID uint16, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	if b.Reserves == nil {
		b.Reserves = make(map[uint16]decimal.Decimal)
	}
	b.Reserves[currencyID] = b.Reserves[currencyID].Add(delta)
}

// Empty reports whether the batch changes nothing.
func (b *Batch) Empty() bool {
	return len(b.Markets) == 0 && len(b.Accounts) == 0 && len(b.PoolTokens) == 0 &&
		len(b.Ledger) == 0 && len(b.Reserves) == 0
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	// GetMarket retrieves the market of a currency at a maturity.
	GetMarket(ctx context.Context, currencyID uint16, maturity int64) (*model.Market, error)

	// ListMarkets returns a currency's markets, ascending by maturity.
	ListMarkets(ctx context.Context, currencyID uint16) ([]model.Market, error)

	// --- Accounts ---

	// GetAccount retrieves an account with its balances and sorted portfolio.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Pool tokens and reserves ---

	// GetPoolToken retrieves a currency's pool token.
	GetPoolToken(ctx context.Context, currencyID uint16) (*model.PoolToken, error)

	// GetReserve returns a currency's accumulated reserve, zero if none.
	GetReserve(ctx context.Context, currencyID uint16) (decimal.Decimal, error)

	// --- Immutable ledger ---

	// GetLedgerEntriesByAccount returns an account's ledger in time order.
	GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// --- Writes ---

	// Commit applies a batch atomically.
	Commit(ctx context.Context, b *Batch) error
}
