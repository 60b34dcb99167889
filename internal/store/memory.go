package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

type marketKey struct {
	currencyID uint16
	maturity   int64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	markets    map[marketKey]model.Market
	accounts   map[string]model.Account
	poolTokens map[uint16]model.PoolToken
	reserves   map[uint16]decimal.Decimal
	ledger     []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:    make(map[marketKey]model.Market),
		accounts:   make(map[string]model.Account),
		poolTokens: make(map[uint16]model.PoolToken),
		reserves:   make(map[uint16]decimal.Decimal),
	}
}

func (s *MemoryStore) GetMarket(_ context.Context, currencyID uint16, maturity int64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[marketKey{currencyID, maturity}]
	if !ok {
		return nil, fmt.Errorf("%w: market %d/%d", ErrNotFound, currencyID, maturity)
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, currencyID uint16) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0)
	for k, m := range s.markets {
		if k.currencyID == currencyID {
			markets = append(markets, m)
		}
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Maturity < markets[j].Maturity })
	return markets, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	// Copy to avoid callers mutating stored state.
	c := a.Clone()
	return &c, nil
}

func (s *MemoryStore) GetPoolToken(_ context.Context, currencyID uint16) (*model.PoolToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pt, ok := s.poolTokens[currencyID]
	if !ok {
		return nil, fmt.Errorf("%w: pool token %d", ErrNotFound, currencyID)
	}
	pt.Portfolio = pt.Portfolio.Clone()
	return &pt, nil
}

func (s *MemoryStore) GetReserve(_ context.Context, currencyID uint16) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.reserves[currencyID], nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

// Commit applies the batch under the write lock. Nothing in a batch can
// fail once validated, so the batch is all-or-nothing.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	for _, a := range b.Accounts {
		if a.ID == "" {
			return fmt.Errorf("store: account with empty id")
		}
		if !a.Portfolio.IsSorted() {
			return fmt.Errorf("store: account %s portfolio not sorted", a.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range b.Markets {
		s.markets[marketKey{m.CurrencyID, m.Maturity}] = m
	}
	for _, a := range b.Accounts {
		c := a.Clone()
		c.Portfolio = c.Portfolio.Compact()
		s.accounts[a.ID] = c
	}
	for _, pt := range b.PoolTokens {
		pt.Portfolio = pt.Portfolio.Clone().Compact()
		s.poolTokens[pt.CurrencyID] = pt
	}
	for id, delta := range b.Reserves {
		s.reserves[id] = s.reserves[id].Add(delta)
	}
	s.ledger = append(s.ledger, b.Ledger...)
	return nil
}
