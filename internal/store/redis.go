package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and then invalidate every key the
// batch touched; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

// Commit invalidates only after the primary commit succeeds, so a failed
// batch leaves the cache consistent with the primary.
func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}
	keys := invalidationKeys(b)
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		// Entries expire after ttl; stale reads are bounded by it.
		slog.Warn("cache invalidation failed", "keys", len(keys), "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, currencyID uint16, maturity int64) (*model.Market, error) {
	key := cacheMarketKey(currencyID, maturity)
	var m model.Market
	if s.get(ctx, key, &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	mp, err := s.primary.GetMarket(ctx, currencyID, maturity)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, mp)
	return mp, nil
}

func (s *CachedStore) ListMarkets(ctx context.Context, currencyID uint16) ([]model.Market, error) {
	key := marketsKey(currencyID)
	var markets []model.Market
	if s.get(ctx, key, &markets) {
		return markets, nil
	}

	markets, err := s.primary.ListMarkets(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, markets)
	return markets, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	key := accountKey(id)
	var a model.Account
	if s.get(ctx, key, &a) {
		if a.Balances == nil {
			a.Balances = make(map[uint16]model.Balance)
		}
		return &a, nil
	}

	ap, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, ap)
	return ap, nil
}

func (s *CachedStore) GetPoolToken(ctx context.Context, currencyID uint16) (*model.PoolToken, error) {
	key := poolTokenKey(currencyID)
	var pt model.PoolToken
	if s.get(ctx, key, &pt) {
		return &pt, nil
	}

	ptp, err := s.primary.GetPoolToken(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, ptp)
	return ptp, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetReserve(ctx context.Context, currencyID uint16) (decimal.Decimal, error) {
	return s.primary.GetReserve(ctx, currencyID)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, accountID)
}

// --- Cache helpers ---

// get reports a hit. redis.Nil and undecodable entries are misses.
func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("cache read failed", "key", key, "err", err)
		}
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidationKeys lists every cached key a batch can make stale.
func invalidationKeys(b *Batch) []string {
	var keys []string
	currencies := make(map[uint16]bool)
	for _, m := range b.Markets {
		keys = append(keys, cacheMarketKey(m.CurrencyID, m.Maturity))
		currencies[m.CurrencyID] = true
	}
	for id := range currencies {
		keys = append(keys, marketsKey(id))
	}
	for _, a := range b.Accounts {
		keys = append(keys, accountKey(a.ID))
	}
	for _, pt := range b.PoolTokens {
		keys = append(keys, poolTokenKey(pt.CurrencyID))
	}
	return keys
}

func cacheMarketKey(currencyID uint16, maturity int64) string {
	return fmt.Sprintf("market:%d:%d", currencyID, maturity)
}
func marketsKey(currencyID uint16) string   { return fmt.Sprintf("markets:%d", currencyID) }
func accountKey(id string) string           { return fmt.Sprintf("account:%s", id) }
func poolTokenKey(currencyID uint16) string { return fmt.Sprintf("pooltoken:%d", currencyID) }
