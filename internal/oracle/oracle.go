// Package oracle supplies the base exchange rates and asset rates the
// engine values accounts with.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownCurrency = errors.New("oracle: unknown currency")
	ErrInvalidRate     = errors.New("oracle: invalid rate")
)

// Oracle resolves rates by currency.
type Oracle interface {
	ExchangeRate(ctx context.Context, currencyID uint16) (model.ExchangeRate, error)
	AssetRate(ctx context.Context, currencyID uint16) (model.AssetRate, error)
}

// Static is an in-memory Oracle whose rates are set by configuration and
// can be updated at runtime. It is safe for concurrent use.
type Static struct {
	mu       sync.RWMutex
	exchange map[uint16]model.ExchangeRate
	asset    map[uint16]model.AssetRate
}

// NewStatic validates and loads the given rates.
func NewStatic(exchange []model.ExchangeRate, asset []model.AssetRate) (*Static, error) {
	s := &Static{
		exchange: make(map[uint16]model.ExchangeRate, len(exchange)),
		asset:    make(map[uint16]model.AssetRate, len(asset)),
	}
	for _, er := range exchange {
		if err := s.SetExchangeRate(er); err != nil {
			return nil, err
		}
	}
	for _, ar := range asset {
		if err := s.SetAssetRate(ar); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ValidateExchangeRate checks that er is usable for free collateral:
// a positive rate, buffer >= 1, haircut in [0, 1] and discount >= 1.
func ValidateExchangeRate(er model.ExchangeRate) error {
	one := decimal.NewFromInt(1)
	switch {
	case er.CurrencyID == 0:
		return fmt.Errorf("%w: currency id is zero", ErrInvalidRate)
	case !er.Rate.IsPositive():
		return fmt.Errorf("%w: currency %d rate %s", ErrInvalidRate, er.CurrencyID, er.Rate)
	case er.Buffer.LessThan(one):
		return fmt.Errorf("%w: currency %d buffer %s below 1", ErrInvalidRate, er.CurrencyID, er.Buffer)
	case er.Haircut.IsNegative() || er.Haircut.GreaterThan(one):
		return fmt.Errorf("%w: currency %d haircut %s outside [0, 1]", ErrInvalidRate, er.CurrencyID, er.Haircut)
	case er.LiquidationDiscount.LessThan(one):
		return fmt.Errorf("%w: currency %d liquidation discount %s below 1", ErrInvalidRate, er.CurrencyID, er.LiquidationDiscount)
	}
	return nil
}

// SetExchangeRate replaces the exchange rate of er.CurrencyID.
func (s *Static) SetExchangeRate(er model.ExchangeRate) error {
	if err := ValidateExchangeRate(er); err != nil {
		return err
	}
	s.mu.Lock()
	s.exchange[er.CurrencyID] = er
	s.mu.Unlock()
	return nil
}

// SetAssetRate replaces the asset rate of ar.CurrencyID.
func (s *Static) SetAssetRate(ar model.AssetRate) error {
	if ar.CurrencyID == 0 || !ar.Rate.IsPositive() || ar.SupplyRate.IsNegative() {
		return fmt.Errorf("%w: asset rate %d %s supply %s", ErrInvalidRate, ar.CurrencyID, ar.Rate, ar.SupplyRate)
	}
	s.mu.Lock()
	s.asset[ar.CurrencyID] = ar
	s.mu.Unlock()
	return nil
}

// ExchangeRate implements Oracle.
func (s *Static) ExchangeRate(_ context.Context, currencyID uint16) (model.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	er, ok := s.exchange[currencyID]
	if !ok {
		return model.ExchangeRate{}, fmt.Errorf("%w: exchange rate %d", ErrUnknownCurrency, currencyID)
	}
	return er, nil
}

// AssetRate implements Oracle.
func (s *Static) AssetRate(_ context.Context, currencyID uint16) (model.AssetRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ar, ok := s.asset[currencyID]
	if !ok {
		return model.AssetRate{}, fmt.Errorf("%w: asset rate %d", ErrUnknownCurrency, currencyID)
	}
	return ar, nil
}

// Currencies returns every currency with an exchange rate, ascending.
func (s *Static) Currencies() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint16, 0, len(s.exchange))
	for id := range s.exchange {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
