package valuation

import (
	"fmt"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/model"
	"github.com/shopspring/decimal"
)

// CurrencyValue is the value of one currency's share of a portfolio, in
// asset cash.
type CurrencyValue struct {
	CurrencyID uint16          `json:"currency_id"`
	Value      decimal.Decimal `json:"value"`
}

// Values are per-currency results, ascending by currency.
type Values []CurrencyValue

// For returns the value of currencyID, zero if absent.
func (v Values) For(currencyID uint16) decimal.Decimal {
	for _, cv := range v {
		if cv.CurrencyID == currencyID {
			return cv.Value
		}
	}
	return decimal.Zero
}

type positionKey struct {
	currencyID uint16
	maturity   int64
}

// groupCursor walks the currency groups of a sorted portfolio. It only
// moves forward; seeing a currency it has already left means the input was
// not grouped.
type groupCursor struct {
	groups  map[uint16]*cashgroup.CashGroup
	current *cashgroup.CashGroup
	left    map[uint16]bool
}

func newGroupCursor(groups map[uint16]*cashgroup.CashGroup) *groupCursor {
	return &groupCursor{groups: groups, left: make(map[uint16]bool)}
}

func (c *groupCursor) at(currencyID uint16) (*cashgroup.CashGroup, error) {
	if c.current != nil && c.current.CurrencyID() == currencyID {
		return c.current, nil
	}
	if c.left[currencyID] {
		return nil, fmt.Errorf("%w: currency %d revisited", ErrPortfolioNotSorted, currencyID)
	}
	cg, ok := c.groups[currencyID]
	if !ok || cg == nil {
		return nil, fmt.Errorf("%w: %d", ErrMissingCashGroup, currencyID)
	}
	if c.current != nil {
		c.left[c.current.CurrencyID()] = true
	}
	c.current = cg
	return cg, nil
}

// PortfolioValue values a sorted portfolio and returns one asset-cash value
// per currency held. It runs in two passes over a private copy:
//
//  1. Pool claims are split into cash and fCash claims (haircut when
//     riskAdjusted). A claim's fCash is netted into the fCash position of
//     the same currency and maturity if one exists, and the claim itself
//     contributes only its cash. Without a match the fCash claim is
//     discounted on its own.
//  2. Every fCash position, including netted ones, is discounted once at
//     the oracle rate interpolated for its maturity.
//
// Underlying present values are converted to asset cash per currency at
// the end. The caller's slice is never modified.
func PortfolioValue(positions model.Portfolio, groups map[uint16]*cashgroup.CashGroup, blockTime int64, riskAdjusted bool) (Values, error) {
	if !positions.IsSorted() {
		return nil, ErrPortfolioNotSorted
	}
	p := positions.Clone()

	fCashIndex := make(map[positionKey]int)
	for i, pos := range p {
		if pos.Kind == model.KindFCash {
			fCashIndex[positionKey{pos.CurrencyID, pos.Maturity}] = i
		}
	}

	cashValue := make(map[uint16]decimal.Decimal)
	underlyingPV := make(map[uint16]decimal.Decimal)
	seen := func(id uint16) {
		if _, ok := cashValue[id]; !ok {
			cashValue[id] = decimal.Zero
			underlyingPV[id] = decimal.Zero
		}
	}

	// Pass 1: pool claims.
	cursor := newGroupCursor(groups)
	for _, claim := range p {
		if claim.Kind != model.KindPoolClaim {
			continue
		}
		cg, err := cursor.at(claim.CurrencyID)
		if err != nil {
			return nil, err
		}
		seen(claim.CurrencyID)

		m, index, err := poolClaimMarket(cg, claim, blockTime)
		if err != nil {
			return nil, err
		}
		cash, fCash := CashClaims(claim, m)
		if riskAdjusted {
			cash, fCash = HaircutCashClaims(claim, m, cg, index)
		}
		cashValue[claim.CurrencyID] = cashValue[claim.CurrencyID].Add(cash)

		if j, ok := fCashIndex[positionKey{claim.CurrencyID, claim.Maturity}]; ok {
			p[j].Notional = p[j].Notional.Add(fCash)
			p[j].State = model.Updated
			continue
		}
		pv, err := FCashValue(cg, fCash, claim.Maturity, blockTime, riskAdjusted)
		if err != nil {
			return nil, err
		}
		underlyingPV[claim.CurrencyID] = underlyingPV[claim.CurrencyID].Add(pv)
	}

	// Pass 2: fCash, discounted once each.
	cursor = newGroupCursor(groups)
	for _, pos := range p {
		if pos.Kind != model.KindFCash {
			continue
		}
		cg, err := cursor.at(pos.CurrencyID)
		if err != nil {
			return nil, err
		}
		seen(pos.CurrencyID)

		pv, err := FCashValue(cg, pos.Notional, pos.Maturity, blockTime, riskAdjusted)
		if err != nil {
			return nil, err
		}
		underlyingPV[pos.CurrencyID] = underlyingPV[pos.CurrencyID].Add(pv)
	}

	// Currencies() is ascending, so the values are too.
	out := make(Values, 0, len(cashValue))
	for _, id := range positions.Currencies() {
		if _, ok := cashValue[id]; !ok {
			continue
		}
		cg := groups[id]
		out = append(out, CurrencyValue{
			CurrencyID: id,
			Value:      cashValue[id].Add(cg.AssetRate.FromUnderlying(underlyingPV[id])),
		})
	}
	return out, nil
}
