package model

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Portfolio is an ordered list of positions. Valuation requires it sorted by
// (currency, maturity, kind); use Sort after building one by hand.
type Portfolio []Position

// Less orders positions by currency, then maturity, then kind.
func Less(a, b Position) bool {
	if a.CurrencyID != b.CurrencyID {
		return a.CurrencyID < b.CurrencyID
	}
	if a.Maturity != b.Maturity {
		return a.Maturity < b.Maturity
	}
	return a.Kind < b.Kind
}

// Sort orders the portfolio in place.
func (p Portfolio) Sort() {
	sort.SliceStable(p, func(i, j int) bool { return Less(p[i], p[j]) })
}

// IsSorted reports whether the portfolio is in valuation order.
func (p Portfolio) IsSorted() bool {
	for i := 1; i < len(p); i++ {
		if Less(p[i], p[i-1]) {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no backing array with p.
func (p Portfolio) Clone() Portfolio {
	if p == nil {
		return nil
	}
	c := make(Portfolio, len(p))
	copy(c, p)
	return c
}

// Find returns the index of the position with the given key, or -1.
func (p Portfolio) Find(currencyID uint16, maturity int64, kind AssetKind) int {
	for i, pos := range p {
		if pos.CurrencyID == currencyID && pos.Maturity == maturity && pos.Kind == kind {
			return i
		}
	}
	return -1
}

// AddAsset merges notional into the position with the same key, appending a
// new one if none exists. A position whose notional reaches zero is marked
// Removed; Compact drops it. The result stays sorted.
func (p *Portfolio) AddAsset(currencyID uint16, maturity int64, kind AssetKind, notional decimal.Decimal) {
	if notional.IsZero() {
		return
	}
	if i := p.Find(currencyID, maturity, kind); i >= 0 {
		pos := &(*p)[i]
		pos.Notional = pos.Notional.Add(notional)
		if pos.Notional.IsZero() {
			pos.State = Removed
		} else {
			pos.State = Updated
		}
		return
	}
	*p = append(*p, Position{
		CurrencyID: currencyID,
		Maturity:   maturity,
		Kind:       kind,
		Notional:   notional,
		State:      Updated,
	})
	p.Sort()
}

// Compact drops removed and zero positions and resets lifecycle tags.
func (p Portfolio) Compact() Portfolio {
	out := p[:0:0]
	for _, pos := range p {
		if pos.State == Removed || pos.Notional.IsZero() {
			continue
		}
		pos.State = Unchanged
		out = append(out, pos)
	}
	return out
}

// Currencies returns the distinct currencies held, ascending.
func (p Portfolio) Currencies() []uint16 {
	seen := make(map[uint16]bool)
	for _, pos := range p {
		seen[pos.CurrencyID] = true
	}
	return sortedKeys(seen)
}

// ForCurrency returns the positions of one currency, preserving order.
func (p Portfolio) ForCurrency(currencyID uint16) Portfolio {
	var out Portfolio
	for _, pos := range p {
		if pos.CurrencyID == currencyID {
			out = append(out, pos)
		}
	}
	return out
}

func sortedKeys(m map[uint16]bool) []uint16 {
	out := make([]uint16, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
